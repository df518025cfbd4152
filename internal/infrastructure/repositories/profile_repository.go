package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
)

const ProfilesTable = "profiles"

// ProfileRepositoryImpl implements domain.ProfileRepository using GORM
type ProfileRepositoryImpl struct {
	db     *gorm.DB
	feed   domain.ChangeFeed
	logger logger.Logger
}

// DBProfile represents the database model for Profile (with GORM tags)
type DBProfile struct {
	ID        string  `gorm:"primaryKey;size:64"`
	FirstName string  `gorm:"size:128"`
	LastName  string  `gorm:"size:128"`
	FullName  string  `gorm:"size:255"`
	Role      string  `gorm:"index;size:32"`
	AvatarURL *string `gorm:"size:512"`
	CompanyID *string `gorm:"index;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the table name for GORM
func (DBProfile) TableName() string {
	return ProfilesTable
}

// NewProfileRepository creates a new profile repository. When feed is not
// nil every write is published as a change event on the profiles table.
func NewProfileRepository(db *gorm.DB, feed domain.ChangeFeed, log logger.Logger) domain.ProfileRepository {
	if log == nil {
		log = logger.NewNop()
	}
	return &ProfileRepositoryImpl{db: db, feed: feed, logger: log.With("component", "profile_repository")}
}

// FindByID implements domain.ProfileRepository
func (r *ProfileRepositoryImpl) FindByID(ctx context.Context, id string) (*domain.Profile, error) {
	var row DBProfile
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, r.translate("find profile", err)
	}
	return r.dbToDomain(&row), nil
}

// Create implements domain.ProfileRepository. An existing row with the same
// id yields domain.ErrProfileConflict.
func (r *ProfileRepositoryImpl) Create(ctx context.Context, profile *domain.Profile) error {
	row := r.domainToDB(profile)
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return r.translate("create profile", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrProfileConflict
	}
	r.publish(ctx, domain.NewChangeEvent(ProfilesTable, domain.ChangeInsert, domain.ProfileRecord(profile)))
	return nil
}

// Update implements domain.ProfileRepository
func (r *ProfileRepositoryImpl) Update(ctx context.Context, profile *domain.Profile) error {
	var old DBProfile
	if err := r.db.WithContext(ctx).Where("id = ?", profile.ID).First(&old).Error; err != nil {
		return r.translate("update profile", err)
	}
	row := r.domainToDB(profile)
	err := r.db.WithContext(ctx).Model(&DBProfile{}).Where("id = ?", profile.ID).
		Select("first_name", "last_name", "full_name", "role", "avatar_url", "company_id", "updated_at").
		Updates(row).Error
	if err != nil {
		return r.translate("update profile", err)
	}
	ev := domain.NewChangeEvent(ProfilesTable, domain.ChangeUpdate, domain.ProfileRecord(profile)).
		WithOldRecord(domain.ProfileRecord(r.dbToDomain(&old)))
	r.publish(ctx, ev)
	return nil
}

func (r *ProfileRepositoryImpl) publish(ctx context.Context, ev domain.ChangeEvent) {
	if r.feed == nil {
		return
	}
	if err := r.feed.Publish(ctx, ev); err != nil {
		r.logger.Warn("publishing profile change failed", "type", string(ev.Type), "err", err)
	}
}

// insufficient_privilege, raised by row level security
const pgInsufficientPrivilege = "42501"

func (r *ProfileRepositoryImpl) translate(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrProfileNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.ErrProfileConflict
	case errors.As(err, &pgErr) && pgErr.Code == pgInsufficientPrivilege:
		return fmt.Errorf("%s: %w", op, domain.ErrPermissionDenied)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrBackendUnavailable, err)
	}
}

// domainToDB converts domain profile to database profile
func (r *ProfileRepositoryImpl) domainToDB(p *domain.Profile) *DBProfile {
	return &DBProfile{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		FullName:  p.FullName,
		Role:      string(p.Role),
		AvatarURL: p.AvatarURL,
		CompanyID: p.CompanyID,
	}
}

// dbToDomain converts database profile to domain profile
func (r *ProfileRepositoryImpl) dbToDomain(row *DBProfile) *domain.Profile {
	return &domain.Profile{
		ID:        row.ID,
		FirstName: row.FirstName,
		LastName:  row.LastName,
		FullName:  row.FullName,
		Role:      domain.Role(row.Role),
		AvatarURL: row.AvatarURL,
		CompanyID: row.CompanyID,
	}
}
