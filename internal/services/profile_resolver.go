package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
)

const DefaultProfileFetchTimeout = 8 * time.Second

type ResolverConfig struct {
	FetchTimeout time.Duration
}

// ProfileResolverImpl implements domain.ProfileResolver
type ProfileResolverImpl struct {
	repo   domain.ProfileRepository
	config ResolverConfig
	logger logger.Logger
}

// NewProfileResolver creates a new profile resolver
func NewProfileResolver(repo domain.ProfileRepository, config ResolverConfig, log logger.Logger) domain.ProfileResolver {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultProfileFetchTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ProfileResolverImpl{
		repo:   repo,
		config: config,
		logger: log.With("component", "profile_resolver"),
	}
}

// Resolve implements domain.ProfileResolver
func (r *ProfileResolverImpl) Resolve(ctx context.Context, identity domain.Identity) (*domain.Profile, error) {
	profile, err := r.fetch(ctx, identity.ID)
	if err == nil {
		return r.confirmed(profile, identity, domain.SourceSupabase)
	}
	if !errors.Is(err, domain.ErrProfileNotFound) {
		return nil, r.classify(identity.ID, err)
	}

	r.logger.Info("profile row missing, creating default", "user_id", identity.ID)
	return r.create(ctx, identity)
}

func (r *ProfileResolverImpl) create(ctx context.Context, identity domain.Identity) (*domain.Profile, error) {
	payload := r.BuildFallback(identity, domain.SourcePreCreate)
	payload.Role = domain.RoleWorker

	err := r.withTimeout(ctx, func(ctx context.Context) error {
		return r.repo.Create(ctx, payload)
	})
	switch {
	case err == nil:
		return r.confirmed(payload, identity, domain.SourceCreated)
	case errors.Is(err, domain.ErrProfileConflict):
		// someone else inserted the row first
		r.logger.Debug("profile insert lost race, re-reading", "user_id", identity.ID)
		profile, readErr := r.fetch(ctx, identity.ID)
		if readErr != nil {
			return nil, r.classify(identity.ID, readErr)
		}
		return r.confirmed(profile, identity, domain.SourceSupabase)
	default:
		return nil, r.classify(identity.ID, fmt.Errorf("create profile: %w", err))
	}
}

func (r *ProfileResolverImpl) fetch(ctx context.Context, id string) (*domain.Profile, error) {
	var profile *domain.Profile
	err := r.withTimeout(ctx, func(ctx context.Context) error {
		p, err := r.repo.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.ErrMalformedRecord
		}
		profile = p
		return nil
	})
	return profile, err
}

// withTimeout races fn against the fetch timeout. fn keeps running in the
// background after a timeout but its result is ignored.
func (r *ProfileResolverImpl) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ProfileResolverImpl) classify(userID string, err error) error {
	kind := domain.ResolveBackend
	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.ResolveTimeout
	}
	r.logger.Warn("profile resolution failed", "user_id", userID, "kind", kind.String(), "err", err)
	return &domain.ResolveError{Kind: kind, UserID: userID, Err: err}
}

func (r *ProfileResolverImpl) confirmed(p *domain.Profile, identity domain.Identity, source domain.ProfileSource) (*domain.Profile, error) {
	out := p.Clone()
	if out.ID == "" {
		out.ID = identity.ID
	}
	if out.ID != identity.ID {
		return nil, &domain.ResolveError{
			Kind:   domain.ResolveBackend,
			UserID: identity.ID,
			Err:    fmt.Errorf("%w: id %q does not match identity", domain.ErrMalformedRecord, out.ID),
		}
	}
	NormalizeProfile(out, identity)
	out.Source = source
	return out, nil
}

// BuildFallback implements domain.ProfileResolver
func (r *ProfileResolverImpl) BuildFallback(identity domain.Identity, source domain.ProfileSource) *domain.Profile {
	return BuildFallbackProfile(identity, source)
}

// BuildFallbackProfile derives a profile entirely from identity metadata.
// It never fails.
func BuildFallbackProfile(identity domain.Identity, source domain.ProfileSource) *domain.Profile {
	if source == "" {
		source = domain.SourceMetadataFallback
	}
	p := &domain.Profile{
		ID:        identity.ID,
		FirstName: identity.MetadataString("first_name"),
		LastName:  identity.MetadataString("last_name"),
		FullName:  identity.MetadataString("full_name"),
		Role:      domain.NormalizeRole(metadataValue(identity, "role")),
		AvatarURL: optionalString(identity.MetadataString("avatar_url")),
		CompanyID: optionalString(identity.MetadataString("company_id")),
		Source:    source,
	}
	NormalizeProfile(p, identity)
	return p
}

// NormalizeProfile coerces the role into the enum and derives a non-empty
// full name: explicit full name, then first+last, then the identity email.
func NormalizeProfile(p *domain.Profile, identity domain.Identity) {
	p.Role = domain.NormalizeRole(string(p.Role))
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName != "" {
		return
	}
	p.FullName = strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if p.FullName == "" {
		p.FullName = strings.TrimSpace(identity.Email)
	}
}

func metadataValue(identity domain.Identity, key string) any {
	if identity.Metadata == nil {
		return nil
	}
	return identity.Metadata[key]
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
