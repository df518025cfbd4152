package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/mocks"
)

func testIdentity() domain.Identity {
	return domain.Identity{
		ID:    "user-1",
		Email: "ana@example.com",
		Metadata: map[string]any{
			"first_name": "Ana",
			"last_name":  "Silva",
			"role":       "Dispatcher",
			"company_id": "company-9",
		},
	}
}

func newTestResolver(repo domain.ProfileRepository, timeout time.Duration) domain.ProfileResolver {
	return NewProfileResolver(repo, ResolverConfig{FetchTimeout: timeout}, nil)
}

func TestProfileResolver_ExistingRow(t *testing.T) {
	repo := mocks.NewMockProfileRepository()
	repo.Seed(&domain.Profile{ID: "user-1", FirstName: "Ana", Role: "ADMIN"})

	profile, err := newTestResolver(repo, time.Second).Resolve(context.Background(), testIdentity())

	require.NoError(t, err)
	assert.Equal(t, domain.SourceSupabase, profile.Source)
	assert.Equal(t, domain.RoleAdmin, profile.Role)
	assert.Equal(t, "Ana", profile.FullName)
	assert.Equal(t, int32(0), repo.CreateCalls.Load())
}

func TestProfileResolver_MissingRowIsCreated(t *testing.T) {
	repo := mocks.NewMockProfileRepository()
	resolver := newTestResolver(repo, time.Second)

	profile, err := resolver.Resolve(context.Background(), testIdentity())

	require.NoError(t, err)
	assert.Equal(t, domain.SourceCreated, profile.Source)
	assert.Equal(t, domain.RoleWorker, profile.Role)
	assert.Equal(t, "Ana Silva", profile.FullName)
	require.NotNil(t, profile.CompanyID)
	assert.Equal(t, "company-9", *profile.CompanyID)
	assert.Equal(t, int32(1), repo.CreateCalls.Load())

	stored, err := repo.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleWorker, stored.Role)
}

func TestProfileResolver_CreateConflictRereads(t *testing.T) {
	repo := mocks.NewMockProfileRepository()
	var finds atomic.Int32
	repo.FindByIDFunc = func(ctx context.Context, id string) (*domain.Profile, error) {
		if finds.Add(1) == 1 {
			return nil, domain.ErrProfileNotFound
		}
		return &domain.Profile{ID: id, FullName: "Ana Racer", Role: domain.RoleDispatcher}, nil
	}
	repo.CreateFunc = func(ctx context.Context, profile *domain.Profile) error {
		return domain.ErrProfileConflict
	}

	profile, err := newTestResolver(repo, time.Second).Resolve(context.Background(), testIdentity())

	require.NoError(t, err)
	assert.Equal(t, domain.SourceSupabase, profile.Source)
	assert.Equal(t, "Ana Racer", profile.FullName)
	assert.Equal(t, int32(2), finds.Load())
}

func TestProfileResolver_Failures(t *testing.T) {
	tests := []struct {
		name     string
		find     func(ctx context.Context, id string) (*domain.Profile, error)
		create   func(ctx context.Context, p *domain.Profile) error
		kind     domain.ResolveErrorKind
		sentinel error
	}{
		{
			name: "fetch times out",
			find: func(ctx context.Context, id string) (*domain.Profile, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			kind:     domain.ResolveTimeout,
			sentinel: context.DeadlineExceeded,
		},
		{
			name: "permission denied",
			find: func(ctx context.Context, id string) (*domain.Profile, error) {
				return nil, domain.ErrPermissionDenied
			},
			kind:     domain.ResolveBackend,
			sentinel: domain.ErrPermissionDenied,
		},
		{
			name: "row for another user",
			find: func(ctx context.Context, id string) (*domain.Profile, error) {
				return &domain.Profile{ID: "someone-else"}, nil
			},
			kind:     domain.ResolveBackend,
			sentinel: domain.ErrMalformedRecord,
		},
		{
			name: "create fails",
			find: func(ctx context.Context, id string) (*domain.Profile, error) {
				return nil, domain.ErrProfileNotFound
			},
			create: func(ctx context.Context, p *domain.Profile) error {
				return domain.ErrBackendUnavailable
			},
			kind:     domain.ResolveBackend,
			sentinel: domain.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := mocks.NewMockProfileRepository()
			repo.FindByIDFunc = tt.find
			repo.CreateFunc = tt.create

			profile, err := newTestResolver(repo, 20*time.Millisecond).Resolve(context.Background(), testIdentity())

			require.Error(t, err)
			assert.Nil(t, profile)
			var re *domain.ResolveError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, "user-1", re.UserID)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestProfileResolver_TimeoutDoesNotWaitForBackend(t *testing.T) {
	repo := mocks.NewMockProfileRepository()
	release := make(chan struct{})
	defer close(release)
	repo.FindByIDFunc = func(ctx context.Context, id string) (*domain.Profile, error) {
		<-release
		return nil, errors.New("late")
	}

	start := time.Now()
	_, err := newTestResolver(repo, 20*time.Millisecond).Resolve(context.Background(), testIdentity())

	assert.True(t, domain.IsResolveTimeout(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestBuildFallbackProfile(t *testing.T) {
	tests := []struct {
		name     string
		identity domain.Identity
		source   domain.ProfileSource
		wantName string
		wantRole domain.Role
		wantSrc  domain.ProfileSource
	}{
		{
			name:     "first and last name",
			identity: testIdentity(),
			source:   domain.SourceOptimistic,
			wantName: "Ana Silva",
			wantRole: domain.RoleDispatcher,
			wantSrc:  domain.SourceOptimistic,
		},
		{
			name: "explicit full name wins",
			identity: domain.Identity{ID: "u", Email: "x@example.com", Metadata: map[string]any{
				"full_name": " Ana S. ", "first_name": "Ana",
			}},
			wantName: "Ana S.",
			wantRole: domain.RoleWorker,
			wantSrc:  domain.SourceMetadataFallback,
		},
		{
			name:     "email when no names",
			identity: domain.Identity{ID: "u", Email: "x@example.com"},
			source:   domain.SourceFallback,
			wantName: "x@example.com",
			wantRole: domain.RoleWorker,
			wantSrc:  domain.SourceFallback,
		},
		{
			name:     "unknown role coerced",
			identity: domain.Identity{ID: "u", Email: "x@example.com", Metadata: map[string]any{"role": "superuser"}},
			wantName: "x@example.com",
			wantRole: domain.RoleWorker,
			wantSrc:  domain.SourceMetadataFallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildFallbackProfile(tt.identity, tt.source)
			assert.Equal(t, tt.identity.ID, p.ID)
			assert.Equal(t, tt.wantName, p.FullName)
			assert.Equal(t, tt.wantRole, p.Role)
			assert.Equal(t, tt.wantSrc, p.Source)
			assert.True(t, p.Source.IsFallback())
		})
	}
}
