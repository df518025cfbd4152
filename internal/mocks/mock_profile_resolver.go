package mocks

import (
	"context"
	"sync/atomic"

	"github.com/you/crewsync/domain"
)

// MockProfileResolver implements domain.ProfileResolver for testing
type MockProfileResolver struct {
	ResolveFunc       func(ctx context.Context, identity domain.Identity) (*domain.Profile, error)
	BuildFallbackFunc func(identity domain.Identity, source domain.ProfileSource) *domain.Profile

	ResolveCalls atomic.Int32
}

// NewMockProfileResolver creates a new MockProfileResolver with default behaviors
func NewMockProfileResolver() *MockProfileResolver {
	return &MockProfileResolver{}
}

// Resolve resolves a profile
func (m *MockProfileResolver) Resolve(ctx context.Context, identity domain.Identity) (*domain.Profile, error) {
	m.ResolveCalls.Add(1)
	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, identity)
	}
	// Default behavior: confirmed worker profile
	return &domain.Profile{
		ID:       identity.ID,
		FullName: identity.Email,
		Role:     domain.RoleWorker,
		Source:   domain.SourceSupabase,
	}, nil
}

// BuildFallback synthesizes a profile from identity metadata
func (m *MockProfileResolver) BuildFallback(identity domain.Identity, source domain.ProfileSource) *domain.Profile {
	if m.BuildFallbackFunc != nil {
		return m.BuildFallbackFunc(identity, source)
	}
	return &domain.Profile{
		ID:       identity.ID,
		FullName: identity.Email,
		Role:     domain.RoleWorker,
		Source:   source,
	}
}

// Compile-time interface compliance verification
var _ domain.ProfileResolver = (*MockProfileResolver)(nil)
