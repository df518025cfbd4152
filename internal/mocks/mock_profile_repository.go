package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/you/crewsync/domain"
)

// MockProfileRepository implements domain.ProfileRepository for testing.
// Without Func overrides it behaves like an in-memory profiles table.
type MockProfileRepository struct {
	FindByIDFunc func(ctx context.Context, id string) (*domain.Profile, error)
	CreateFunc   func(ctx context.Context, profile *domain.Profile) error
	UpdateFunc   func(ctx context.Context, profile *domain.Profile) error

	FindCalls   atomic.Int32
	CreateCalls atomic.Int32

	mu   sync.Mutex
	rows map[string]*domain.Profile
}

// NewMockProfileRepository creates a new MockProfileRepository with default behaviors
func NewMockProfileRepository() *MockProfileRepository {
	return &MockProfileRepository{rows: make(map[string]*domain.Profile)}
}

// Seed stores a row directly
func (m *MockProfileRepository) Seed(p *domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p.Clone()
}

// FindByID finds a profile by id
func (m *MockProfileRepository) FindByID(ctx context.Context, id string) (*domain.Profile, error) {
	m.FindCalls.Add(1)
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return p.Clone(), nil
}

// Create inserts a profile
func (m *MockProfileRepository) Create(ctx context.Context, profile *domain.Profile) error {
	m.CreateCalls.Add(1)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, profile)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[profile.ID]; ok {
		return domain.ErrProfileConflict
	}
	m.rows[profile.ID] = profile.Clone()
	return nil
}

// Update replaces a profile
func (m *MockProfileRepository) Update(ctx context.Context, profile *domain.Profile) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, profile)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[profile.ID]; !ok {
		return domain.ErrProfileNotFound
	}
	m.rows[profile.ID] = profile.Clone()
	return nil
}

// Compile-time interface compliance verification
var _ domain.ProfileRepository = (*MockProfileRepository)(nil)
