package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/you/crewsync/domain"
)

// MockAuthClient implements domain.AuthClient for testing. Emit delivers an
// event to every registered listener synchronously.
type MockAuthClient struct {
	GetSessionFunc func(ctx context.Context) (*domain.Session, error)
	GetUserFunc    func(ctx context.Context) (*domain.Identity, error)
	SignOutFunc    func(ctx context.Context) error

	GetSessionCalls atomic.Int32

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(domain.AuthEvent)
}

// NewMockAuthClient creates a new MockAuthClient with default behaviors
func NewMockAuthClient() *MockAuthClient {
	return &MockAuthClient{listeners: make(map[int]func(domain.AuthEvent))}
}

// GetSession returns the current session
func (m *MockAuthClient) GetSession(ctx context.Context) (*domain.Session, error) {
	m.GetSessionCalls.Add(1)
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx)
	}
	// Default behavior: no session
	return nil, nil
}

// GetUser returns the current user
func (m *MockAuthClient) GetUser(ctx context.Context) (*domain.Identity, error) {
	if m.GetUserFunc != nil {
		return m.GetUserFunc(ctx)
	}
	return nil, domain.ErrSessionNotFound
}

// OnAuthStateChange registers a listener
func (m *MockAuthClient) OnAuthStateChange(callback func(domain.AuthEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = callback
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// SignOut signs the user out
func (m *MockAuthClient) SignOut(ctx context.Context) error {
	if m.SignOutFunc != nil {
		return m.SignOutFunc(ctx)
	}
	return nil
}

// Emit delivers ev to all listeners
func (m *MockAuthClient) Emit(ev domain.AuthEvent) {
	m.mu.Lock()
	listeners := make([]func(domain.AuthEvent), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// ListenerCount reports how many listeners are registered
func (m *MockAuthClient) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Compile-time interface compliance verification
var _ domain.AuthClient = (*MockAuthClient)(nil)
