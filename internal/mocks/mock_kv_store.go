package mocks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/crewsync/domain"
)

// MockKeyValueStore implements domain.KeyValueStore in memory for testing.
// TTLs are recorded but not enforced.
type MockKeyValueStore struct {
	SetFunc func(ctx context.Context, key, value string, ttl time.Duration) error

	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

// NewMockKeyValueStore creates an empty store
func NewMockKeyValueStore() *MockKeyValueStore {
	return &MockKeyValueStore{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

// Get returns the value for key
func (m *MockKeyValueStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", domain.ErrKeyNotFound
	}
	return v, nil
}

// Set stores value under key
func (m *MockKeyValueStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

// Delete removes keys
func (m *MockKeyValueStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.ttls, k)
	}
	return nil
}

// Keys lists keys with the given prefix in sorted order
func (m *MockKeyValueStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TTL returns the ttl recorded for key
func (m *MockKeyValueStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttls[key]
}

// Compile-time interface compliance verification
var _ domain.KeyValueStore = (*MockKeyValueStore)(nil)
