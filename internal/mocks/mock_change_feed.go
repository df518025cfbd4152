package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/you/crewsync/domain"
)

// MockChangeFeed implements domain.ChangeFeed in memory. Publish delivers
// synchronously to matching subscribers.
type MockChangeFeed struct {
	SubscribeFunc func(ctx context.Context, filter domain.ChangeFilter, handler func(domain.ChangeEvent)) (domain.FeedSubscription, error)

	mu     sync.Mutex
	nextID int
	subs   map[string]*mockFeedSubscription
}

// NewMockChangeFeed creates an empty feed
func NewMockChangeFeed() *MockChangeFeed {
	return &MockChangeFeed{subs: make(map[string]*mockFeedSubscription)}
}

type mockFeedSubscription struct {
	id      string
	filter  domain.ChangeFilter
	handler func(domain.ChangeEvent)
	feed    *MockChangeFeed
}

func (s *mockFeedSubscription) ID() string { return s.id }

func (s *mockFeedSubscription) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s.id)
	return nil
}

// Subscribe registers handler for events matching filter
func (m *MockChangeFeed) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler func(domain.ChangeEvent)) (domain.FeedSubscription, error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, filter, handler)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sub := &mockFeedSubscription{
		id:      fmt.Sprintf("sub-%d", m.nextID),
		filter:  filter,
		handler: handler,
		feed:    m,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers event to matching subscribers
func (m *MockChangeFeed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	m.mu.Lock()
	var targets []func(domain.ChangeEvent)
	for _, s := range m.subs {
		if s.filter.Matches(event) {
			targets = append(targets, s.handler)
		}
	}
	m.mu.Unlock()
	for _, h := range targets {
		h(event)
	}
	return nil
}

// ActiveSubscriptions reports the number of open subscriptions
func (m *MockChangeFeed) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Compile-time interface compliance verification
var _ domain.ChangeFeed = (*MockChangeFeed)(nil)
