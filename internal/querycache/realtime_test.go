package querycache

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

func newFeed() *mocks.MockChangeFeed {
	return mocks.NewMockChangeFeed()
}

func orderFilter() domain.ChangeFilter {
	return domain.ChangeFilter{Table: "orders", Column: "company_id", Value: "c1"}
}

func TestSubscribe_ChangeEventInvalidates(t *testing.T) {
	feed := newFeed()
	c := New(Config{Feed: feed, Now: newFakeClock().Now})
	t.Cleanup(func() { _ = c.Close() })
	key := Key{"orders", "c1"}
	c.SetData(key, "list")

	release, err := c.Subscribe(context.Background(), key, orderFilter())
	require.NoError(t, err)
	defer release()

	require.NoError(t, feed.Publish(context.Background(),
		domain.NewChangeEvent("orders", domain.ChangeInsert, map[string]any{"company_id": "c2"})))
	c.mu.Lock()
	invalidated := c.entries[key.id()].invalidated
	c.mu.Unlock()
	assert.False(t, invalidated, "events outside the filter are ignored")

	require.NoError(t, feed.Publish(context.Background(),
		domain.NewChangeEvent("orders", domain.ChangeUpdate, map[string]any{"company_id": "c1", "status": "done"})))
	c.mu.Lock()
	invalidated = c.entries[key.id()].invalidated
	c.mu.Unlock()
	assert.True(t, invalidated)
}

func TestSubscribe_ReleaseIsIdempotent(t *testing.T) {
	feed := newFeed()
	c := New(Config{Feed: feed})
	t.Cleanup(func() { _ = c.Close() })

	release, err := c.Subscribe(context.Background(), Key{"orders", "c1"}, orderFilter())
	require.NoError(t, err)
	assert.Equal(t, 1, feed.ActiveSubscriptions())
	assert.Equal(t, 1, c.Stats().Subscriptions)

	release()
	release()

	assert.Equal(t, 0, feed.ActiveSubscriptions())
	assert.Equal(t, 0, c.Stats().Subscriptions)
	c.mu.Lock()
	assert.Equal(t, 0, c.entries[Key{"orders", "c1"}.id()].pins)
	c.mu.Unlock()
}

func TestSubscribe_CloseReleasesEverything(t *testing.T) {
	feed := newFeed()
	c := New(Config{Feed: feed})

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Subscribe(context.Background(), Key{"order", id}, domain.ChangeFilter{Table: "orders", Column: "id", Value: id})
		require.NoError(t, err)
	}
	require.Equal(t, 3, feed.ActiveSubscriptions())

	require.NoError(t, c.Close())
	assert.Equal(t, 0, feed.ActiveSubscriptions())

	_, err := c.Subscribe(context.Background(), Key{"order", "d"}, orderFilter())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSubscribe_Errors(t *testing.T) {
	t.Run("no feed", func(t *testing.T) {
		c := New(Config{})
		t.Cleanup(func() { _ = c.Close() })
		_, err := c.Subscribe(context.Background(), Key{"orders"}, orderFilter())
		assert.ErrorIs(t, err, ErrNoChangeFeed)
	})

	t.Run("feed rejects subscription", func(t *testing.T) {
		feed := newFeed()
		feed.SubscribeFunc = func(ctx context.Context, filter domain.ChangeFilter, handler func(domain.ChangeEvent)) (domain.FeedSubscription, error) {
			return nil, domain.ErrFeedClosed
		}
		c := New(Config{Feed: feed})
		t.Cleanup(func() { _ = c.Close() })

		_, err := c.Subscribe(context.Background(), Key{"orders", "c1"}, orderFilter())
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrFeedClosed))
		c.mu.Lock()
		assert.Equal(t, 0, c.entries[Key{"orders", "c1"}.id()].pins)
		c.mu.Unlock()
	})
}

func TestSubscribe_PinSurvivesClear(t *testing.T) {
	feed := newFeed()
	c := New(Config{Feed: feed})
	t.Cleanup(func() { _ = c.Close() })
	key := Key{"orders", "c1"}
	c.SetData(key, "list")

	release, err := c.Subscribe(context.Background(), key, orderFilter())
	require.NoError(t, err)
	c.Clear()

	_, ok := c.GetData(key)
	assert.False(t, ok)
	c.mu.Lock()
	assert.Equal(t, 1, c.entries[key.id()].pins)
	c.mu.Unlock()

	release()
	c.mu.Lock()
	assert.Equal(t, 0, c.entries[key.id()].pins)
	c.mu.Unlock()
}

func TestWatch_ReleasedWhenEntryGoesIdle(t *testing.T) {
	feed := newFeed()
	clock := newFakeClock()
	c := New(Config{Feed: feed, Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	key := Key{"employees", "user-2"}
	filter := domain.ChangeFilter{Table: "profiles", Column: "id", Value: "user-2"}
	var calls atomic.Int32

	c.Query(context.Background(), key, countingFetch(&calls), WithStaleTime(24*time.Hour))
	watched, err := c.Watch(context.Background(), key, filter)
	require.NoError(t, err)
	assert.True(t, watched)

	watched, err = c.Watch(context.Background(), key, filter)
	require.NoError(t, err)
	assert.False(t, watched, "one watch per key")
	assert.Equal(t, 1, c.Stats().Subscriptions)
	assert.Equal(t, 1, feed.ActiveSubscriptions())

	gc := c.policies.For(key).GCTime
	clock.Advance(gc / 2)
	c.Query(context.Background(), key, countingFetch(&calls), WithStaleTime(24*time.Hour))
	clock.Advance(gc / 2)
	assert.Equal(t, 0, c.Sweep(), "recent reads keep the watch")
	assert.Equal(t, 1, c.Stats().Subscriptions)

	clock.Advance(gc)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Stats().Subscriptions)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, feed.ActiveSubscriptions())

	watched, err = c.Watch(context.Background(), key, filter)
	require.NoError(t, err)
	assert.True(t, watched, "a released key can be watched again")
}

func TestWatch_OwnedSubscriptionsSurviveSweep(t *testing.T) {
	feed := newFeed()
	clock := newFakeClock()
	c := New(Config{Feed: feed, Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	key := Key{"orders", "c1"}
	c.SetData(key, "list")

	release, err := c.Subscribe(context.Background(), key, orderFilter())
	require.NoError(t, err)
	defer release()

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 1, c.Stats().Subscriptions)
	assert.Equal(t, 1, feed.ActiveSubscriptions())
}

func TestWatch_Errors(t *testing.T) {
	c := New(Config{})
	_, err := c.Watch(context.Background(), Key{"orders"}, orderFilter())
	assert.ErrorIs(t, err, ErrNoChangeFeed)

	feed := newFeed()
	feed.SubscribeFunc = func(ctx context.Context, filter domain.ChangeFilter, handler func(domain.ChangeEvent)) (domain.FeedSubscription, error) {
		return nil, errors.New("feed down")
	}
	c = New(Config{Feed: feed})
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.Watch(context.Background(), Key{"orders"}, orderFilter())
	require.Error(t, err)

	feed.SubscribeFunc = nil
	watched, err := c.Watch(context.Background(), Key{"orders"}, orderFilter())
	require.NoError(t, err)
	assert.True(t, watched, "a failed watch does not block a retry")
}
