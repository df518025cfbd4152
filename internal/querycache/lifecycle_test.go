package querycache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/crewsync/internal/mocks"
)

func newTestLifecycle(t *testing.T, c *Client, p *Persister) *Lifecycle {
	t.Helper()
	l := NewLifecycle(c, p, LifecycleConfig{
		RevalidateWait:    5 * time.Millisecond,
		RevalidateMaxWait: 20 * time.Millisecond,
	})
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestLifecycle_FocusRevalidatesStaleEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(t, clock)
	l := newTestLifecycle(t, c, nil)
	key := Key{"orders"}
	var calls atomic.Int32

	c.Query(context.Background(), key, countingFetch(&calls))
	require.NoError(t, l.SetFocused(context.Background(), false))
	clock.Advance(time.Hour)

	res := c.Query(context.Background(), key, countingFetch(&calls))
	assert.True(t, res.IsStale)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no background fetch while unfocused")

	require.NoError(t, l.SetFocused(context.Background(), true))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
}

func TestLifecycle_NetworkRegainedRevalidates(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(t, clock)
	l := newTestLifecycle(t, c, nil)
	var calls atomic.Int32

	c.Query(context.Background(), Key{"employees"}, countingFetch(&calls))
	l.SetOnline(false)
	assert.False(t, l.Online())
	clock.Advance(time.Hour)

	c.Query(context.Background(), Key{"employees"}, countingFetch(&calls))
	assert.Equal(t, 0, c.RevalidateStale())

	l.SetOnline(true)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
}

func TestLifecycle_RepeatedFocusIsCoalesced(t *testing.T) {
	clock := newFakeClock()
	c := newTestClient(t, clock)
	l := newTestLifecycle(t, c, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	defer close(release)

	c.Query(context.Background(), Key{"orders"}, countingFetch(&calls))
	clock.Advance(time.Hour)
	blocking := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "late", nil
	}
	require.NoError(t, l.SetFocused(context.Background(), false))
	c.Query(context.Background(), Key{"orders"}, blocking)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.SetFocused(context.Background(), true))
		require.NoError(t, l.SetFocused(context.Background(), false))
	}
	require.NoError(t, l.SetFocused(context.Background(), true))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLifecycle_BackgroundPersists(t *testing.T) {
	store := mocks.NewMockKeyValueStore()
	c := newTestClient(t, newFakeClock())
	p := NewPersister(store, PersisterConfig{})
	l := newTestLifecycle(t, c, p)
	c.SetData(Key{"orders"}, []string{"o1"})
	c.SetData(Key{"auth", "u1"}, "token")

	require.NoError(t, l.SetFocused(context.Background(), false))
	assert.False(t, l.Focused())

	blob, err := store.Get(context.Background(), DefaultPersistKey)
	require.NoError(t, err)
	assert.Contains(t, blob, "o1")
	assert.NotContains(t, blob, "token")
}
