package querycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/crewsync/internal/mocks"
)

type orderRow struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func TestPersister_RoundTripExcludesSensitiveKeys(t *testing.T) {
	clock := newFakeClock()
	store := mocks.NewMockKeyValueStore()
	persister := NewPersister(store, PersisterConfig{Now: clock.Now})

	before := New(Config{Now: clock.Now})
	before.SetData(Key{"orders", "c1"}, []orderRow{{ID: "1", Status: "open"}})
	before.SetData(Key{"session", "u1"}, map[string]string{"token": "secret"})
	before.SetData(Key{"profile", "u1"}, map[string]string{"role": "admin"})

	saved, err := persister.Persist(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	require.NoError(t, before.Close())

	blob, err := store.Get(context.Background(), DefaultPersistKey)
	require.NoError(t, err)
	assert.NotContains(t, blob, "secret")
	assert.Equal(t, DefaultPersistMaxAge, store.TTL(DefaultPersistKey))

	after := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = after.Close() })
	restored, err := persister.Restore(context.Background(), after)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	data, ok := after.GetData(Key{"orders", "c1"})
	require.True(t, ok)
	rows, err := Decode[[]orderRow](Result{Data: data})
	require.NoError(t, err)
	assert.Equal(t, []orderRow{{ID: "1", Status: "open"}}, rows)

	_, ok = after.GetData(Key{"session", "u1"})
	assert.False(t, ok)
	_, ok = after.GetData(Key{"profile", "u1"})
	assert.False(t, ok)
}

func TestPersister_RestoreIgnoresSensitiveEntriesInStorage(t *testing.T) {
	clock := newFakeClock()
	store := mocks.NewMockKeyValueStore()
	state := persistedState{
		SavedAt: clock.Now(),
		Entries: []persistedEntry{
			{Key: Key{"auth", "u1"}, Data: json.RawMessage(`"leaked"`), UpdatedAt: clock.Now()},
			{Key: Key{"employees", "c1"}, Data: json.RawMessage(`["ana"]`), UpdatedAt: clock.Now()},
		},
	}
	blob, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), DefaultPersistKey, string(blob), time.Hour))

	c := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	n, err := NewPersister(store, PersisterConfig{Now: clock.Now}).Restore(context.Background(), c)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := c.GetData(Key{"auth", "u1"})
	assert.False(t, ok)
}

func TestPersister_IncludePredicate(t *testing.T) {
	clock := newFakeClock()
	store := mocks.NewMockKeyValueStore()
	persister := NewPersister(store, PersisterConfig{
		Now:     clock.Now,
		Include: PrefixPredicate("orders", "session"),
	})

	c := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	c.SetData(Key{"orders"}, 1)
	c.SetData(Key{"employees"}, 2)
	c.SetData(Key{"session"}, 3)

	n, err := persister.Persist(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "predicate cannot re-admit sensitive prefixes")
}

func TestPersister_DefaultsToWhitelist(t *testing.T) {
	clock := newFakeClock()
	store := mocks.NewMockKeyValueStore()
	persister := NewPersister(store, PersisterConfig{Now: clock.Now})

	c := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = c.Close() })
	c.SetData(Key{"orders", "c1"}, 1)
	c.SetData(Key{"company-settings"}, 2)
	c.SetData(Key{"reports", "monthly"}, 3)
	c.SetData(Key{"scratch"}, 4)

	n, err := persister.Persist(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dst := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = dst.Close() })
	_, err = persister.Restore(context.Background(), dst)
	require.NoError(t, err)
	_, ok := dst.GetData(Key{"orders", "c1"})
	assert.True(t, ok)
	_, ok = dst.GetData(Key{"reports", "monthly"})
	assert.False(t, ok)
	_, ok = dst.GetData(Key{"scratch"})
	assert.False(t, ok)
}

func TestPersister_DiscardsOutdatedState(t *testing.T) {
	tests := []struct {
		name    string
		buster  string
		advance time.Duration
	}{
		{name: "buster changed", buster: "v2"},
		{name: "older than max age", buster: "v1", advance: 8 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			store := mocks.NewMockKeyValueStore()
			src := New(Config{Now: clock.Now})
			src.SetData(Key{"orders"}, "x")
			_, err := NewPersister(store, PersisterConfig{Now: clock.Now, Buster: "v1"}).Persist(context.Background(), src)
			require.NoError(t, err)
			require.NoError(t, src.Close())

			clock.Advance(tt.advance)
			dst := New(Config{Now: clock.Now})
			t.Cleanup(func() { _ = dst.Close() })
			n, err := NewPersister(store, PersisterConfig{Now: clock.Now, Buster: tt.buster}).Restore(context.Background(), dst)

			require.NoError(t, err)
			assert.Equal(t, 0, n)
			_, err = store.Get(context.Background(), DefaultPersistKey)
			assert.Error(t, err, "outdated state is deleted")
		})
	}
}

func TestPersister_RestoreKeepsNewerMemory(t *testing.T) {
	clock := newFakeClock()
	store := mocks.NewMockKeyValueStore()
	persister := NewPersister(store, PersisterConfig{Now: clock.Now})

	src := New(Config{Now: clock.Now})
	src.SetData(Key{"orders"}, "persisted")
	_, err := persister.Persist(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	clock.Advance(time.Minute)
	dst := New(Config{Now: clock.Now})
	t.Cleanup(func() { _ = dst.Close() })
	dst.SetData(Key{"orders"}, "fresh")

	n, err := persister.Restore(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	v, _ := dst.GetData(Key{"orders"})
	assert.Equal(t, "fresh", v)
}

func TestPersister_RestoreWithNothingStored(t *testing.T) {
	c := New(Config{})
	t.Cleanup(func() { _ = c.Close() })

	n, err := NewPersister(mocks.NewMockKeyValueStore(), PersisterConfig{}).Restore(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
