package repositories

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/you/crewsync/domain"
)

// setupTestRedis creates an in-memory Redis instance for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestKeyValueStoreImpl_GetSet(t *testing.T) {
	tests := []struct {
		name          string
		setup         func(ctx context.Context, store domain.KeyValueStore)
		key           string
		expectedValue string
		expectedError error
	}{
		{
			name: "stored value",
			setup: func(ctx context.Context, store domain.KeyValueStore) {
				_ = store.Set(ctx, "locale", "pt-BR", 0)
			},
			key:           "locale",
			expectedValue: "pt-BR",
		},
		{
			name:          "missing key",
			setup:         func(ctx context.Context, store domain.KeyValueStore) {},
			key:           "locale",
			expectedError: domain.ErrKeyNotFound,
		},
		{
			name: "overwritten value",
			setup: func(ctx context.Context, store domain.KeyValueStore) {
				_ = store.Set(ctx, "locale", "en", 0)
				_ = store.Set(ctx, "locale", "es", 0)
			},
			key:           "locale",
			expectedValue: "es",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := setupTestRedis(t)
			store := NewKeyValueStore(client, "crewsync:")
			ctx := context.Background()
			tt.setup(ctx, store)

			value, err := store.Get(ctx, tt.key)

			if !errors.Is(err, tt.expectedError) {
				t.Fatalf("expected error %v, got %v", tt.expectedError, err)
			}
			if value != tt.expectedValue {
				t.Errorf("expected value %q, got %q", tt.expectedValue, value)
			}
		})
	}
}

func TestKeyValueStoreImpl_Prefix(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewKeyValueStore(client, "crewsync:")

	if err := store.Set(context.Background(), "locale", "en", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mr.Exists("crewsync:locale") {
		t.Error("expected key to be namespaced")
	}
}

func TestKeyValueStoreImpl_TTL(t *testing.T) {
	client, mr := setupTestRedis(t)
	store := NewKeyValueStore(client, "crewsync:")
	ctx := context.Background()

	if err := store.Set(ctx, "querycache:v1", "{}", time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl := mr.TTL("crewsync:querycache:v1"); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := store.Get(ctx, "querycache:v1"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected expired key to be gone, got %v", err)
	}
}

func TestKeyValueStoreImpl_DeleteAndKeys(t *testing.T) {
	client, _ := setupTestRedis(t)
	store := NewKeyValueStore(client, "crewsync:")
	ctx := context.Background()

	for _, k := range []string{"pref:locale", "pref:theme", "session:current"} {
		if err := store.Set(ctx, k, "v", 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	keys, err := store.Keys(ctx, "pref:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "pref:locale" || keys[1] != "pref:theme" {
		t.Errorf("unexpected keys %v", keys)
	}

	if err := store.Delete(ctx, "pref:locale", "pref:theme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("empty delete should be a no-op: %v", err)
	}
	keys, _ = store.Keys(ctx, "")
	if len(keys) != 1 || keys[0] != "session:current" {
		t.Errorf("unexpected keys after delete %v", keys)
	}
}
