package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/you/crewsync/domain"
)

const scanBatch = 100

// KeyValueStoreImpl implements domain.KeyValueStore using Redis
type KeyValueStoreImpl struct {
	client *redis.Client
	prefix string
}

// NewKeyValueStore creates a store that namespaces every key under prefix
func NewKeyValueStore(client *redis.Client, prefix string) domain.KeyValueStore {
	return &KeyValueStoreImpl{client: client, prefix: prefix}
}

// Get implements domain.KeyValueStore
func (s *KeyValueStoreImpl) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrKeyNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set implements domain.KeyValueStore. A zero ttl keeps the key forever.
func (s *KeyValueStoreImpl) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements domain.KeyValueStore
func (s *KeyValueStoreImpl) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.client.Del(ctx, full...).Err()
}

// Keys implements domain.KeyValueStore
func (s *KeyValueStoreImpl) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}
