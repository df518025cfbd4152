package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

type RedisClient struct{ *redis.Client }

func NewRedis(addr, pass string, db int) *RedisClient {
	return &RedisClient{redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})}
}

func (c *RedisClient) Ping(ctx context.Context) error { return c.Client.Ping(ctx).Err() }

// WaitReady pings until Redis answers, up to attempts tries spaced by delay
func (c *RedisClient) WaitReady(ctx context.Context, attempts uint64, delay time.Duration) error {
	if attempts == 0 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis not ready: %w", err)
	}
	return nil
}
