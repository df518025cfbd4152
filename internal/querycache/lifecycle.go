package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/romdo/go-debounce"

	"github.com/you/crewsync/internal/logger"
)

const (
	defaultRevalidateWait    = 250 * time.Millisecond
	defaultRevalidateMaxWait = 2 * time.Second
	persistTimeout           = 5 * time.Second
)

type LifecycleConfig struct {
	RevalidateWait    time.Duration
	RevalidateMaxWait time.Duration
	Logger            logger.Logger
}

// Lifecycle tracks process focus and connectivity for a Client. Regaining
// either revalidates stale entries; losing focus persists the cache.
type Lifecycle struct {
	client    *Client
	persister *Persister
	logger    logger.Logger

	revalidate func()
	cancel     func()

	mu sync.Mutex
}

// NewLifecycle wires c to focus and network changes. persister may be nil.
func NewLifecycle(c *Client, persister *Persister, cfg LifecycleConfig) *Lifecycle {
	if cfg.RevalidateWait <= 0 {
		cfg.RevalidateWait = defaultRevalidateWait
	}
	if cfg.RevalidateMaxWait <= 0 {
		cfg.RevalidateMaxWait = defaultRevalidateMaxWait
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	l := &Lifecycle{
		client:    c,
		persister: persister,
		logger:    cfg.Logger.With("component", "querycache_lifecycle"),
	}
	l.revalidate, l.cancel = debounce.NewWithMaxWait(cfg.RevalidateWait, cfg.RevalidateMaxWait, func() {
		if n := c.RevalidateStale(); n > 0 {
			l.logger.Debug("revalidating stale queries", "count", n)
		}
	})
	return l
}

// SetFocused records foreground/background transitions
func (l *Lifecycle) SetFocused(ctx context.Context, focused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.client.focused.Swap(focused)
	switch {
	case focused && !prev:
		l.logger.Debug("process focused")
		l.revalidate()
	case !focused && prev:
		l.logger.Debug("process backgrounded")
		return l.persist(ctx)
	}
	return nil
}

// SetOnline records connectivity changes
func (l *Lifecycle) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.client.online.Swap(online)
	if online && !prev {
		l.logger.Debug("network regained")
		l.revalidate()
	} else if !online && prev {
		l.logger.Debug("network lost, pausing fetches")
	}
}

// Focused reports the last recorded focus state
func (l *Lifecycle) Focused() bool {
	return l.client.focused.Load()
}

// Online reports the last recorded connectivity state
func (l *Lifecycle) Online() bool {
	return l.client.online.Load()
}

// Close stops pending revalidations and persists one last time
func (l *Lifecycle) Close(ctx context.Context) error {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persist(ctx)
}

func (l *Lifecycle) persist(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	n, err := l.persister.Persist(ctx, l.client)
	if err != nil {
		l.logger.Warn("persisting cache failed", "err", err)
		return err
	}
	l.logger.Debug("cache persisted on background", "entries", n)
	return nil
}
