package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/you/crewsync/domain"
)

type subscription struct {
	id     uint64
	key    Key
	filter domain.ChangeFilter
	feed   domain.FeedSubscription
	client *Client

	// idle subscriptions are released by Sweep once the entry goes unused
	idle bool
	once sync.Once
	err  error
}

// release closes the feed subscription and unpins the entry. Safe to call
// more than once.
func (s *subscription) release() error {
	s.once.Do(func() {
		s.err = s.feed.Close()
		c := s.client
		c.mu.Lock()
		delete(c.subs, s.id)
		if s.idle && c.watched[s.key.id()] == s.id {
			delete(c.watched, s.key.id())
		}
		if e, ok := c.entries[s.key.id()]; ok && e.pins > 0 {
			e.pins--
		}
		c.mu.Unlock()
		c.logger.Debug("realtime subscription released", "key", s.key.String(), "filter", s.filter.String())
	})
	return s.err
}

// Subscribe invalidates key whenever the change feed reports an event that
// matches filter. The entry is pinned against gc until release is called.
func (c *Client) Subscribe(ctx context.Context, key Key, filter domain.ChangeFilter) (release func(), err error) {
	if c.feed == nil {
		return nil, ErrNoChangeFeed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	sub := c.newSubscriptionLocked(key, filter, false)
	c.mu.Unlock()

	if err := c.open(ctx, sub); err != nil {
		return nil, err
	}
	return func() {
		if err := sub.release(); err != nil {
			c.logger.Warn("closing realtime subscription failed", "key", sub.key.String(), "err", err)
		}
	}, nil
}

// Watch is Subscribe for queries that have no owner to release them. At most
// one watch is kept per key; it reports false when key is already watched.
// Sweep releases the watch once the entry has gone unused for its gcTime.
func (c *Client) Watch(ctx context.Context, key Key, filter domain.ChangeFilter) (bool, error) {
	if c.feed == nil {
		return false, ErrNoChangeFeed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClientClosed
	}
	if _, ok := c.watched[key.id()]; ok {
		c.mu.Unlock()
		return false, nil
	}
	sub := c.newSubscriptionLocked(key, filter, true)
	c.watched[key.id()] = sub.id
	c.mu.Unlock()

	if err := c.open(ctx, sub); err != nil {
		c.mu.Lock()
		delete(c.watched, key.id())
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (c *Client) newSubscriptionLocked(key Key, filter domain.ChangeFilter, idle bool) *subscription {
	e := c.entryLocked(key)
	e.pins++
	c.nextSub++
	return &subscription{id: c.nextSub, key: key.clone(), filter: filter, client: c, idle: idle}
}

// open attaches sub to the change feed and registers it
func (c *Client) open(ctx context.Context, sub *subscription) error {
	key, filter := sub.key, sub.filter

	handle, err := c.feed.Subscribe(ctx, filter, func(ev domain.ChangeEvent) {
		if c.Invalidate(sub.key) {
			c.logger.Debug("realtime change invalidated query",
				"key", sub.key.String(), "table", ev.Table, "type", string(ev.Type))
		}
	})
	if err != nil {
		c.unpin(key)
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	sub.feed = handle

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	c.logger.Debug("realtime subscription active", "key", key.String(), "filter", filter.String())
	return nil
}

// idleWatchesLocked returns the watches whose entries have gone unused for their
// gcTime. c.mu must be held.
func (c *Client) idleWatchesLocked(now time.Time) []*subscription {
	var out []*subscription
	for _, s := range c.subs {
		if !s.idle {
			continue
		}
		e, ok := c.entries[s.key.id()]
		if !ok || (!e.fetching && now.Sub(e.lastUsed) >= e.options.GCTime) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) unpin(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.id()]; ok && e.pins > 0 {
		e.pins--
	}
}
