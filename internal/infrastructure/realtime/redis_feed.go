package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
)

const channelPrefix = "realtime:"

// RedisChangeFeed implements domain.ChangeFeed on Redis Pub/Sub. Each table
// has its own channel; row filters are applied on the subscriber side.
type RedisChangeFeed struct {
	client *redis.Client
	logger logger.Logger

	mu     sync.Mutex
	subs   map[string]*feedSubscription
	closed bool
}

// NewRedisChangeFeed constructs a feed backed by a Redis client
func NewRedisChangeFeed(client *redis.Client, log logger.Logger) (*RedisChangeFeed, error) {
	if client == nil {
		return nil, errors.New("realtime: redis client is nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisChangeFeed{
		client: client,
		logger: log.With("component", "change_feed"),
		subs:   make(map[string]*feedSubscription),
	}, nil
}

func channel(table string) string {
	return channelPrefix + table
}

// Publish implements domain.ChangeFeed
func (f *RedisChangeFeed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := f.client.Publish(ctx, channel(event.Table), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe implements domain.ChangeFeed. The subscription ends when ctx is
// done or Close is called.
func (f *RedisChangeFeed) Subscribe(ctx context.Context, filter domain.ChangeFilter, handler func(domain.ChangeEvent)) (domain.FeedSubscription, error) {
	if filter.Table == "" {
		return nil, errors.New("realtime: filter needs a table")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, domain.ErrFeedClosed
	}
	f.mu.Unlock()

	pubsub := f.client.Subscribe(ctx, channel(filter.Table))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{
		id:     uuid.NewString(),
		filter: filter,
		pubsub: pubsub,
		cancel: cancel,
		done:   make(chan struct{}),
		feed:   f,
	}

	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	go sub.run(subCtx, handler, pubsub.Channel())
	f.logger.Debug("change feed subscribed", "subscription", sub.id, "filter", filter.String())
	return sub, nil
}

// Close ends every open subscription
func (f *RedisChangeFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	subs := make([]*feedSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveSubscriptions reports how many subscriptions are open
func (f *RedisChangeFeed) ActiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type feedSubscription struct {
	id     string
	filter domain.ChangeFilter
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	feed   *RedisChangeFeed
	once   sync.Once
	err    error
}

func (s *feedSubscription) ID() string { return s.id }

func (s *feedSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
		<-s.done
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		s.feed.mu.Unlock()
	})
	return s.err
}

func (s *feedSubscription) run(ctx context.Context, handler func(domain.ChangeEvent), messages <-chan *redis.Message) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.feed.logger.Warn("dropping malformed change event", "subscription", s.id, "err", err)
				continue
			}
			if !s.filter.Matches(ev) {
				continue
			}
			s.deliver(handler, ev)
		}
	}
}

func (s *feedSubscription) deliver(handler func(domain.ChangeEvent), ev domain.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.feed.logger.Error("change handler panicked", "subscription", s.id, "panic", fmt.Sprint(r))
		}
	}()
	handler(ev)
}
