package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
	"github.com/you/crewsync/internal/metrics"
)

var (
	ErrClientClosed = errors.New("query cache closed")
	ErrNoChangeFeed = errors.New("query cache has no change feed")
)

const (
	defaultJanitorInterval = time.Minute
	maxRetryDelay          = 30 * time.Second
)

// FetchFunc loads the value for a query
type FetchFunc func(ctx context.Context) (any, error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a fetch error as not worth retrying, such as a missing row.
// errors.Is and errors.As still see the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Result is what a read returns. Data is the last known value, even when
// stale or when the latest fetch failed.
type Result struct {
	Data      any
	Error     error
	IsLoading bool
	IsStale   bool
	IsPaused  bool
	UpdatedAt time.Time
}

// HasData reports whether the result carries a value
func (r Result) HasData() bool {
	return r.Data != nil
}

// Decode converts the result data to T. Values restored from durable storage
// are held as raw JSON until first decoded.
func Decode[T any](r Result) (T, error) {
	var out T
	switch v := r.Data.(type) {
	case nil:
		return out, fmt.Errorf("decode query result: no data")
	case T:
		return v, nil
	case json.RawMessage:
		err := json.Unmarshal(v, &out)
		return out, err
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("decode query result: %w", err)
		}
		err = json.Unmarshal(raw, &out)
		return out, err
	}
}

type entry struct {
	key         Key
	data        any
	hasData     bool
	err         error
	updatedAt   time.Time
	lastUsed    time.Time
	invalidated bool
	fetching    bool
	pins        int
	fetch       FetchFunc
	options     Options

	// bumped on every invalidation; a fetch that started before the latest
	// one must not clear invalidated
	invalidations uint64
}

func (e *entry) invalidate() {
	e.invalidated = true
	e.invalidations++
}

func (e *entry) stale(now time.Time) bool {
	return e.invalidated || now.Sub(e.updatedAt) >= e.options.StaleTime
}

func (e *entry) result(now time.Time) Result {
	return Result{
		Data:      e.data,
		Error:     e.err,
		IsStale:   e.stale(now),
		IsLoading: e.fetching && !e.hasData,
		UpdatedAt: e.updatedAt,
	}
}

// Config configures a Client
type Config struct {
	Policies        Policies
	Feed            domain.ChangeFeed
	JanitorInterval time.Duration
	Logger          logger.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Client is an in-memory query cache with stale-while-revalidate reads,
// realtime invalidation and optional persistence through a Persister.
type Client struct {
	policies Policies
	feed     domain.ChangeFeed
	interval time.Duration
	logger   logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.Mutex
	entries    map[string]*entry
	generation uint64
	subs       map[uint64]*subscription
	watched    map[string]uint64
	nextSub    uint64
	closed     bool

	group   singleflight.Group
	online  atomic.Bool
	focused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client that starts online and focused
func New(cfg Config) *Client {
	if cfg.Policies.ByPrefix == nil {
		cfg.Policies = DefaultPolicies()
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		policies: cfg.Policies,
		feed:     cfg.Feed,
		interval: cfg.JanitorInterval,
		logger:   cfg.Logger.With("component", "querycache"),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		entries:  make(map[string]*entry),
		subs:     make(map[uint64]*subscription),
		watched:  make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.online.Store(true)
	c.focused.Store(true)
	return c
}

// Query returns cached data immediately when present, starting at most one
// background refetch if it is stale. Without cached data it fetches in the
// foreground; concurrent cold reads of one key share a single fetch.
func (c *Client) Query(ctx context.Context, key Key, fetch FetchFunc, opts ...QueryOption) Result {
	options := c.policies.For(key, opts...)
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{Error: ErrClientClosed}
	}
	if e, ok := c.entries[key.id()]; ok && e.hasData {
		e.lastUsed = now
		e.options = options
		e.fetch = fetch
		res := e.result(now)
		if res.IsStale && !e.fetching && c.canBackground(options) {
			e.fetching = true
			c.startBackground(e, c.generation, e.invalidations)
		}
		c.mu.Unlock()
		c.count(hit, key)
		return res
	}
	c.mu.Unlock()
	c.count(miss, key)

	if !c.canFetch(options) {
		return Result{IsLoading: true, IsPaused: true}
	}

	v, err, _ := c.group.Do(key.id(), func() (any, error) {
		return c.foreground(ctx, key, fetch, options)
	})
	if err != nil {
		return Result{Error: err}
	}
	return Result{Data: v, UpdatedAt: c.now()}
}

func (c *Client) foreground(ctx context.Context, key Key, fetch FetchFunc, options Options) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.fetch = fetch
	e.options = options
	e.fetching = true
	e.lastUsed = c.now()
	gen, seen := c.generation, e.invalidations
	c.mu.Unlock()

	v, err := c.runFetch(ctx, fetch, options)
	c.store(e, gen, seen, v, err)
	return v, err
}

// startBackground must be called with c.mu held and e.fetching already set.
// seen is the entry's invalidation count when the fetch starts.
func (c *Client) startBackground(e *entry, gen, seen uint64) {
	fetch, options, key := e.fetch, e.options, e.key
	c.count(refetch, key)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err := c.runFetch(c.ctx, fetch, options)
		c.store(e, gen, seen, v, err)
		if err != nil {
			c.logger.Warn("background refetch failed, keeping previous data", "key", key.String(), "err", err)
		}
	}()
}

func (c *Client) runFetch(ctx context.Context, fetch FetchFunc, options Options) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("query fetch panicked: %v", r)
		}
	}()
	if options.Retry <= 0 {
		return fetch(ctx)
	}
	backoff := retry.WithMaxRetries(uint64(options.Retry),
		retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(options.RetryDelay)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			var perm *permanentError
			if errors.Is(err, context.Canceled) || errors.As(err, &perm) {
				return err
			}
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}

// store applies a fetch result unless the entry was removed or the cache was
// cleared while the fetch was in flight. An invalidation that arrived during
// the fetch keeps the entry stale so the next read refetches.
func (c *Client) store(e *entry, gen, seen uint64, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.fetching = false
	if gen != c.generation || c.entries[e.key.id()] != e {
		c.logger.Debug("dropping fetch result for cleared entry", "key", e.key.String())
		return
	}
	if err != nil {
		e.err = err
		c.count(fetchError, e.key)
		return
	}
	e.data = v
	e.hasData = true
	e.err = nil
	e.invalidated = e.invalidations != seen
	e.updatedAt = c.now()
}

func (c *Client) entryLocked(key Key) *entry {
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: key.clone(), options: c.policies.For(key), lastUsed: c.now()}
		c.entries[id] = e
		c.gauge()
	}
	return e
}

func (c *Client) canFetch(options Options) bool {
	return options.NetworkMode == NetworkAlways || c.online.Load()
}

func (c *Client) canBackground(options Options) bool {
	return c.focused.Load() && c.canFetch(options)
}

// SetData writes a value as freshly fetched
func (c *Client) SetData(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	now := c.now()
	e.data = value
	e.hasData = true
	e.err = nil
	e.invalidated = false
	e.updatedAt = now
	e.lastUsed = now
}

// GetData returns the cached value without fetching
func (c *Client) GetData(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok || !e.hasData {
		return nil, false
	}
	return e.data, true
}

// Invalidate marks key stale so the next read refetches
func (c *Client) Invalidate(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return false
	}
	e.invalidate()
	return true
}

// InvalidatePrefix marks every key starting with prefix stale
func (c *Client) InvalidatePrefix(prefix ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix...) {
			e.invalidate()
			n++
		}
	}
	return n
}

// Remove drops key from memory
func (c *Client) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.id()]; ok {
		c.dropLocked(key.id(), e)
	}
	c.gauge()
}

// RemovePrefix drops every key starting with prefix
func (c *Client) RemovePrefix(prefix ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.key.HasPrefix(prefix...) {
			c.dropLocked(id, e)
			n++
		}
	}
	c.gauge()
	return n
}

// Clear drops every entry. Fetches already in flight will not repopulate it.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for id, e := range c.entries {
		c.dropLocked(id, e)
	}
	c.gauge()
}

// dropLocked forgets an entry's data. Entries pinned by a subscription keep
// an empty placeholder so the pin count survives.
func (c *Client) dropLocked(id string, e *entry) {
	if e.pins == 0 {
		delete(c.entries, id)
		return
	}
	c.entries[id] = &entry{key: e.key, options: e.options, pins: e.pins, fetch: e.fetch, lastUsed: e.lastUsed}
}

// HandleEpoch reacts to a session identity change: identity-sensitive entries
// are dropped and everything else is marked stale.
func (c *Client) HandleEpoch(epoch uint64) {
	c.mu.Lock()
	c.generation++
	removed := 0
	for id, e := range c.entries {
		if IsSensitive(e.key) {
			c.dropLocked(id, e)
			removed++
			continue
		}
		e.invalidate()
	}
	c.gauge()
	c.mu.Unlock()
	c.logger.Debug("session epoch changed, cache reset", "epoch", epoch, "removed", removed)
}

// Sweep garbage-collects entries unused for longer than their gcTime.
// Idle watches are released first; entries pinned by any other realtime
// subscription or currently fetching are kept.
func (c *Client) Sweep() int {
	now := c.now()
	c.mu.Lock()
	idle := c.idleWatchesLocked(now)
	c.mu.Unlock()
	for _, s := range idle {
		if err := s.release(); err != nil {
			c.logger.Warn("closing idle realtime subscription failed", "key", s.key.String(), "err", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.pins > 0 || e.fetching {
			continue
		}
		if now.Sub(e.lastUsed) >= e.options.GCTime {
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		c.gauge()
	}
	return n
}

// RevalidateStale starts a background refetch for every stale entry that has
// been queried before. It does nothing while unfocused or offline.
func (c *Client) RevalidateStale() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n := 0
	for _, e := range c.entries {
		if e.fetch == nil || e.fetching || !e.hasData || !e.stale(now) || !c.canBackground(e.options) {
			continue
		}
		e.fetching = true
		c.startBackground(e, c.generation, e.invalidations)
		n++
	}
	return n
}

// Start runs the gc janitor until ctx is done or the client is closed
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("swept expired entries", "count", n)
				}
			}
		}
	}()
}

// Close releases every realtime subscription and waits for background work
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.cancel()
	c.wg.Wait()
	return errors.Join(errs...)
}

// Stats describes the cache for the status surface
type Stats struct {
	Entries       int  `json:"entries"`
	Fetching      int  `json:"fetching"`
	Subscriptions int  `json:"subscriptions"`
	Online        bool `json:"online"`
	Focused       bool `json:"focused"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:       len(c.entries),
		Subscriptions: len(c.subs),
		Online:        c.online.Load(),
		Focused:       c.focused.Load(),
	}
	for _, e := range c.entries {
		if e.fetching {
			s.Fetching++
		}
	}
	return s
}

type persistable struct {
	key       Key
	data      any
	updatedAt time.Time
}

func (c *Client) dehydrate() []persistable {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]persistable, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.hasData {
			continue
		}
		out = append(out, persistable{key: e.key.clone(), data: e.data, updatedAt: e.updatedAt})
	}
	return out
}

// hydrate installs restored data unless memory already holds something newer
func (c *Client) hydrate(key Key, raw json.RawMessage, updatedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.id()]; ok && e.hasData && !e.updatedAt.Before(updatedAt) {
		return false
	}
	e := c.entryLocked(key)
	e.data = raw
	e.hasData = true
	e.updatedAt = updatedAt
	e.lastUsed = c.now()
	return true
}

type counter int

const (
	hit counter = iota
	miss
	refetch
	fetchError
)

func (c *Client) count(k counter, key Key) {
	if c.metrics == nil {
		return
	}
	var vec *prometheus.CounterVec
	switch k {
	case hit:
		vec = c.metrics.CacheHits
	case miss:
		vec = c.metrics.CacheMisses
	case refetch:
		vec = c.metrics.CacheRefetches
	default:
		vec = c.metrics.CacheFetchErrors
	}
	vec.WithLabelValues(key.Prefix()).Inc()
}

// gauge must be called with c.mu held
func (c *Client) gauge() {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
}
