package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
)

const (
	DefaultPersistMaxAge = 7 * 24 * time.Hour
	DefaultPersistKey    = "querycache:v1"
)

// DefaultPersistPrefixes is the whitelist used when no Include predicate is
// configured
var DefaultPersistPrefixes = []string{"orders", "order", "employees", "departments", "company-settings"}

// Predicate selects keys for persistence
type Predicate func(key Key) bool

// PrefixPredicate allows keys whose prefix is in prefixes
func PrefixPredicate(prefixes ...string) Predicate {
	allowed := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		allowed[p] = struct{}{}
	}
	return func(key Key) bool {
		_, ok := allowed[key.Prefix()]
		return ok
	}
}

type PersisterConfig struct {
	StoreKey string
	MaxAge   time.Duration
	// Include selects the keys to persist, DefaultPersistPrefixes when nil.
	// Sensitive prefixes are excluded regardless of what it returns.
	Include Predicate
	// Buster invalidates everything persisted under a different value
	Buster string
	Logger logger.Logger
	Now    func() time.Time
}

// Persister saves whitelisted cache entries to a durable key-value store
type Persister struct {
	store    domain.KeyValueStore
	storeKey string
	maxAge   time.Duration
	include  Predicate
	buster   string
	logger   logger.Logger
	now      func() time.Time
}

type persistedEntry struct {
	Key       Key             `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type persistedState struct {
	Buster  string           `json:"buster"`
	SavedAt time.Time        `json:"saved_at"`
	Entries []persistedEntry `json:"entries"`
}

func NewPersister(store domain.KeyValueStore, cfg PersisterConfig) *Persister {
	if cfg.StoreKey == "" {
		cfg.StoreKey = DefaultPersistKey
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultPersistMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Include == nil {
		cfg.Include = PrefixPredicate(DefaultPersistPrefixes...)
	}
	return &Persister{
		store:    store,
		storeKey: cfg.StoreKey,
		maxAge:   cfg.MaxAge,
		include:  cfg.Include,
		buster:   cfg.Buster,
		logger:   cfg.Logger.With("component", "querycache_persister"),
		now:      cfg.Now,
	}
}

func (p *Persister) allowed(key Key) bool {
	if IsSensitive(key) {
		return false
	}
	return p.include(key)
}

// Persist writes every allowed entry of c and returns how many were saved
func (p *Persister) Persist(ctx context.Context, c *Client) (int, error) {
	now := p.now()
	state := persistedState{Buster: p.buster, SavedAt: now}
	for _, item := range c.dehydrate() {
		if !p.allowed(item.key) || now.Sub(item.updatedAt) > p.maxAge {
			continue
		}
		raw, err := marshalData(item.data)
		if err != nil {
			p.logger.Warn("skipping unserializable cache entry", "key", item.key.String(), "err", err)
			continue
		}
		state.Entries = append(state.Entries, persistedEntry{Key: item.key, Data: raw, UpdatedAt: item.updatedAt})
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode persisted cache: %w", err)
	}
	if err := p.store.Set(ctx, p.storeKey, string(blob), p.maxAge); err != nil {
		return 0, fmt.Errorf("persist cache: %w", err)
	}
	p.logger.Debug("cache persisted", "entries", len(state.Entries))
	return len(state.Entries), nil
}

// Restore loads persisted entries into c. Entries older than the max age,
// written under another buster, or no longer allowed are skipped.
func (p *Persister) Restore(ctx context.Context, c *Client) (int, error) {
	blob, err := p.store.Get(ctx, p.storeKey)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("restore cache: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		p.logger.Warn("discarding unreadable persisted cache", "err", err)
		return 0, p.Discard(ctx)
	}
	now := p.now()
	if state.Buster != p.buster || now.Sub(state.SavedAt) > p.maxAge {
		p.logger.Info("discarding outdated persisted cache", "buster", state.Buster, "saved_at", state.SavedAt)
		return 0, p.Discard(ctx)
	}

	restored := 0
	for _, pe := range state.Entries {
		if len(pe.Key) == 0 || !p.allowed(pe.Key) || now.Sub(pe.UpdatedAt) > p.maxAge {
			continue
		}
		if c.hydrate(pe.Key, pe.Data, pe.UpdatedAt) {
			restored++
		}
	}
	p.logger.Debug("cache restored", "entries", restored)
	return restored, nil
}

// Discard removes the persisted cache
func (p *Persister) Discard(ctx context.Context) error {
	if err := p.store.Delete(ctx, p.storeKey); err != nil {
		return fmt.Errorf("discard persisted cache: %w", err)
	}
	return nil
}

func marshalData(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
