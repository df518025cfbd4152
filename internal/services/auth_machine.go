package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
	"github.com/you/crewsync/internal/metrics"
)

var errUnexpectedResolve = errors.New("unexpected profile resolver failure")

type AuthConfig struct {
	RetryBase       time.Duration
	RetryMax        time.Duration
	StartupAttempts int
	StartupSpacing  time.Duration
	HardFallback    time.Duration
}

func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		RetryBase:       3 * time.Second,
		RetryMax:        12 * time.Second,
		StartupAttempts: 3,
		StartupSpacing:  1200 * time.Millisecond,
		HardFallback:    3 * time.Second,
	}
}

func (c AuthConfig) withDefaults() AuthConfig {
	d := DefaultAuthConfig()
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.StartupAttempts <= 0 {
		c.StartupAttempts = d.StartupAttempts
	}
	if c.StartupSpacing <= 0 {
		c.StartupSpacing = d.StartupSpacing
	}
	if c.HardFallback <= 0 {
		c.HardFallback = d.HardFallback
	}
	return c
}

// AuthMachine consumes auth backend events and owns the published Snapshot.
//
// Every transition that starts background profile work takes a new request id.
// Results and retries carrying an older id are dropped, so an earlier in-flight
// resolution can never overwrite a newer one. The one exception is an older
// confirmed profile for the same signed-in session arriving while only a
// fallback is held: quality never goes down, so it is applied.
type AuthMachine struct {
	client   domain.AuthClient
	resolver domain.ProfileResolver
	bus      *EpochBus
	config   AuthConfig
	logger   logger.Logger
	metrics  *metrics.Metrics

	snapshot atomic.Pointer[domain.Snapshot]

	mu            sync.Mutex
	requestID     uint64
	sessionStart  uint64 // first request id of the current identity session
	lastInitialID string
	attempt       int
	retry         RetryTimer
	fallback      *time.Timer
	started       bool
	bootstrapping bool
	unsubscribe   func()
	watchers      []snapshotWatcher
	nextWatcher   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

type snapshotWatcher struct {
	id uint64
	fn func(domain.Snapshot)
}

// NewAuthMachine creates a machine in the Initializing state
func NewAuthMachine(
	client domain.AuthClient,
	resolver domain.ProfileResolver,
	bus *EpochBus,
	config AuthConfig,
	log logger.Logger,
	m *metrics.Metrics,
) *AuthMachine {
	if log == nil {
		log = logger.NewNop()
	}
	if bus == nil {
		bus = NewEpochBus(log, m)
	}
	ctx, cancel := context.WithCancel(context.Background())
	am := &AuthMachine{
		client:   client,
		resolver: resolver,
		bus:      bus,
		config:   config.withDefaults(),
		logger:   log.With("component", "auth_machine"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	am.snapshot.Store(&domain.Snapshot{State: domain.StateInitializing, IsInitializing: true})
	return am
}

// Start subscribes to the auth client, arms the hard fallback timer and reads
// any existing session in the background.
func (m *AuthMachine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("auth machine already started")
	}
	m.started = true
	m.bootstrapping = true
	m.fallback = time.AfterFunc(m.config.HardFallback, m.forceReady)
	m.mu.Unlock()

	unsubscribe := m.client.OnAuthStateChange(m.HandleEvent)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	go m.bootstrap(ctx)
	return nil
}

// Stop releases the auth subscription and cancels all pending work
func (m *AuthMachine) Stop() {
	m.cancel()
	m.mu.Lock()
	m.requestID++
	m.sessionStart = m.requestID
	m.retry.Cancel()
	if m.fallback != nil {
		m.fallback.Stop()
	}
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Snapshot returns the current published state
func (m *AuthMachine) Snapshot() domain.Snapshot {
	s := *m.snapshot.Load()
	s.Profile = s.Profile.Clone()
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Subscribe registers fn to receive every published snapshot. Deliveries
// happen outside the machine lock; use Snapshot.Version to order them.
func (m *AuthMachine) Subscribe(fn func(domain.Snapshot)) func() {
	m.mu.Lock()
	m.nextWatcher++
	id := m.nextWatcher
	m.watchers = append(m.watchers, snapshotWatcher{id: id, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				return
			}
		}
	}
}

// Epoch exposes the bus the machine bumps
func (m *AuthMachine) Epoch() *EpochBus {
	return m.bus
}

// SignOut signs out through the auth client and applies the transition
// without waiting for the client to echo SIGNED_OUT.
func (m *AuthMachine) SignOut(ctx context.Context) error {
	if err := m.client.SignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	m.HandleEvent(domain.NewAuthEvent(domain.EventSignedOut, nil))
	return nil
}

// HandleEvent applies one auth backend event
func (m *AuthMachine) HandleEvent(ev domain.AuthEvent) {
	m.logger.Debug("auth event", "event", string(ev.Kind), "user_id", ev.UserID())
	if ev.Kind == domain.EventInitialSession && !ev.Session.Valid() && m.isBootstrapping() {
		// the startup read settles the signed-out case after its retries
		m.logger.Debug("empty initial session ignored during startup read")
		return
	}
	if ev.Kind == domain.EventSignedOut || !ev.Session.Valid() {
		m.signedOut()
		return
	}
	m.signedIn(ev)
}

func (m *AuthMachine) signedOut() {
	m.mu.Lock()
	m.requestID++
	m.sessionStart = m.requestID
	m.retry.Cancel()
	m.attempt = 0
	m.lastInitialID = ""
	m.stopFallbackLocked()

	prev := m.snapshot.Load()
	if !prev.IsAuthenticated && !prev.IsInitializing {
		m.mu.Unlock()
		return
	}
	notify := m.publishLocked(domain.Snapshot{State: domain.StateUnauthenticated})
	m.mu.Unlock()

	notify()
	if prev.IsAuthenticated {
		m.bus.Bump()
	}
}

func (m *AuthMachine) signedIn(ev domain.AuthEvent) {
	identity := ev.Session.User

	m.mu.Lock()
	if ev.Kind == domain.EventInitialSession {
		if m.lastInitialID == identity.ID {
			m.mu.Unlock()
			m.logger.Debug("duplicate initial session ignored", "user_id", identity.ID)
			return
		}
		m.lastInitialID = identity.ID
	}

	prev := m.snapshot.Load()
	sameUser := prev.IsAuthenticated && prev.User != nil && prev.User.ID == identity.ID

	next := domain.Snapshot{
		IsAuthenticated: true,
		User:            &identity,
	}
	if sameUser && prev.Profile != nil {
		next.State = prev.State
		next.Profile = prev.Profile
		next.ProfileError = prev.ProfileError
	} else {
		next.State = domain.StateAuthenticatedOptimistic
		next.Profile = m.resolver.BuildFallback(identity, domain.SourceOptimistic)
	}

	m.requestID++
	rid := m.requestID
	if !sameUser {
		m.sessionStart = rid
	}
	m.retry.Cancel()
	m.attempt = 0
	m.stopFallbackLocked()
	notify := m.publishLocked(next)
	m.mu.Unlock()

	notify()
	if !sameUser {
		m.bus.Bump()
	}
	go m.resolve(rid, identity)
}

func (m *AuthMachine) resolve(rid uint64, identity domain.Identity) {
	profile, err := m.safeResolve(identity)
	m.apply(rid, identity, profile, err)
}

func (m *AuthMachine) safeResolve(identity domain.Identity) (profile *domain.Profile, err error) {
	defer func() {
		if r := recover(); r != nil {
			profile = nil
			err = fmt.Errorf("%w: panic: %v", errUnexpectedResolve, r)
		}
	}()
	profile, err = m.resolver.Resolve(m.ctx, identity)
	if err == nil && profile == nil {
		err = fmt.Errorf("%w: resolver returned no profile", errUnexpectedResolve)
	}
	return profile, err
}

func (m *AuthMachine) apply(rid uint64, identity domain.Identity, profile *domain.Profile, err error) {
	m.mu.Lock()
	cur := m.snapshot.Load()
	sameSession := rid >= m.sessionStart && cur.IsAuthenticated && cur.User != nil && cur.User.ID == identity.ID
	if !sameSession || (rid != m.requestID && !upgradesFallback(cur.Profile, profile, err)) {
		m.mu.Unlock()
		m.observe("stale")
		m.logger.Debug("discarding stale profile result", "user_id", identity.ID, "request", rid)
		return
	}
	if rid != m.requestID {
		m.logger.Debug("applying earlier confirmed profile over fallback", "user_id", identity.ID, "request", rid)
	}

	if err == nil {
		if profile.Source.IsFallback() && cur.Profile != nil && !cur.Profile.Source.IsFallback() {
			m.mu.Unlock()
			m.observe("downgrade_ignored")
			m.logger.Debug("ignoring fallback profile, confirmed profile already applied", "user_id", identity.ID)
			return
		}
		m.retry.Cancel()
		m.attempt = 0
		next := *cur
		next.Profile = profile.Clone()
		next.ProfileError = domain.ProfileErrorNone
		if !profile.Source.IsFallback() {
			next.State = domain.StateAuthenticatedConfirmed
		}
		notify := m.publishLocked(next)
		m.mu.Unlock()
		m.observe(string(profile.Source))
		notify()
		return
	}

	tag := profileErrorTag(err, cur.Profile)
	m.attempt++
	delay := retryDelay(m.config.RetryBase, m.config.RetryMax, m.attempt)
	next := *cur
	next.State = domain.StateAuthenticatedDegraded
	next.ProfileError = tag
	m.retry.Start(delay, func() { m.retryResolve(rid, identity) })
	notify := m.publishLocked(next)
	attempt := m.attempt
	m.mu.Unlock()

	m.observe("failed")
	if m.metrics != nil {
		m.metrics.ProfileRetries.Inc()
	}
	m.logger.Warn("profile unavailable, using current profile",
		"user_id", identity.ID, "profile_error", string(tag), "retry_in", delay, "attempt", attempt, "err", err)
	notify()
}

func (m *AuthMachine) retryResolve(rid uint64, identity domain.Identity) {
	if m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	cur := m.snapshot.Load()
	current := rid == m.requestID && cur.User != nil && cur.User.ID == identity.ID
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Debug("retrying profile resolution", "user_id", identity.ID)
	m.resolve(rid, identity)
}

func (m *AuthMachine) isBootstrapping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootstrapping
}

func (m *AuthMachine) bootstrap(ctx context.Context) {
	session, err := m.readSession(ctx)
	m.mu.Lock()
	m.bootstrapping = false
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("could not read existing session, continuing signed out", "err", err)
		m.settleUnauthenticated()
		return
	}
	if !session.Valid() {
		m.settleUnauthenticated()
		return
	}
	m.HandleEvent(domain.NewAuthEvent(domain.EventInitialSession, session))
}

func (m *AuthMachine) readSession(ctx context.Context) (*domain.Session, error) {
	var session *domain.Session
	backoff := retry.WithMaxRetries(uint64(m.config.StartupAttempts-1), retry.NewConstant(m.config.StartupSpacing))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := m.client.GetSession(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionExpired) {
				session = nil
				return nil
			}
			m.logger.Debug("session read failed", "err", err)
			return retry.RetryableError(err)
		}
		session = s
		return nil
	})
	return session, err
}

func (m *AuthMachine) settleUnauthenticated() {
	m.mu.Lock()
	cur := m.snapshot.Load()
	if cur.State != domain.StateInitializing {
		m.mu.Unlock()
		return
	}
	m.stopFallbackLocked()
	notify := m.publishLocked(domain.Snapshot{State: domain.StateUnauthenticated})
	m.mu.Unlock()
	notify()
}

func (m *AuthMachine) forceReady() {
	m.mu.Lock()
	cur := m.snapshot.Load()
	if !cur.IsInitializing {
		m.mu.Unlock()
		return
	}
	next := *cur
	next.IsInitializing = false
	if next.State == domain.StateInitializing {
		next.State = domain.StateUnauthenticated
	}
	notify := m.publishLocked(next)
	m.mu.Unlock()

	m.logger.Warn("hard fallback timer fired, unblocking", "after", m.config.HardFallback)
	notify()
}

func (m *AuthMachine) stopFallbackLocked() {
	if m.fallback != nil {
		m.fallback.Stop()
	}
}

// publishLocked replaces the snapshot and returns the watcher notification to
// run once m.mu is released.
func (m *AuthMachine) publishLocked(next domain.Snapshot) func() {
	prev := m.snapshot.Load()
	next.Version = prev.Version + 1
	snap := next
	m.snapshot.Store(&snap)
	if m.metrics != nil {
		m.metrics.AuthTransitions.WithLabelValues(snap.State.String()).Inc()
	}

	watchers := make([]snapshotWatcher, len(m.watchers))
	copy(watchers, m.watchers)
	return func() {
		for _, w := range watchers {
			m.notifyWatcher(w, snap)
		}
	}
}

func (m *AuthMachine) notifyWatcher(w snapshotWatcher, snap domain.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("snapshot watcher panicked", "watcher", w.id, "panic", fmt.Sprint(r))
		}
	}()
	w.fn(snap)
}

func (m *AuthMachine) observe(outcome string) {
	if m.metrics != nil {
		m.metrics.ProfileResolutions.WithLabelValues(outcome).Inc()
	}
}

// upgradesFallback reports whether a successful result is a confirmed profile
// replacing a fallback one
func upgradesFallback(current, incoming *domain.Profile, err error) bool {
	if err != nil || incoming == nil || incoming.Source.IsFallback() {
		return false
	}
	return current == nil || current.Source.IsFallback()
}

// profileErrorTag maps a resolver failure onto the published error tag
func profileErrorTag(err error, current *domain.Profile) domain.ProfileErrorTag {
	var re *domain.ResolveError
	if !errors.As(err, &re) {
		return domain.ProfileErrorLoadFailed
	}
	if re.Kind == domain.ResolveTimeout {
		return domain.ProfileErrorRefreshTimeout
	}
	if current == nil || current.Source.IsFallback() {
		return domain.ProfileErrorDBFallback
	}
	return domain.ProfileErrorRefreshError
}
