package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/logger"
)

// SessionKey is where the current session lives in the durable store
const SessionKey = "session:current"

const initialSessionTimeout = 5 * time.Second

// SessionClient implements domain.AuthClient on top of the durable key-value
// store. Sessions carry a signed access token that is validated on every read.
type SessionClient struct {
	store  domain.KeyValueStore
	tokens domain.TokenService
	logger logger.Logger

	mu        sync.Mutex
	listeners map[string]func(domain.AuthEvent)
}

// NewSessionClient creates a new auth client
func NewSessionClient(store domain.KeyValueStore, tokens domain.TokenService, log logger.Logger) *SessionClient {
	if log == nil {
		log = logger.NewNop()
	}
	return &SessionClient{
		store:     store,
		tokens:    tokens,
		logger:    log.With("component", "session_client"),
		listeners: make(map[string]func(domain.AuthEvent)),
	}
}

// SignIn starts a session for identity and notifies listeners with SIGNED_IN
func (c *SessionClient) SignIn(ctx context.Context, identity domain.Identity) (*domain.Session, error) {
	if identity.ID == "" {
		return nil, errors.New("sign in: identity id is required")
	}
	session, err := c.issue(ctx, uuid.NewString(), identity, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	c.logger.Info("signed in", "user_id", identity.ID, "session_id", session.ID)
	c.emit(domain.NewAuthEvent(domain.EventSignedIn, session))
	return session, nil
}

// Refresh reissues the access token of the current session and notifies
// listeners with TOKEN_REFRESHED.
func (c *SessionClient) Refresh(ctx context.Context) (*domain.Session, error) {
	current, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrSessionNotFound
	}
	session, err := c.issue(ctx, current.ID, current.User, current.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	c.emit(domain.NewAuthEvent(domain.EventTokenRefreshed, session))
	return session, nil
}

// SignOut implements domain.AuthClient
func (c *SessionClient) SignOut(ctx context.Context) error {
	if err := c.store.Delete(ctx, SessionKey); err != nil {
		return fmt.Errorf("sign out: %w: %w", domain.ErrBackendUnavailable, err)
	}
	c.logger.Info("signed out")
	c.emit(domain.NewAuthEvent(domain.EventSignedOut, nil))
	return nil
}

// GetSession implements domain.AuthClient. A missing, unreadable or expired
// session reads as no session.
func (c *SessionClient) GetSession(ctx context.Context) (*domain.Session, error) {
	raw, err := c.store.Get(ctx, SessionKey)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w: %w", domain.ErrBackendUnavailable, err)
	}

	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		c.logger.Warn("discarding unreadable session", "err", err)
		c.discard(ctx)
		return nil, nil
	}

	claims, err := c.tokens.ValidateAccessToken(session.AccessToken)
	if err != nil {
		c.logger.Info("discarding session", "reason", err)
		c.discard(ctx)
		return nil, nil
	}
	if claims.UserID != session.User.ID {
		c.logger.Warn("discarding session with mismatched token", "user_id", session.User.ID)
		c.discard(ctx)
		return nil, nil
	}
	session.User = IdentityFromClaims(claims)
	session.ExpiresAt = time.Unix(claims.ExpiresAt, 0).UTC()
	return &session, nil
}

// GetUser implements domain.AuthClient
func (c *SessionClient) GetUser(ctx context.Context) (*domain.Identity, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	user := session.User
	return &user, nil
}

// OnAuthStateChange implements domain.AuthClient. The new listener receives
// INITIAL_SESSION asynchronously with whatever session is stored, unless the
// store cannot be read.
func (c *SessionClient) OnAuthStateChange(callback func(domain.AuthEvent)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.listeners[id] = callback
	c.mu.Unlock()

	go c.deliverInitial(id, callback)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *SessionClient) deliverInitial(id string, callback func(domain.AuthEvent)) {
	ctx, cancel := context.WithTimeout(context.Background(), initialSessionTimeout)
	defer cancel()

	session, err := c.GetSession(ctx)
	if err != nil {
		// an unreadable store is not "signed out"; the listener's own
		// startup read decides
		c.logger.Warn("initial session unavailable, not delivered", "err", err)
		return
	}

	c.mu.Lock()
	_, active := c.listeners[id]
	c.mu.Unlock()
	if !active {
		return
	}
	c.call(callback, domain.NewAuthEvent(domain.EventInitialSession, session))
}

func (c *SessionClient) issue(ctx context.Context, sessionID string, identity domain.Identity, createdAt time.Time) (*domain.Session, error) {
	token, exp, err := c.tokens.GenerateAccessToken(identity, sessionID)
	if err != nil {
		return nil, err
	}
	session := &domain.Session{
		ID:          sessionID,
		AccessToken: token,
		User:        identity,
		ExpiresAt:   exp.UTC(),
		CreatedAt:   createdAt,
	}
	data, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, SessionKey, string(data), time.Until(exp)); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}
	return session, nil
}

func (c *SessionClient) discard(ctx context.Context) {
	if err := c.store.Delete(ctx, SessionKey); err != nil {
		c.logger.Warn("failed to discard session", "err", err)
	}
}

func (c *SessionClient) emit(ev domain.AuthEvent) {
	c.mu.Lock()
	listeners := make([]func(domain.AuthEvent), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		c.call(l, ev)
	}
}

func (c *SessionClient) call(l func(domain.AuthEvent), ev domain.AuthEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("auth listener panicked", "event", ev.Kind, "panic", fmt.Sprint(r))
		}
	}()
	l(ev)
}

var _ domain.AuthClient = (*SessionClient)(nil)
