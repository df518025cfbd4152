package domain

import (
	"context"
	"time"
)

// ProfileRepository defines access to the profiles table.
// Implementations must report a missing row as ErrProfileNotFound and a
// unique-constraint violation on Create as ErrProfileConflict.
type ProfileRepository interface {
	FindByID(ctx context.Context, id string) (*Profile, error)
	Create(ctx context.Context, profile *Profile) error
	Update(ctx context.Context, profile *Profile) error
}

// ProfileResolver produces a best-effort profile for an identity
type ProfileResolver interface {
	Resolve(ctx context.Context, identity Identity) (*Profile, error)
	BuildFallback(identity Identity, source ProfileSource) *Profile
}

// AuthClient is the backend auth contract consumed by the auth state machine
type AuthClient interface {
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*Identity, error)
	OnAuthStateChange(callback func(AuthEvent)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// KeyValueStore is the durable local string store.
// Get returns ErrKeyNotFound for a missing key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ChangeFeed delivers realtime row change events scoped by table and filter
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter ChangeFilter, handler func(ChangeEvent)) (FeedSubscription, error)
	Publish(ctx context.Context, event ChangeEvent) error
}

// FeedSubscription is a live change-feed registration. Close is idempotent.
type FeedSubscription interface {
	ID() string
	Close() error
}

// TokenService signs and validates session access tokens
type TokenService interface {
	GenerateAccessToken(identity Identity, sessionID string) (string, time.Time, error)
	ValidateAccessToken(token string) (*TokenClaims, error)
}

// TokenClaims represents session token claims
type TokenClaims struct {
	UserID    string         `json:"sub"`
	Email     string         `json:"email"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IssuedAt  int64          `json:"iat"`
	ExpiresAt int64          `json:"exp"`
}

// PolicyService answers role permission questions
type PolicyService interface {
	AddPolicy(role, resource, action string) error
	RemovePolicy(role, resource, action string) error
	CheckPermission(role, resource, action string) (bool, error)
	GetPolicies() [][]string
}

// CasbinEnforcer interface defines the methods we need from Casbin enforcer
type CasbinEnforcer interface {
	AddPolicy(params ...interface{}) (bool, error)
	RemovePolicy(params ...interface{}) (bool, error)
	Enforce(rvals ...interface{}) (bool, error)
	GetPolicy() ([][]string, error)
	SavePolicy() error
}
