package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the application role stored on a profile
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
)

// NormalizeRole coerces any value into one of the three valid roles.
// Unknown, empty or non-string values become RoleWorker.
func NormalizeRole(v any) Role {
	s, ok := v.(string)
	if !ok {
		if r, isRole := v.(Role); isRole {
			s = string(r)
		}
	}
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleDispatcher:
		return RoleDispatcher
	default:
		return RoleWorker
	}
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleDispatcher || r == RoleWorker
}

// ProfileSource tags how a profile snapshot was obtained
type ProfileSource string

const (
	SourceSupabase         ProfileSource = "supabase"
	SourceCreated          ProfileSource = "created"
	SourceMetadataFallback ProfileSource = "metadata-fallback"
	SourceOptimistic       ProfileSource = "optimistic"
	SourceFallback         ProfileSource = "fallback"
	SourcePreCreate        ProfileSource = "pre-create"
)

// IsFallback reports whether the profile was synthesized locally and not
// confirmed by the backend.
func (s ProfileSource) IsFallback() bool {
	switch s {
	case SourceSupabase, SourceCreated:
		return false
	default:
		return true
	}
}

// Identity is the auth backend's record of a signed-in user
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns a trimmed string metadata value, or "" when the key
// is missing or not a string.
func (i Identity) MetadataString(key string) string {
	if i.Metadata == nil {
		return ""
	}
	v, ok := i.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return ""
	}
}

// Profile is the application-level user record
type Profile struct {
	ID        string        `json:"id"`
	FirstName string        `json:"first_name"`
	LastName  string        `json:"last_name"`
	FullName  string        `json:"full_name"`
	Role      Role          `json:"role"`
	AvatarURL *string       `json:"avatar_url"`
	CompanyID *string       `json:"company_id"`
	Source    ProfileSource `json:"__source"`
}

// Clone returns a deep copy so snapshots never share mutable pointers
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.AvatarURL != nil {
		v := *p.AvatarURL
		cp.AvatarURL = &v
	}
	if p.CompanyID != nil {
		v := *p.CompanyID
		cp.CompanyID = &v
	}
	return &cp
}

// ProfileErrorTag describes why the published profile may be degraded
type ProfileErrorTag string

const (
	ProfileErrorNone           ProfileErrorTag = ""
	ProfileErrorLoadFailed     ProfileErrorTag = "load-failed"
	ProfileErrorDBFallback     ProfileErrorTag = "db-error-using-fallback"
	ProfileErrorRefreshTimeout ProfileErrorTag = "refresh-timeout-using-current-profile"
	ProfileErrorRefreshError   ProfileErrorTag = "refresh-error-using-current-profile"
)

// AuthState is the state of the auth state machine
type AuthState int

const (
	StateInitializing AuthState = iota
	StateUnauthenticated
	StateAuthenticatedOptimistic
	StateAuthenticatedConfirmed
	StateAuthenticatedDegraded
)

func (s AuthState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticatedOptimistic:
		return "authenticated_optimistic"
	case StateAuthenticatedConfirmed:
		return "authenticated_confirmed"
	case StateAuthenticatedDegraded:
		return "authenticated_degraded"
	default:
		return fmt.Sprintf("auth_state(%d)", int(s))
	}
}

// MarshalText lets snapshots render the state by name
func (s AuthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the auth state exposed to the rest of the app.
// It is replaced whole on every transition and never mutated after publish.
type Snapshot struct {
	State           AuthState       `json:"state"`
	IsInitializing  bool            `json:"is_initializing"`
	IsAuthenticated bool            `json:"is_authenticated"`
	User            *Identity       `json:"user"`
	Profile         *Profile        `json:"profile"`
	ProfileError    ProfileErrorTag `json:"profile_error"`
	Version         uint64          `json:"version"`
}

// Session represents the auth backend session
type Session struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"access_token"`
	User        Identity  `json:"user"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Valid reports whether the session carries a usable identity
func (s *Session) Valid() bool {
	return s != nil && s.User.ID != ""
}
