package domain

import (
	"errors"
	"fmt"
)

// Profile errors
var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrProfileConflict  = errors.New("profile already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrMalformedRecord  = errors.New("malformed profile record")
)

// Session errors
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session has expired")
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// Token errors
var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenMalformed = errors.New("malformed token")
)

// Storage errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrFeedClosed  = errors.New("change feed closed")
)

// ResolveErrorKind separates timeouts from every other resolver failure
type ResolveErrorKind int

const (
	ResolveBackend ResolveErrorKind = iota
	ResolveTimeout
)

func (k ResolveErrorKind) String() string {
	if k == ResolveTimeout {
		return "timeout"
	}
	return "backend"
}

// ResolveError is returned by ProfileResolver.Resolve when no profile could be
// produced. Callers decide the fallback policy.
type ResolveError struct {
	Kind   ResolveErrorKind
	UserID string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve profile %s: %s: %v", e.UserID, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// IsResolveTimeout reports whether err is a resolver timeout
func IsResolveTimeout(err error) bool {
	var re *ResolveError
	return errors.As(err, &re) && re.Kind == ResolveTimeout
}
