package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/http/middleware"
)

// SessionMachine is the part of the auth state machine the handlers use
type SessionMachine interface {
	Snapshot() domain.Snapshot
	SignOut(ctx context.Context) error
}

// SessionIssuer starts and refreshes sessions on the auth backend
type SessionIssuer interface {
	SignIn(ctx context.Context, identity domain.Identity) (*domain.Session, error)
	Refresh(ctx context.Context) (*domain.Session, error)
}

// EpochReader reads the session epoch
type EpochReader interface {
	Current() uint64
}

// AuthHandlers serves the session surface
type AuthHandlers struct {
	machine SessionMachine
	issuer  SessionIssuer
	epoch   EpochReader
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(machine SessionMachine, issuer SessionIssuer, epoch EpochReader) *AuthHandlers {
	return &AuthHandlers{machine: machine, issuer: issuer, epoch: epoch}
}

// SignInRequest represents a sign-in request
type SignInRequest struct {
	ID       string         `json:"id" binding:"required"`
	Email    string         `json:"email" binding:"required,email"`
	Metadata map[string]any `json:"user_metadata"`
}

// SignIn starts a session for the given identity
func (h *AuthHandlers) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.issuer.SignIn(c.Request.Context(), domain.Identity{
		ID:       req.ID,
		Email:    req.Email,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Auth backend unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sign in failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"session_id":   session.ID,
			"access_token": session.AccessToken,
			"expires_at":   session.ExpiresAt,
			"snapshot":     h.machine.Snapshot(),
		},
	})
}

// Refresh reissues the current session token
func (h *AuthHandlers) Refresh(c *gin.Context) {
	session, err := h.issuer.Refresh(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No active session"})
		case errors.Is(err, domain.ErrBackendUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Auth backend unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Refresh failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"session_id": session.ID,
			"expires_at": session.ExpiresAt,
		},
	})
}

// SignOut ends the current session
func (h *AuthHandlers) SignOut(c *gin.Context) {
	if err := h.machine.SignOut(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Sign out failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Session returns the current auth snapshot
func (h *AuthHandlers) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.machine.Snapshot()})
}

// Epoch returns the current session epoch
func (h *AuthHandlers) Epoch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"epoch": h.epoch.Current()}})
}

// Me returns the signed-in user with their profile. Degraded is true when
// the profile shown is a fallback or could not be refreshed.
func (h *AuthHandlers) Me(c *gin.Context) {
	snap, ok := middleware.SnapshotFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	degraded := snap.ProfileError != domain.ProfileErrorNone ||
		(snap.Profile != nil && snap.Profile.Source.IsFallback())

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"user":          snap.User,
			"profile":       snap.Profile,
			"profile_error": snap.ProfileError,
			"degraded":      degraded,
		},
	})
}
