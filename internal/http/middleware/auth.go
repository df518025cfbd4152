package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
)

// Context keys set by RequireAuthenticated
const (
	CtxUserID   = "user_id"
	CtxUserRole = "user_role"
	CtxSnapshot = "snapshot"
)

// SnapshotSource exposes the current auth snapshot
type SnapshotSource interface {
	Snapshot() domain.Snapshot
}

// RequireAuthenticated rejects requests until the auth snapshot reports a
// signed-in user. While the session is still initializing it answers 503 so
// callers can retry instead of treating the user as signed out.
func RequireAuthenticated(src SnapshotSource) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		snap := src.Snapshot()
		if snap.IsInitializing {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Session is initializing"})
			c.Abort()
			return
		}
		if !snap.IsAuthenticated || snap.User == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
			c.Abort()
			return
		}

		role := domain.RoleWorker
		if snap.Profile != nil {
			role = domain.NormalizeRole(string(snap.Profile.Role))
		}

		c.Set(CtxUserID, snap.User.ID)
		c.Set(CtxUserRole, string(role))
		c.Set(CtxSnapshot, snap)
		c.Next()
	})
}

// SnapshotFrom returns the snapshot stored by RequireAuthenticated
func SnapshotFrom(c *gin.Context) (domain.Snapshot, bool) {
	v, ok := c.Get(CtxSnapshot)
	if !ok {
		return domain.Snapshot{}, false
	}
	snap, ok := v.(domain.Snapshot)
	return snap, ok
}
