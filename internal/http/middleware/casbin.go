package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
)

// RequirePermission gates a route on the caller's role being allowed action on
// resource. It must run after RequireAuthenticated.
func RequirePermission(policies domain.PolicyService, resource, action string) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		role := c.GetString(CtxUserRole)
		if role == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User role not found"})
			c.Abort()
			return
		}

		allowed, err := policies.CheckPermission(role, resource, action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authorization check failed"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
			c.Abort()
			return
		}
		c.Next()
	})
}
