package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/http/handlers"
	"github.com/you/crewsync/internal/http/middleware"
	"github.com/you/crewsync/internal/logger"
)

// RouterDeps carries everything BuildRouter mounts
type RouterDeps struct {
	Auth        *handlers.AuthHandlers
	Cache       *handlers.CacheHandlers
	Profiles    *handlers.ProfileHandlers
	Policies    *handlers.PolicyHandlers
	Preferences *handlers.PreferenceHandlers

	Snapshots     middleware.SnapshotSource
	PolicyService domain.PolicyService
	Metrics       http.Handler
	Logger        logger.Logger
}

func BuildRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if d.Logger != nil {
		r.Use(middleware.RequestLogger(d.Logger))
	}

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	session := r.Group("/session")
	session.GET("", d.Auth.Session)
	session.GET("/epoch", d.Auth.Epoch)
	session.POST("/sign-in", d.Auth.SignIn)
	session.POST("/refresh", d.Auth.Refresh)
	session.POST("/sign-out", d.Auth.SignOut)

	r.GET("/cache/stats", d.Cache.Stats)
	r.POST("/cache/invalidate", d.Cache.Invalidate)
	r.DELETE("/cache", d.Cache.Clear)
	r.POST("/lifecycle", d.Cache.Lifecycle)

	r.GET("/preferences/locale", d.Preferences.GetLocale)
	r.PUT("/preferences/locale", d.Preferences.SetLocale)

	authed := r.Group("/").Use(middleware.RequireAuthenticated(d.Snapshots))
	authed.GET("/me", d.Auth.Me)
	authed.PUT("/profiles/me", d.Profiles.UpdateMe)
	authed.GET("/permissions/check", d.Policies.Check)

	team := r.Group("/profiles").Use(
		middleware.RequireAuthenticated(d.Snapshots),
		middleware.RequirePermission(d.PolicyService, "employees", "read"),
	)
	team.GET("/:id", d.Profiles.Get)

	adm := r.Group("/admin").Use(
		middleware.RequireAuthenticated(d.Snapshots),
		middleware.RequirePermission(d.PolicyService, "company-settings", "write"),
	)
	adm.GET("/policies", d.Policies.List)
	adm.POST("/policies", d.Policies.Add)
	adm.DELETE("/policies", d.Policies.Remove)

	return r
}
