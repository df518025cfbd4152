package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/domain"
	"github.com/you/crewsync/internal/http/middleware"
	"github.com/you/crewsync/internal/infrastructure/repositories"
	"github.com/you/crewsync/internal/logger"
	"github.com/you/crewsync/internal/querycache"
	"github.com/you/crewsync/internal/services"
)

const employeesPrefix = "employees"

// ProfileHandlers serves team member profiles through the query cache. A read
// profile is watched on the change feed until its cache entry goes idle.
type ProfileHandlers struct {
	ctx    context.Context
	cache  *querycache.Client
	repo   domain.ProfileRepository
	logger logger.Logger
}

// NewProfileHandlers creates profile handlers. ctx bounds the lifetime of the
// realtime subscriptions they open.
func NewProfileHandlers(ctx context.Context, cache *querycache.Client, repo domain.ProfileRepository, log logger.Logger) *ProfileHandlers {
	if log == nil {
		log = logger.NewNop()
	}
	return &ProfileHandlers{
		ctx:    ctx,
		cache:  cache,
		repo:   repo,
		logger: log.With("component", "profile_handlers"),
	}
}

type updateProfileReq struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	AvatarURL *string `json:"avatar_url"`
}

// Get returns a profile by id, served stale-while-revalidate
func (h *ProfileHandlers) Get(c *gin.Context) {
	id := c.Param("id")
	key := querycache.Key{employeesPrefix, id}

	res := h.cache.Query(c.Request.Context(), key, func(ctx context.Context) (any, error) {
		p, err := h.repo.FindByID(ctx, id)
		if errors.Is(err, domain.ErrProfileNotFound) || errors.Is(err, domain.ErrPermissionDenied) {
			return nil, querycache.Permanent(err)
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if res.Error != nil && !res.HasData() {
		switch {
		case errors.Is(res.Error, domain.ErrProfileNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Profile not found"})
		case errors.Is(res.Error, domain.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Profile unavailable"})
		}
		return
	}
	if res.IsPaused {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Offline"})
		return
	}

	profile, err := querycache.Decode[*domain.Profile](res)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Profile unreadable"})
		return
	}
	h.watch(key, id)

	c.JSON(http.StatusOK, gin.H{
		"data":       profile,
		"stale":      res.IsStale,
		"updated_at": res.UpdatedAt,
	})
}

// UpdateMe edits the signed-in user's own profile
func (h *ProfileHandlers) UpdateMe(c *gin.Context) {
	snap, ok := middleware.SnapshotFrom(c)
	if !ok || snap.Profile == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
		return
	}
	var r updateProfileReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := snap.Profile.Clone()
	if r.FirstName != nil {
		p.FirstName = strings.TrimSpace(*r.FirstName)
	}
	if r.LastName != nil {
		p.LastName = strings.TrimSpace(*r.LastName)
	}
	if r.AvatarURL != nil {
		p.AvatarURL = r.AvatarURL
	}
	p.FullName = ""
	identity := domain.Identity{ID: p.ID}
	if snap.User != nil {
		identity = *snap.User
	}
	services.NormalizeProfile(p, identity)

	if err := h.repo.Update(c.Request.Context(), p); err != nil {
		switch {
		case errors.Is(err, domain.ErrProfileNotFound):
			c.JSON(http.StatusConflict, gin.H{"error": "Profile is not stored yet"})
		case errors.Is(err, domain.ErrPermissionDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Profile update failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

func (h *ProfileHandlers) watch(key querycache.Key, id string) {
	filter := domain.ChangeFilter{Table: repositories.ProfilesTable, Column: "id", Value: id}
	if _, err := h.cache.Watch(h.ctx, key, filter); err != nil && !errors.Is(err, querycache.ErrNoChangeFeed) {
		h.logger.Warn("profile subscription failed", "id", id, "err", err)
	}
}
