package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/internal/querycache"
)

// CacheHandlers exposes query cache maintenance and app lifecycle signals
type CacheHandlers struct {
	cache     *querycache.Client
	lifecycle *querycache.Lifecycle
}

func NewCacheHandlers(cache *querycache.Client, lifecycle *querycache.Lifecycle) *CacheHandlers {
	return &CacheHandlers{cache: cache, lifecycle: lifecycle}
}

type invalidateReq struct {
	Prefix []string `json:"prefix" binding:"required,min=1"`
	Remove bool     `json:"remove"`
}

type lifecycleReq struct {
	Focused *bool `json:"focused"`
	Online  *bool `json:"online"`
}

// Stats reports cache occupancy
func (h *CacheHandlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.cache.Stats()})
}

// Invalidate marks every query under a key prefix stale, or drops them when
// remove is set.
func (h *CacheHandlers) Invalidate(c *gin.Context) {
	var r invalidateReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var n int
	if r.Remove {
		n = h.cache.RemovePrefix(r.Prefix...)
	} else {
		n = h.cache.InvalidatePrefix(r.Prefix...)
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"affected": n}})
}

// Clear drops every cached query
func (h *CacheHandlers) Clear(c *gin.Context) {
	h.cache.Clear()
	c.Status(http.StatusNoContent)
}

// Lifecycle records app focus and connectivity changes
func (h *CacheHandlers) Lifecycle(c *gin.Context) {
	var r lifecycleReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if r.Online != nil {
		h.lifecycle.SetOnline(*r.Online)
	}
	if r.Focused != nil {
		if err := h.lifecycle.SetFocused(c.Request.Context(), *r.Focused); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Persisting cache failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"focused": h.lifecycle.Focused(),
			"online":  h.lifecycle.Online(),
		},
	})
}
