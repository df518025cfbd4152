package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/internal/services"
)

type PreferenceHandlers struct{ prefs *services.PreferenceStore }

func NewPreferenceHandlers(prefs *services.PreferenceStore) *PreferenceHandlers {
	return &PreferenceHandlers{prefs: prefs}
}

type localeReq struct {
	Locale string `json:"locale" binding:"required"`
}

func (h *PreferenceHandlers) GetLocale(c *gin.Context) {
	locale, err := h.prefs.Locale(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Preferences unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"locale": locale}})
}

func (h *PreferenceHandlers) SetLocale(c *gin.Context) {
	var r localeReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.prefs.SetLocale(c.Request.Context(), r.Locale); err != nil {
		if errors.Is(err, services.ErrUnsupportedLocale) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "supported": services.SupportedLocales})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Preferences unavailable"})
		return
	}
	h.GetLocale(c)
}
