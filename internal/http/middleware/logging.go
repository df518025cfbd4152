package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/internal/logger"
)

// RequestLogger logs one line per request
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		keyvals := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		}
		switch {
		case status >= 500:
			log.Error("request", keyvals...)
		case status >= 400:
			log.Warn("request", keyvals...)
		default:
			log.Debug("request", keyvals...)
		}
	}
}
