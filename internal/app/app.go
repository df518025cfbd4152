package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/you/crewsync/internal/config"
	"github.com/you/crewsync/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// NewLogger builds the process logger from config
func NewLogger(cfg *config.Config) logger.Logger {
	return logger.New(&logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		Output:     os.Stderr,
		JSON:       cfg.LogJSON,
		TimeFormat: time.RFC3339,
	})
}

// Run serves the HTTP surface until ctx is cancelled, then drains requests
// and shuts the container down.
func Run(ctx context.Context, cfg *config.Config) error {
	log := NewLogger(cfg)
	gin.SetMode(cfg.GinMode)

	c, err := NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
