package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  port: 9090
database:
  dsn: postgres://localhost/crewsync
redis:
  addr: localhost:6379
auth:
  jwt_secret: 0123456789abcdef0123
  access_ttl: 30m
profile:
  retry_base: 2s
  retry_max: 8s
cache:
  persist_prefixes: [orders]
  policies:
    orders:
      stale_time: 30s
      gc_time: 10m
      retry: 2
    employees:
      stale_time: 5m
logging:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "release", cfg.GinMode)
	assert.Equal(t, 30*time.Minute, cfg.AccessTTL)
	assert.Equal(t, "crewsync", cfg.JWTIssuer)
	assert.Equal(t, "crewsync:", cfg.RedisKeyPrefix)
	assert.Equal(t, 3, cfg.StartupAttempts)
	assert.Equal(t, 1200*time.Millisecond, cfg.StartupSpacing)
	assert.Equal(t, 3*time.Second, cfg.HardFallback)
	assert.Equal(t, 8*time.Second, cfg.ProfileFetchTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProfileRetryBase)
	assert.Equal(t, 7*24*time.Hour, cfg.PersistMaxAge)
	assert.Equal(t, []string{"orders"}, cfg.PersistPrefixes)
	assert.Equal(t, "debug", cfg.LogLevel)

	orders := cfg.CachePolicies["orders"]
	require.NotNil(t, orders.StaleTime)
	assert.Equal(t, 30*time.Second, *orders.StaleTime)
	assert.Equal(t, 10*time.Minute, *orders.GCTime)
	assert.Equal(t, 2, *orders.Retry)

	employees := cfg.CachePolicies["employees"]
	assert.Nil(t, employees.GCTime)
	assert.Nil(t, employees.Retry)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CREWSYNC_PORT", "7070")
	t.Setenv("CREWSYNC_DATABASE_DSN", "postgres://override/crewsync")
	t.Setenv("CREWSYNC_JWT_SECRET", "another-secret-value-123")
	t.Setenv("CREWSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "postgres://override/crewsync", cfg.DSN)
	assert.Equal(t, "another-secret-value-123", cfg.JWTSecret)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{
			name:     "bad duration",
			body:     "database:\n  dsn: x\nredis:\n  addr: x\nauth:\n  jwt_secret: 0123456789abcdef0123\nprofile:\n  fetch_timeout: soon\n",
			contains: "profile.fetch_timeout",
		},
		{
			name:     "missing dsn",
			body:     "redis:\n  addr: x\nauth:\n  jwt_secret: 0123456789abcdef0123\n",
			contains: "database.dsn is required",
		},
		{
			name:     "short secret",
			body:     "database:\n  dsn: x\nredis:\n  addr: x\nauth:\n  jwt_secret: short\n",
			contains: "jwt_secret",
		},
		{
			name:     "retry max below base",
			body:     "database:\n  dsn: x\nredis:\n  addr: x\nauth:\n  jwt_secret: 0123456789abcdef0123\nprofile:\n  retry_base: 10s\n  retry_max: 1s\n",
			contains: "profile.retry_max",
		},
		{
			name:     "not yaml",
			body:     "app: [",
			contains: "could not parse config yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read config file")
}
