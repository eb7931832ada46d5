package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aegismesh/aegis/pkg/config"
)

// Invariant: the process must boot with safe defaults in dev mode, with no
// environment configured.
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "REPLAY_WINDOW", "RATE_LIMIT_RPM", "RATE_LIMIT_BURST", "PROVIDER_CACHE_TTL", "HEALTH_CHECK_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, 5*time.Minute, cfg.ReplayWindow)
	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, 10, cfg.RateLimitBurst)
	assert.Equal(t, 300*time.Second, cfg.ProviderCacheTTL)
	assert.Equal(t, 15*time.Second, cfg.HealthCheckInterval)
}

// Invariant: ops can control config via standard 12-factor env vars.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://prod:5432/db")
	t.Setenv("REPLAY_WINDOW", "2m")
	t.Setenv("RATE_LIMIT_RPM", "120")
	t.Setenv("RATE_LIMIT_BURST", "20")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://prod:5432/db", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Minute, cfg.ReplayWindow)
	assert.Equal(t, 120, cfg.RateLimitRPM)
	assert.Equal(t, 20, cfg.RateLimitBurst)
}

// Invariant: malformed overrides fall back to defaults rather than panicking.
func TestLoadInvalidOverrideFallsBackToDefault(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPM", "not-a-number")
	t.Setenv("REPLAY_WINDOW", "not-a-duration")

	cfg := config.Load()

	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, 5*time.Minute, cfg.ReplayWindow)
}
