package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide server configuration, loaded from environment
// variables (12-factor style, matching the teacher's pkg/config.Load).
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	// ReplayWindow bounds the sliding window of seen (device_id, nonce)
	// pairs (spec §5's nonce/replay window; default 5 min).
	ReplayWindow time.Duration

	// RateLimitRPM/RateLimitBurst are the default per-actor token-bucket
	// parameters for pkg/transport's rate limiter.
	RateLimitRPM   int
	RateLimitBurst int

	// ProviderCacheTTL is the default TTL for pkg/providers' Cache.
	ProviderCacheTTL time.Duration

	// HealthCheckInterval is the default tick interval for pkg/lifecycle's
	// Supervisor.RunHealthLoop.
	HealthCheckInterval time.Duration
}

// Load reads configuration from the environment, falling back to safe
// development defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://aegismesh@localhost:5432/aegismesh?sslmode=disable"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ReplayWindow:        getEnvDuration("REPLAY_WINDOW", 5*time.Minute),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 10),
		ProviderCacheTTL:    getEnvDuration("PROVIDER_CACHE_TTL", 300*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 15*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
