// Package config loads server configuration from the environment, with
// optional per-namespace profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	LogLevel string

	// StoreBackend selects the durable store: memory, sqlite, postgres
	// or redis.
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string
	RedisAddr    string

	Workers       int
	LeaseDuration time.Duration
	PollInterval  time.Duration

	OTLPEndpoint   string
	TracingEnabled bool
	Environment    string
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() *Config {
	cfg := &Config{
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		StoreBackend:   envOr("STORE_BACKEND", "sqlite"),
		SQLitePath:     envOr("SQLITE_PATH", "tiller.db"),
		DatabaseURL:    envOr("DATABASE_URL", "postgres://tiller@localhost:5432/tiller?sslmode=disable"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		Workers:        envInt("WORKERS", 4),
		LeaseDuration:  envDuration("LEASE_DURATION", 30*time.Second),
		PollInterval:   envDuration("POLL_INTERVAL", 500*time.Millisecond),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled: os.Getenv("TRACING_ENABLED") == "true",
		Environment:    envOr("ENVIRONMENT", "development"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
