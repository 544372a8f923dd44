package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all service configuration, loaded from environment variables.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Reconcile ReconcileConfig
	Retention RetentionConfig
	Host      HostConfig
	RateLimit RateLimitConfig
	Logging   LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr         string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
}

// StoreConfig holds durable-tier configuration.
type StoreConfig struct {
	Path string `envconfig:"DB_PATH" default:"./storage/sessions.db"`
}

// ReconcileConfig tunes the cold-start reconciliation engine.
type ReconcileConfig struct {
	// InitialDelay is waited before the first context query; a query at time
	// zero cannot distinguish "no contexts" from "host still restoring".
	InitialDelay time.Duration `envconfig:"RECONCILE_INITIAL_DELAY" default:"2s"`
	RetryDelay   time.Duration `envconfig:"RECONCILE_RETRY_DELAY" default:"1s"`
	MaxAttempts  int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"3"`
}

// RetentionConfig tunes the retention policy engine.
type RetentionConfig struct {
	// FreeIdleWindow is how long a free-tier session may sit dormant before
	// it expires.
	FreeIdleWindow time.Duration `envconfig:"RETENTION_FREE_IDLE_WINDOW" default:"168h"`
}

// HostConfig configures the Docker-backed host environment.
type HostConfig struct {
	Image         string        `envconfig:"HOST_IMAGE" default:"browserless/chrome:latest"`
	WatchInterval time.Duration `envconfig:"HOST_WATCH_INTERVAL" default:"5s"`
	// MaxContextsPerSession caps how many live contexts one session may own.
	MaxContextsPerSession int64 `envconfig:"HOST_MAX_CONTEXTS_PER_SESSION" default:"25"`
}

// RateLimitConfig configures per-caller rate limiting on mutating routes.
type RateLimitConfig struct {
	RequestsPerHour int `envconfig:"RATE_LIMIT_PER_HOUR" default:"300"`
	Burst           int `envconfig:"RATE_LIMIT_BURST" default:"20"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads configuration from the environment with the SESSIONVAULT prefix.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("sessionvault", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Reconcile.MaxAttempts < 1 {
		return nil, fmt.Errorf("reconcile max attempts must be at least 1, got %d", cfg.Reconcile.MaxAttempts)
	}
	return &cfg, nil
}
