// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings for the approval service.
type Config struct {
	// Postgres DSN; empty means the in-memory store (dev/smoke only).
	PGDSN string `env:"TRADEOPS_PG_DSN"`

	HTTPAddr string `env:"TRADEOPS_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"TRADEOPS_GRPC_ADDR" envDefault:":9090"`

	LogLevel string `env:"TRADEOPS_LOG_LEVEL" envDefault:"info"`

	// AuthSecret signs service-identity tokens (HS256).
	AuthSecret string `env:"TRADEOPS_AUTH_SECRET"`

	// ApprovalTTL bounds how long a granted approval stays consumable.
	ApprovalTTL time.Duration `env:"TRADEOPS_APPROVAL_TTL" envDefault:"24h"`

	// Ops HTTP rate limit: token bucket per client IP.
	HTTPRateBurst int `env:"TRADEOPS_HTTP_RATE_BURST" envDefault:"20"`
	HTTPRate      int `env:"TRADEOPS_HTTP_RATE" envDefault:"10"`

	// Escalation sweep settings.
	SweepInterval time.Duration `env:"TRADEOPS_SWEEP_INTERVAL" envDefault:"10m"`
	SweepOverdue  time.Duration `env:"TRADEOPS_SWEEP_OVERDUE" envDefault:"48h"`
	SweepRate     float64       `env:"TRADEOPS_SWEEP_RATE" envDefault:"5"`

	ShutdownTimeout time.Duration `env:"TRADEOPS_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}
	if cfg.ApprovalTTL <= 0 {
		return Config{}, fmt.Errorf("config: approval TTL must be positive, got %s", cfg.ApprovalTTL)
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("config: sweep interval must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.SweepRate <= 0 {
		return Config{}, fmt.Errorf("config: sweep rate must be positive, got %v", cfg.SweepRate)
	}
	if cfg.HTTPRate <= 0 || cfg.HTTPRateBurst <= 0 {
		return Config{}, fmt.Errorf("config: http rate limit must be positive, got %d/%d", cfg.HTTPRate, cfg.HTTPRateBurst)
	}
	return cfg, nil
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
