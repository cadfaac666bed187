// Package config is the ambient environment-variable loader, adapted from
// the teacher's config.Load: same env/validator pair, same Load/SlogLevel
// shape, re-keyed from the teacher's HTTP-API surface onto the engine's
// own tunables (§4.10, §5).
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/kairos-sched/kairos/internal/engine"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	// StoreDriver selects memstore (the default, non-persistent reference
	// store) or pgstore (requires DatabaseURL).
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memstore" validate:"required,oneof=memstore pgstore"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=StoreDriver pgstore"`

	MaxConcurrentRuns   int   `env:"MAX_CONCURRENT_RUNS" envDefault:"100" validate:"min=1"`
	PollIntervalMs      int64 `env:"POLL_INTERVAL_MS" envDefault:"1000" validate:"min=10"`
	HeartbeatIntervalMs int64 `env:"HEARTBEAT_INTERVAL_MS" envDefault:"10000" validate:"min=100"`
	StalledAfterMs      int64 `env:"STALLED_AFTER_MS" envDefault:"60000" validate:"min=1000"`
	DrainHorizonMs      int64 `env:"DRAIN_HORIZON_MS" envDefault:"10000" validate:"min=100"`
	DrainBatchSize      int   `env:"DRAIN_BATCH_SIZE" envDefault:"100" validate:"min=1,max=10000"`
	LeaseMs             int64 `env:"LEASE_MS" envDefault:"30000" validate:"min=1000"`
	MisfireToleranceMs  int64 `env:"MISFIRE_TOLERANCE_MS" envDefault:"5000" validate:"min=0"`
	CatchUpFireCap      int   `env:"CATCH_UP_FIRE_CAP" envDefault:"10" validate:"min=1,max=1000"`
	GraceMs             int64 `env:"SHUTDOWN_GRACE_MS" envDefault:"30000" validate:"min=0"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// EngineConfig projects the loaded environment onto engine.Config.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxConcurrentRuns:   c.MaxConcurrentRuns,
		PollIntervalMs:      c.PollIntervalMs,
		HeartbeatIntervalMs: c.HeartbeatIntervalMs,
		StalledAfterMs:      c.StalledAfterMs,
		DrainHorizonMs:      c.DrainHorizonMs,
		DrainBatchSize:      c.DrainBatchSize,
		LeaseMs:             c.LeaseMs,
		MisfireToleranceMs:  c.MisfireToleranceMs,
		CatchUpFireCap:      c.CatchUpFireCap,
		GraceMs:             c.GraceMs,
	}
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
