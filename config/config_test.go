package config

import (
	"log/slog"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != "memstore" {
		t.Fatalf("expected memstore default, got %s", cfg.StoreDriver)
	}
	if cfg.MaxConcurrentRuns != 100 {
		t.Fatalf("expected default MaxConcurrentRuns 100, got %d", cfg.MaxConcurrentRuns)
	}
}

func TestLoadPgstoreRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", "pgstore")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error when pgstore is selected without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/kairos")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL == "" {
		t.Fatal("expected DatabaseURL to be populated")
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for an unrecognized log level")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for level, want := range cases {
		c := &Config{LogLevel: level}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestEngineConfigProjection(t *testing.T) {
	c := &Config{
		MaxConcurrentRuns: 5, PollIntervalMs: 200, HeartbeatIntervalMs: 1000,
		StalledAfterMs: 2000, DrainHorizonMs: 3000, DrainBatchSize: 50,
		LeaseMs: 4000, MisfireToleranceMs: 500, CatchUpFireCap: 7, GraceMs: 6000,
	}
	ec := c.EngineConfig()
	if ec.MaxConcurrentRuns != 5 || ec.CatchUpFireCap != 7 || ec.GraceMs != 6000 {
		t.Fatalf("EngineConfig projection dropped fields: %+v", ec)
	}
}
