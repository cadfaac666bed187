// Command schedulerd is the daemon entrypoint, grounded on the teacher's
// cmd/scheduler/main.go: load config, build the logger, wire the store and
// engine, serve metrics/health, and shut down gracefully on signal.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kairos-sched/kairos/config"
	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/engine"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/health"
	kairoslog "github.com/kairos-sched/kairos/internal/log"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/store"
	"github.com/kairos-sched/kairos/internal/store/memstore"
	"github.com/kairos-sched/kairos/internal/store/pgstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := kairoslog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	st, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		stop()
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	logger.Info("store ready", "driver", cfg.StoreDriver)

	metrics.Register()
	checker := health.NewChecker(st, logger, prometheus.DefaultRegisterer)

	bus := eventbus.New(logger)
	bus.On(eventbus.ErrorEvt, func(p eventbus.Payload) {
		logger.Error("run failed", "run_id", p.RunID, "job", p.Job, "error", p.Error)
	})

	eng := engine.New(cfg.EngineConfig(), st, clock.New(), bus, logger)
	eng.Start()

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	eng.Shutdown(engine.ShutdownOptions{Graceful: true, Reason: "signal"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
}

// buildStore selects memstore or pgstore per cfg.StoreDriver and returns a
// close func that's a no-op for memstore.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "pgstore":
		pool, err := pgstore.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil
	default:
		return memstore.New(clock.New()), func() {}, nil
	}
}
