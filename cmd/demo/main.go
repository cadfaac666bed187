// demo registers a handful of webhook jobs against an in-memory engine and
// runs for a short while, printing each lifecycle event as it happens.
// Adapted from the teacher's cmd/seed: that command inserts rows a running
// server picks up later; this one drives a standalone engine instance
// directly since memstore has no separate server process to seed.
//
// Run: go run ./cmd/demo
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/engine"
	"github.com/kairos-sched/kairos/internal/eventbus"
	kairoslog "github.com/kairos-sched/kairos/internal/log"
	"github.com/kairos-sched/kairos/internal/store/memstore"
	"github.com/kairos-sched/kairos/internal/webhookexec"
)

type jobSpec struct {
	name     string
	url      string
	method   string
	every    time.Duration
	retries  int
	backoff  domain.Backoff
}

var jobs = []jobSpec{
	// Happy path — completes on every fire
	{"demo-get", "https://httpbin.org/get", "GET", 10 * time.Second, 3, domain.BackoffExponential},
	{"demo-post", "https://httpbin.org/post", "POST", 15 * time.Second, 3, domain.BackoffExponential},

	// Fails — httpbin returns 500, exercises the retry pipeline
	{"demo-flaky", "https://httpbin.org/status/500", "POST", 20 * time.Second, 2, domain.BackoffExponential},

	// Fails — 404, exhausts retries quickly
	{"demo-missing", "https://httpbin.org/status/404", "GET", 30 * time.Second, 1, domain.BackoffFixed},
}

func main() {
	logger := kairoslog.New("local", slog.LevelInfo)
	clk := clock.New()
	st := memstore.New(clk)
	bus := eventbus.New(logger)

	bus.On(eventbus.Scheduled, func(p eventbus.Payload) { logPayload(logger, "scheduled", p) })
	bus.On(eventbus.RunStart, func(p eventbus.Payload) { logPayload(logger, "run started", p) })
	bus.On(eventbus.Completed, func(p eventbus.Payload) { logPayload(logger, "completed", p) })
	bus.On(eventbus.Retry, func(p eventbus.Payload) { logPayload(logger, "retrying", p) })
	bus.On(eventbus.ErrorEvt, func(p eventbus.Payload) { logPayload(logger, "failed", p) })
	bus.On(eventbus.Stalled, func(p eventbus.Payload) { logPayload(logger, "stalled", p) })

	eng := engine.New(engine.Config{
		PollIntervalMs:      500,
		HeartbeatIntervalMs: 5000,
		StalledAfterMs:      15000,
	}, st, clk, bus, logger)

	exec := webhookexec.New(logger)

	for _, spec := range jobs {
		job := &domain.Job{
			Name:      spec.name,
			TimeoutMs: 10_000,
			Retries: &domain.RetryPolicy{
				MaxAttempts: spec.retries,
				Strategy:    spec.backoff,
				BaseDelayMs: 2000,
				MaxDelayMs:  30000,
				JitterRatio: 0.25,
			},
			Handler: exec.Handler(webhookexec.WebhookConfig{Method: spec.method, URL: spec.url}),
		}
		if _, err := eng.RegisterJob(job, true); err != nil {
			fmt.Fprintf(os.Stderr, "register %s: %v\n", spec.name, err)
			os.Exit(1)
		}
		if _, err := eng.Schedule(spec.name, domain.TriggerOptions{
			Kind:    domain.KindEvery,
			EveryMs: spec.every.Milliseconds(),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "schedule %s: %v\n", spec.name, err)
			os.Exit(1)
		}
	}

	fmt.Println("Demo scheduler running. Jobs registered:")
	for _, spec := range jobs {
		fmt.Printf("  %-14s %s %-6s every %s, %d max attempts\n", spec.name, spec.method, spec.url, spec.every, spec.retries)
	}
	fmt.Println()
	fmt.Println("Watching for 60 seconds...")

	time.Sleep(60 * time.Second)
	eng.Shutdown(engine.ShutdownOptions{Graceful: true, GraceMs: 5000, Reason: "demo complete"})
}

func logPayload(logger *slog.Logger, msg string, p eventbus.Payload) {
	logger.Info(msg, "job", p.Job, "run_id", p.RunID, "attempt", p.Attempt, "error", p.Error)
}
