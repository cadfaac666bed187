package engine

import (
	"context"
	"time"

	"github.com/kairos-sched/kairos/internal/backoff"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/store"
)

// stallLoop is the reaper from §4.10 / §9 "stale-reschedule vs. stale-fail
// split": a run whose heartbeat has gone quiet longer than StalledAfterMs
// is marked stalled, and retried through the same backoff pipeline as a
// failed run if its job's retry policy has attempts left.
func (e *Engine) stallLoop() {
	interval := time.Duration(e.cfg.HeartbeatIntervalMs) * time.Millisecond
	timer := e.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-timer.C():
		}
		if e.getState() == stateRunning || e.getState() == statePaused {
			e.reapOnce()
		}
		timer.Reset(interval)
	}
}

func (e *Engine) reapOnce() {
	start := e.clock.Now()
	defer func() { metrics.ReapCycleDuration.Observe(e.clock.Now().Sub(start).Seconds()) }()

	ctx := context.Background()
	now := e.clock.Now()
	stalled, err := e.store.FindStalledRuns(ctx, e.cfg.StalledAfterMs, now)
	if err != nil {
		e.logger.Warn("find stalled runs failed", "error", err)
		return
	}
	for _, run := range stalled {
		e.reapRun(run, now)
	}
}

func (e *Engine) reapRun(run *domain.Run, now time.Time) {
	ctx := context.Background()
	if err := e.store.RecordRunEnd(ctx, run.RunID, store.RunEnd{Status: domain.StatusStalled, EndedAt: now, Error: "heartbeat timeout"}); err != nil {
		e.logger.Warn("record stalled run failed", "run", run.RunID, "error", err)
		return
	}
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Stalled, RunID: run.RunID, TriggerID: run.TriggerID, Job: run.Job, Attempt: run.Attempt})

	job, err := e.store.GetJob(ctx, run.Job)
	if err != nil {
		metrics.StalledRunsTotal.WithLabelValues("dropped").Inc()
		return
	}
	maxAttempts := 1
	if job.Retries != nil && job.Retries.MaxAttempts > 0 {
		maxAttempts = job.Retries.MaxAttempts
	}
	if run.Attempt >= maxAttempts {
		metrics.StalledRunsTotal.WithLabelValues("exhausted").Inc()
		return
	}
	trig, err := e.store.GetTrigger(ctx, run.TriggerID)
	if err != nil {
		return
	}

	strat := backoff.FromPolicy(job.Retries)
	delayMs := strat.NextDelay(run.Attempt + 1)
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Retry, RunID: run.RunID, TriggerID: run.TriggerID, Job: run.Job, Attempt: run.Attempt + 1})
	metrics.StalledRunsTotal.WithLabelValues("rescheduled").Inc()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.clock.Sleep(e.shutdownCtx, time.Duration(delayMs)*time.Millisecond); err != nil {
			return
		}
		if _, err := e.fireRun(job, trig, e.clock.Now(), run.Attempt+1, nil); err != nil {
			e.logger.Warn("stall retry dispatch deferred", "job", job.Name, "trigger", trig.ID, "error", err)
		}
	}()
}
