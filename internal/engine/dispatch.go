package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kairos-sched/kairos/internal/backoff"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/store"
)

// errDeferred signals that admission control declined to fire this tick;
// the caller leaves nextRunAt unchanged and retries on the next drain pass.
var errDeferred = errors.New("admission deferred")

func (e *Engine) tickDuration() time.Duration {
	return time.Duration(e.cfg.PollIntervalMs) * time.Millisecond
}

// admit applies §4.10 step 1: scheduler/job pause, concurrency caps, and
// the rate limiter, bounded to waiting at most one tick.
func (e *Engine) admit(ctx context.Context, job *domain.Job) error {
	if e.getState() == statePaused || job.Paused {
		return errDeferred
	}
	e.mu.Lock()
	if e.activeGlobal >= e.cfg.MaxConcurrentRuns {
		e.mu.Unlock()
		return errDeferred
	}
	if e.activeByJob[job.Name] >= job.EffectiveConcurrency() {
		e.mu.Unlock()
		return errDeferred
	}
	e.mu.Unlock()

	if job.RateLimit != nil {
		bucket := e.limiterFor(job)
		wait := bucket.MsUntil(1)
		if wait > 0 {
			tick := e.tickDuration().Milliseconds()
			if wait > tick {
				return errDeferred
			}
			metrics.RateLimiterWaitSeconds.WithLabelValues(job.Name).Observe(float64(wait) / 1000)
			if err := bucket.Take(ctx, 1, e.tickDuration()); err != nil {
				return domain.NewError(domain.KindRateLimited, "engine.admit", domain.ErrRateLimited)
			}
		} else {
			bucket.TryTake(1)
		}
	}
	return nil
}

func (e *Engine) incActive(jobName string) {
	e.mu.Lock()
	e.activeGlobal++
	e.activeByJob[jobName]++
	e.mu.Unlock()
}

func (e *Engine) decActive(jobName string) {
	e.mu.Lock()
	e.activeGlobal--
	e.activeByJob[jobName]--
	removing := e.removing[jobName] && e.activeByJob[jobName] == 0
	if removing {
		delete(e.removing, jobName)
	}
	e.mu.Unlock()
	if removing {
		_ = e.store.RemoveJob(context.Background(), jobName)
	}
}

// fireRun is §4.10 "Firing a run" steps 1-4: admission, run creation, and
// asynchronous handler invocation. It returns the new run's id immediately;
// the handler itself runs in a goroutine tracked by e.inflight.
func (e *Engine) fireRun(job *domain.Job, trig *domain.Trigger, scheduledAt time.Time, attempt int, payload map[string]any) (string, error) {
	ctx := context.Background()
	if err := e.admit(ctx, job); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	now := e.clock.Now()
	run := &domain.Run{
		RunID: runID, TriggerID: trig.ID, Job: job.Name,
		// Keyed on (trigger, scheduled fire time) rather than attempt, so a
		// retry's later attempt (a fresh scheduledAt) is never mistaken for
		// a duplicate of the original fire it's retrying.
		IdempotencyKey: fmt.Sprintf("%s:%d", trig.ID, scheduledAt.Unix()),
		ScheduledAt:    scheduledAt, StartedAt: &now, Attempt: attempt, Status: domain.StatusRunning,
	}
	if err := e.store.RecordRunStart(ctx, run); err != nil {
		return "", err
	}
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Scheduled, RunID: runID, TriggerID: trig.ID, Job: job.Name, Attempt: attempt})
	e.bus.Emit(eventbus.Payload{Kind: eventbus.RunStart, RunID: runID, TriggerID: trig.ID, Job: job.Name, Attempt: attempt})

	metrics.TriggerClaimLatency.Observe(now.Sub(scheduledAt).Seconds())
	metrics.RunsInFlight.Inc()

	e.incActive(job.Name)
	e.inflight.Add(1)
	go e.runHandler(job, trig, runID, scheduledAt, attempt, payload)

	return runID, nil
}

func (e *Engine) runHandler(job *domain.Job, trig *domain.Trigger, runID string, scheduledAt time.Time, attempt int, payload map[string]any) {
	start := e.clock.Now()
	defer e.inflight.Done()
	defer e.decActive(job.Name)
	defer metrics.RunsInFlight.Dec()

	runCtx := withRunID(e.shutdownCtx, runID)
	if job.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(job.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if job.Handler == nil {
		e.completeRun(job, trig, runID, attempt, domain.NewError(domain.KindConfiguration, "engine.runHandler", domain.ErrJobMisconfigured), nil, true)
		metrics.RunExecutionDuration.WithLabelValues(job.Name, "misconfigured").Observe(e.clock.Now().Sub(start).Seconds())
		return
	}

	stopHeartbeat := make(chan struct{})
	go e.autoHeartbeat(runCtx, runID, stopHeartbeat)

	touch := func(progress *int) error { return e.touch(runID, progress) }
	rc := domain.NewRunContext(runCtx, runID, trig.ID, job.Name, payload, scheduledAt.UnixMilli(), attempt, touch)

	result, err := job.Handler(rc)
	close(stopHeartbeat)

	if err == nil && runCtx.Err() == context.DeadlineExceeded {
		err = domain.NewError(domain.KindTimeout, "engine.runHandler", context.DeadlineExceeded)
	} else if err == nil && runCtx.Err() == context.Canceled {
		err = domain.NewError(domain.KindCanceled, "engine.runHandler", context.Canceled)
	}

	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.RunExecutionDuration.WithLabelValues(job.Name, status).Observe(e.clock.Now().Sub(start).Seconds())

	e.completeRun(job, trig, runID, attempt, err, result.Result, false)
}

func (e *Engine) autoHeartbeat(ctx context.Context, runID string, stop chan struct{}) {
	interval := time.Duration(e.cfg.HeartbeatIntervalMs) * time.Millisecond
	timer := e.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C():
			_ = e.touch(runID, nil)
			timer.Reset(interval)
		}
	}
}

// touch implements §4.10's progress-monotonicity rule: a rejected value
// leaves the stored progress unchanged and emits an error event rather
// than failing the run.
func (e *Engine) touch(runID string, progress *int) error {
	if progress != nil {
		e.mu.Lock()
		hi, seen := e.progress[runID]
		if *progress < 0 || *progress > 100 || (seen && *progress < hi) {
			e.mu.Unlock()
			reason := "progress out of range"
			if seen && *progress < hi {
				reason = "progress may not decrease"
			}
			e.bus.Emit(eventbus.Payload{Kind: eventbus.ErrorEvt, RunID: runID, Reason: reason})
			if seen && *progress < hi {
				return domain.NewError(domain.KindState, "engine.touch", domain.ErrProgressRegression)
			}
			return domain.NewError(domain.KindState, "engine.touch", domain.ErrProgressOutOfRange)
		}
		e.progress[runID] = *progress
		e.mu.Unlock()
	}
	if err := e.store.TouchRun(context.Background(), runID, progress); err != nil {
		return err
	}
	if progress != nil {
		e.bus.Emit(eventbus.Payload{Kind: eventbus.Progress, RunID: runID, Progress: *progress})
	}
	return nil
}

// completeRun is §4.10 step 6: success records completed; failure retries
// while attempts remain (and the failure isn't a permanent configuration
// error), otherwise records failed.
func (e *Engine) completeRun(job *domain.Job, trig *domain.Trigger, runID string, attempt int, runErr error, result map[string]any, misconfigured bool) {
	e.mu.Lock()
	delete(e.progress, runID)
	e.mu.Unlock()
	now := e.clock.Now()

	if runErr == nil {
		_ = e.store.RecordRunEnd(context.Background(), runID, store.RunEnd{Status: domain.StatusCompleted, EndedAt: now, Result: result})
		e.bus.Emit(eventbus.Payload{Kind: eventbus.Completed, RunID: runID, TriggerID: trig.ID, Job: job.Name, Attempt: attempt})
		metrics.RunsCompletedTotal.WithLabelValues(job.Name, "completed").Inc()
		return
	}

	maxAttempts := 1
	if job.Retries != nil && job.Retries.MaxAttempts > 0 {
		maxAttempts = job.Retries.MaxAttempts
	}

	if !misconfigured && attempt < maxAttempts {
		strat := backoff.FromPolicy(job.Retries)
		delayMs := strat.NextDelay(attempt + 1)
		e.bus.Emit(eventbus.Payload{Kind: eventbus.Retry, RunID: runID, TriggerID: trig.ID, Job: job.Name, Attempt: attempt + 1, Error: runErr.Error()})
		_ = e.store.RecordRunEnd(context.Background(), runID, store.RunEnd{Status: domain.StatusFailed, EndedAt: now, Error: runErr.Error()})
		metrics.RunsCompletedTotal.WithLabelValues(job.Name, "retry").Inc()

		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			if err := e.clock.Sleep(e.shutdownCtx, time.Duration(delayMs)*time.Millisecond); err != nil {
				return
			}
			if _, err := e.fireRun(job, trig, e.clock.Now(), attempt+1, nil); err != nil {
				e.logger.Warn("retry dispatch deferred", "job", job.Name, "trigger", trig.ID, "error", err)
			}
		}()
		return
	}

	_ = e.store.RecordRunEnd(context.Background(), runID, store.RunEnd{Status: domain.StatusFailed, EndedAt: now, Error: runErr.Error()})
	e.bus.Emit(eventbus.Payload{Kind: eventbus.ErrorEvt, RunID: runID, TriggerID: trig.ID, Job: job.Name, Attempt: attempt, Error: runErr.Error()})
	metrics.RunsCompletedTotal.WithLabelValues(job.Name, "failed").Inc()
}
