package engine

import (
	"context"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/planner"
)

// drainLoop is §4.10's drainer: on each tick it claims triggers due within
// the drain horizon, reconciles any misfire, fires them, and advances
// nextRunAt (or retires the trigger once its planner is exhausted).
func (e *Engine) drainLoop() {
	interval := time.Duration(e.cfg.PollIntervalMs) * time.Millisecond
	timer := e.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-timer.C():
		}
		if e.getState() == stateRunning {
			e.drainOnce()
		}
		timer.Reset(interval)
	}
}

func (e *Engine) drainOnce() {
	start := e.clock.Now()
	defer func() { metrics.DrainCycleDuration.Observe(e.clock.Now().Sub(start).Seconds()) }()

	ctx := context.Background()
	now := e.clock.Now()
	until := now.Add(time.Duration(e.cfg.DrainHorizonMs) * time.Millisecond)

	due, err := e.store.ListDueTriggers(ctx, until, e.cfg.DrainBatchSize)
	if err != nil {
		e.logger.Warn("list due triggers failed", "error", err)
		return
	}
	if len(due) > 0 {
		e.bus.Emit(eventbus.Payload{Kind: eventbus.Drain})
	}

	for _, trig := range due {
		if trig.Paused {
			continue
		}
		ok, err := e.store.ClaimTrigger(ctx, trig.ID, e.instanceID, e.cfg.LeaseMs)
		if err != nil || !ok {
			continue
		}
		e.processTrigger(trig)
	}
}

// processTrigger fires trig (possibly more than once under a catch-up
// misfire policy), advances its schedule, and releases its lease.
func (e *Engine) processTrigger(trig *domain.Trigger) {
	ctx := context.Background()
	defer func() { _ = e.store.ReleaseTrigger(ctx, trig.ID, e.instanceID) }()

	job, err := e.store.GetJob(ctx, trig.Job)
	if err != nil {
		e.logger.Warn("trigger references missing job", "trigger", trig.ID, "job", trig.Job, "error", err)
		_ = e.store.DeleteTrigger(ctx, trig.ID)
		return
	}

	pl, err := planner.New(trig.Options, e.clock.Now())
	if err != nil {
		e.logger.Warn("trigger planner rebuild failed", "trigger", trig.ID, "error", err)
		_ = e.store.DeleteTrigger(ctx, trig.ID)
		return
	}

	if trig.NextRunAt == nil {
		_ = e.store.DeleteTrigger(ctx, trig.ID)
		return
	}

	now := e.clock.Now()
	scheduledAt := *trig.NextRunAt
	lagMs := now.Sub(scheduledAt).Milliseconds()

	policy := trig.Options.MisfirePolicy
	if policy == "" {
		policy = domain.MisfireFireNow
	}

	fireCount := 1
	if lagMs > e.cfg.MisfireToleranceMs {
		switch policy {
		case domain.MisfireSkip:
			fireCount = 0
		case domain.MisfireCatchUp:
			fireCount = catchUpCount(pl, scheduledAt, now, e.cfg.CatchUpFireCap)
		default: // fire-now
			fireCount = 1
		}
	}

	fireAt := scheduledAt
	for i := 0; i < fireCount; i++ {
		if trig.Options.MaxRuns > 0 && trig.RunsFired >= trig.Options.MaxRuns {
			break
		}
		if _, err := e.fireRun(job, trig, fireAt, 1, nil); err != nil {
			if err == errDeferred && !job.Paused && e.getState() != statePaused {
				// Concurrency or rate limit declined this slot: nextRunAt stays
				// on it so the next drain pass retries it.
				if i > 0 {
					trig.NextRunAt = &fireAt
					trig.LastRunAt = &scheduledAt
					trig.Revision++
					if err := e.store.UpsertTrigger(ctx, trig); err != nil {
						e.logger.Warn("trigger advance failed", "trigger", trig.ID, "error", err)
					}
				}
				return
			}
			if err != errDeferred {
				e.logger.Warn("fire run failed", "trigger", trig.ID, "error", err)
			}
			break
		}
		trig.RunsFired++
		if i+1 >= fireCount {
			break
		}
		// Advance along the planner's own grid rather than collapsing every
		// remaining catch-up fire onto "now" — each occurrence needs its own
		// scheduledAt so fireRun's idempotency key doesn't collide across them.
		next, ok := pl.Next(fireAt)
		if !ok {
			break
		}
		fireAt = next
	}

	next, ok := pl.Next(now)
	if !ok || (trig.Options.MaxRuns > 0 && trig.RunsFired >= trig.Options.MaxRuns) {
		_ = e.store.DeleteTrigger(ctx, trig.ID)
		return
	}
	trig.NextRunAt = &next
	trig.LastRunAt = &scheduledAt
	trig.Revision++
	if err := e.store.UpsertTrigger(ctx, trig); err != nil {
		e.logger.Warn("trigger advance failed", "trigger", trig.ID, "error", err)
	}
}

// catchUpCount bounds how many missed occurrences between scheduledAt and
// now a catch-up misfire policy fires, capped at cap.
func catchUpCount(pl planner.Planner, scheduledAt, now time.Time, cap_ int) int {
	count := 1
	cursor := scheduledAt
	for count < cap_ {
		next, ok := pl.Next(cursor)
		if !ok || next.After(now) {
			break
		}
		cursor = next
		count++
	}
	return count
}
