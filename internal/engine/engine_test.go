package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/store/memstore"
)

func newTestEngine() (*Engine, *clock.Virtual) {
	vc := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	st := memstore.New(vc)
	bus := eventbus.New(nil)
	eng := New(Config{MaxConcurrentRuns: 10, HeartbeatIntervalMs: 3_600_000}, st, vc, bus, nil)
	return eng, vc
}

func TestAdmitRespectsGlobalConcurrency(t *testing.T) {
	eng, _ := newTestEngine()
	eng.cfg.MaxConcurrentRuns = 1
	eng.activeGlobal = 1
	job := &domain.Job{Name: "j1"}
	if err := eng.admit(context.Background(), job); err != errDeferred {
		t.Fatalf("expected errDeferred at global cap, got %v", err)
	}
}

func TestAdmitRespectsJobConcurrency(t *testing.T) {
	eng, _ := newTestEngine()
	job := &domain.Job{Name: "j1", Concurrency: 1}
	eng.activeByJob["j1"] = 1
	if err := eng.admit(context.Background(), job); err != errDeferred {
		t.Fatalf("expected errDeferred at job cap, got %v", err)
	}
}

func TestAdmitDefersWhenPaused(t *testing.T) {
	eng, _ := newTestEngine()
	eng.Start()
	defer eng.Shutdown(ShutdownOptions{})
	eng.PauseAll()
	job := &domain.Job{Name: "j1"}
	if err := eng.admit(context.Background(), job); err != errDeferred {
		t.Fatalf("expected errDeferred while scheduler paused, got %v", err)
	}
}

func TestTouchProgressMonotonicity(t *testing.T) {
	eng, _ := newTestEngine()
	_ = eng.store.RecordRunStart(context.Background(), &domain.Run{RunID: "r1", Status: domain.StatusRunning})

	p30, p10, p200 := 30, 10, 200
	if err := eng.touch("r1", &p30); err != nil {
		t.Fatalf("initial progress should be accepted: %v", err)
	}
	if err := eng.touch("r1", &p10); !domain.Is(err, domain.KindState) || !errors.Is(err, domain.ErrProgressRegression) {
		t.Fatalf("decreasing progress should return ErrProgressRegression, got %v", err)
	}
	if err := eng.touch("r1", &p200); !errors.Is(err, domain.ErrProgressOutOfRange) {
		t.Fatalf("out-of-range progress should return ErrProgressOutOfRange, got %v", err)
	}

	run, err := eng.store.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Progress == nil || *run.Progress != 30 {
		t.Fatalf("rejected touches must not move stored progress, got %v", run.Progress)
	}
}

func TestFireRunRetriesThenSucceeds(t *testing.T) {
	eng, vc := newTestEngine()
	eng.Start()
	defer eng.Shutdown(ShutdownOptions{})

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})

	job := &domain.Job{
		Name: "flaky",
		Retries: &domain.RetryPolicy{
			MaxAttempts: 2,
			Strategy:    domain.BackoffFixed,
			BaseDelayMs: 1000,
		},
		Handler: func(rc *domain.RunContext) (domain.HandlerResult, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 1 {
				return domain.HandlerResult{}, errors.New("boom")
			}
			close(done)
			return domain.HandlerResult{}, nil
		},
	}
	if err := eng.store.UpsertJob(context.Background(), job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	trig := &domain.Trigger{ID: "t1", Job: job.Name}
	if err := eng.store.UpsertTrigger(context.Background(), trig); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	retried := make(chan struct{}, 1)
	eng.bus.On(eventbus.Retry, func(eventbus.Payload) { retried <- struct{}{} })

	if _, err := eng.fireRun(job, trig, vc.Now(), 1, nil); err != nil {
		t.Fatalf("fireRun: %v", err)
	}

	select {
	case <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a Retry event after the first failed attempt")
	}

	// The Retry event fires before the delayed re-fire goroutine registers
	// its sleep with the virtual clock; give it a moment to get there.
	time.Sleep(50 * time.Millisecond)
	vc.Advance(2 * time.Second)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the retried attempt to run to completion")
	}
	eng.inflight.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected exactly 2 handler invocations, got %d", calls)
	}
}

func TestRunHandlerMissingHandlerIsMisconfigured(t *testing.T) {
	eng, vc := newTestEngine()
	eng.Start()
	defer eng.Shutdown(ShutdownOptions{})

	job := &domain.Job{Name: "no-handler"}
	trig := &domain.Trigger{ID: "t1", Job: job.Name}
	_ = eng.store.UpsertJob(context.Background(), job)
	_ = eng.store.UpsertTrigger(context.Background(), trig)

	var failed eventbus.Payload
	gotFailed := make(chan struct{})
	eng.bus.On(eventbus.ErrorEvt, func(p eventbus.Payload) {
		failed = p
		close(gotFailed)
	})

	runID, err := eng.fireRun(job, trig, vc.Now(), 1, nil)
	if err != nil {
		t.Fatalf("fireRun: %v", err)
	}

	select {
	case <-gotFailed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ErrorEvt for a handlerless job, bypassing retries")
	}
	eng.inflight.Wait()

	if failed.RunID != runID {
		t.Fatalf("error event for wrong run: got %s want %s", failed.RunID, runID)
	}
	run, err := eng.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != domain.StatusFailed {
		t.Fatalf("expected status failed, got %s", run.Status)
	}
}

func TestReapRunExhaustedVsRescheduled(t *testing.T) {
	eng, vc := newTestEngine()
	eng.Start()
	defer eng.Shutdown(ShutdownOptions{})

	job := &domain.Job{
		Name:    "reaped",
		Retries: &domain.RetryPolicy{MaxAttempts: 2, Strategy: domain.BackoffFixed, BaseDelayMs: 100},
		Handler: func(*domain.RunContext) (domain.HandlerResult, error) { return domain.HandlerResult{}, nil },
	}
	trig := &domain.Trigger{ID: "t1", Job: job.Name}
	_ = eng.store.UpsertJob(context.Background(), job)
	_ = eng.store.UpsertTrigger(context.Background(), trig)

	exhaustedBefore := testutil.ToFloat64(metrics.StalledRunsTotal.WithLabelValues("exhausted"))
	rescheduledBefore := testutil.ToFloat64(metrics.StalledRunsTotal.WithLabelValues("rescheduled"))

	exhaustedRun := &domain.Run{RunID: "r-exhausted", TriggerID: trig.ID, Job: job.Name, Attempt: 2, Status: domain.StatusRunning}
	rescheduledRun := &domain.Run{RunID: "r-reschedule", TriggerID: trig.ID, Job: job.Name, Attempt: 1, Status: domain.StatusRunning}
	_ = eng.store.RecordRunStart(context.Background(), exhaustedRun)
	_ = eng.store.RecordRunStart(context.Background(), rescheduledRun)

	eng.reapRun(exhaustedRun, vc.Now())
	eng.reapRun(rescheduledRun, vc.Now())

	if got := testutil.ToFloat64(metrics.StalledRunsTotal.WithLabelValues("exhausted")); got != exhaustedBefore+1 {
		t.Fatalf("expected exhausted count to increase by 1, got delta %f", got-exhaustedBefore)
	}
	if got := testutil.ToFloat64(metrics.StalledRunsTotal.WithLabelValues("rescheduled")); got != rescheduledBefore+1 {
		t.Fatalf("expected rescheduled count to increase by 1, got delta %f", got-rescheduledBefore)
	}

	run, err := eng.store.GetRun(context.Background(), "r-exhausted")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != domain.StatusStalled {
		t.Fatalf("expected stalled status, got %s", run.Status)
	}
}

func TestProcessTriggerMisfireSkip(t *testing.T) {
	eng, vc := newTestEngine()
	eng.cfg.MisfireToleranceMs = 1000

	var fires int
	eng.bus.On(eventbus.RunStart, func(eventbus.Payload) { fires++ })

	job := &domain.Job{Name: "skip-me", Handler: func(*domain.RunContext) (domain.HandlerResult, error) { return domain.HandlerResult{}, nil }}
	_ = eng.store.UpsertJob(context.Background(), job)

	past := vc.Now().Add(-time.Hour)
	trig := &domain.Trigger{
		ID: "t1", Job: job.Name, NextRunAt: &past,
		Options: domain.TriggerOptions{Kind: domain.KindEvery, EveryMs: 60_000, MisfirePolicy: domain.MisfireSkip},
	}
	_ = eng.store.UpsertTrigger(context.Background(), trig)

	eng.processTrigger(trig)
	eng.inflight.Wait()

	if fires != 0 {
		t.Fatalf("MisfireSkip must not fire a run, got %d fires", fires)
	}
}

func TestProcessTriggerMisfireCatchUp(t *testing.T) {
	eng, vc := newTestEngine()
	eng.cfg.MisfireToleranceMs = 1000
	eng.cfg.CatchUpFireCap = 10

	var fires int
	eng.bus.On(eventbus.RunStart, func(eventbus.Payload) { fires++ })

	job := &domain.Job{Name: "catch-up", Concurrency: 3, Handler: func(*domain.RunContext) (domain.HandlerResult, error) { return domain.HandlerResult{}, nil }}
	_ = eng.store.UpsertJob(context.Background(), job)

	// Anchor the grid at scheduledAt itself (as Schedule would persist it)
	// so 2.5 missed minute-ticks land exactly 3 occurrences behind now.
	missed := vc.Now().Add(-150 * time.Second)
	trig := &domain.Trigger{
		ID: "t1", Job: job.Name, NextRunAt: &missed,
		Options: domain.TriggerOptions{Kind: domain.KindEvery, EveryMs: 60_000, MisfirePolicy: domain.MisfireCatchUp, StartAt: &missed},
	}
	_ = eng.store.UpsertTrigger(context.Background(), trig)

	eng.processTrigger(trig)
	eng.inflight.Wait()

	if fires != 3 {
		t.Fatalf("MisfireCatchUp over a 2.5-tick lag should fire 3 times, got %d", fires)
	}
}

func TestScheduleIsInclusiveOfStart(t *testing.T) {
	eng, vc := newTestEngine()
	job := &domain.Job{Name: "boundary", Handler: func(*domain.RunContext) (domain.HandlerResult, error) { return domain.HandlerResult{}, nil }}
	if _, err := eng.RegisterJob(job, true); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}

	start := vc.Now()
	th, err := eng.Schedule(job.Name, domain.TriggerOptions{Kind: domain.KindAt, RunAt: start, StartAt: &start})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	trig, err := eng.store.GetTrigger(context.Background(), th.ID())
	if err != nil {
		t.Fatalf("GetTrigger: %v", err)
	}
	if trig.NextRunAt == nil || !trig.NextRunAt.Equal(start) {
		t.Fatalf("expected nextRunAt to equal start %v, got %v", start, trig.NextRunAt)
	}
}
