// Package engine is the scheduler core from §4.10: the state machine, the
// drainer that turns due triggers into dispatched runs, the firing pipeline
// (admission, handler invocation, retries), and the stall sweeper. It
// depends only on the store and planner contracts — no concrete store or
// transport leaks in, mirroring the teacher's scheduler package depending on
// repository interfaces rather than postgres directly.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/eventbus"
	"github.com/kairos-sched/kairos/internal/metrics"
	"github.com/kairos-sched/kairos/internal/planner"
	"github.com/kairos-sched/kairos/internal/ratelimit"
	"github.com/kairos-sched/kairos/internal/runctx"
	"github.com/kairos-sched/kairos/internal/store"
)

type state int32

const (
	stateCreated state = iota
	stateRunning
	statePaused
	stateDraining
	stateStopped
)

// Engine is one instance of the scheduler core. Multiple Engine instances
// may share a store; coordination across them is via trigger leases.
type Engine struct {
	cfg        Config
	store      store.Store
	clock      clock.Clock
	bus        *eventbus.Bus
	logger     *slog.Logger
	instanceID string

	st int32 // atomic state

	mu           sync.Mutex
	activeGlobal int
	activeByJob  map[string]int
	limiters     map[string]*ratelimit.Bucket
	removing     map[string]bool
	progress     map[string]int // runID -> high-water-mark progress

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	inflight sync.WaitGroup
	shutdownCtx    context.Context
	cancelShutdown context.CancelFunc
}

// New builds an Engine in the created state. Call Start to enter running.
func New(cfg Config, st store.Store, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		store:          st,
		clock:          clk,
		bus:            bus,
		logger:         logger.With("component", "engine"),
		instanceID:     uuid.NewString(),
		activeByJob:    map[string]int{},
		limiters:       map[string]*ratelimit.Bucket{},
		removing:       map[string]bool{},
		progress:       map[string]int{},
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		shutdownCtx:    ctx,
		cancelShutdown: cancel,
	}
}

// Events exposes the engine's event bus for subscribers.
func (e *Engine) Events() *eventbus.Bus { return e.bus }

// Start transitions created -> running and launches the drain and stall
// sweeper loops. Calling Start more than once is a no-op.
func (e *Engine) Start() {
	if !atomic.CompareAndSwapInt32(&e.st, int32(stateCreated), int32(stateRunning)) {
		return
	}
	metrics.EngineStartTime.Set(float64(e.clock.Now().Unix()))
	go e.drainLoop()
	go e.stallLoop()
}

func (e *Engine) getState() state { return state(atomic.LoadInt32(&e.st)) }

func (e *Engine) ensureStarted() {
	if e.getState() == stateCreated {
		e.Start()
	}
}

// JobHandle is returned by RegisterJob.
type JobHandle struct {
	name string
	eng  *Engine
}

func (h *JobHandle) Pause() error  { return h.eng.store.SetJobPaused(context.Background(), h.name, true) }
func (h *JobHandle) Resume() error { return h.eng.store.SetJobPaused(context.Background(), h.name, false) }

// Unregister marks the job for removal. In-flight runs are left to
// terminate naturally; the job record is deleted once its active run count
// reaches zero.
func (h *JobHandle) Unregister() error {
	h.eng.mu.Lock()
	defer h.eng.mu.Unlock()
	h.eng.removing[h.name] = true
	if h.eng.activeByJob[h.name] == 0 {
		delete(h.eng.removing, h.name)
		return h.eng.store.RemoveJob(context.Background(), h.name)
	}
	return nil
}

// RegisterJob registers job, failing on a name collision unless upsert is
// true.
func (e *Engine) RegisterJob(job *domain.Job, upsert bool) (*JobHandle, error) {
	if e.getState() == stateStopped {
		return nil, domain.NewError(domain.KindState, "engine.RegisterJob", domain.ErrSchedulerStopped)
	}
	ctx := context.Background()
	if !upsert {
		if _, err := e.store.GetJob(ctx, job.Name); err == nil {
			return nil, domain.NewError(domain.KindConflict, "engine.RegisterJob", domain.ErrJobExists)
		}
	}
	if err := e.store.UpsertJob(ctx, job); err != nil {
		return nil, err
	}
	e.ensureStarted()
	return &JobHandle{name: job.Name, eng: e}, nil
}

// TriggerHandle is returned by Schedule.
type TriggerHandle struct {
	id  string
	eng *Engine
}

func (h *TriggerHandle) ID() string { return h.id }

func (h *TriggerHandle) Pause() error {
	ctx := context.Background()
	t, err := h.eng.store.GetTrigger(ctx, h.id)
	if err != nil {
		return err
	}
	t.Paused = true
	return h.eng.store.UpsertTrigger(ctx, t)
}

func (h *TriggerHandle) Resume() error {
	ctx := context.Background()
	t, err := h.eng.store.GetTrigger(ctx, h.id)
	if err != nil {
		return err
	}
	t.Paused = false
	return h.eng.store.UpsertTrigger(ctx, t)
}

// Cancel removes the trigger. In-flight runs spawned by it are not aborted.
func (h *TriggerHandle) Cancel() error {
	return h.eng.store.DeleteTrigger(context.Background(), h.id)
}

// Schedule validates opts, builds its planner, computes the initial
// nextRunAt, persists the trigger and emits Scheduled.
func (e *Engine) Schedule(jobName string, opts domain.TriggerOptions) (*TriggerHandle, error) {
	if e.getState() == stateStopped {
		return nil, domain.NewError(domain.KindState, "engine.Schedule", domain.ErrSchedulerStopped)
	}
	ctx := context.Background()
	if _, err := e.store.GetJob(ctx, jobName); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	pl, err := planner.New(opts, now)
	if err != nil {
		return nil, err
	}
	start := now
	if opts.StartAt != nil && opts.StartAt.After(start) {
		start = *opts.StartAt
	}
	if opts.Kind == domain.KindEvery && opts.StartAt == nil {
		// Pin the interval grid's anchor at schedule time; otherwise every
		// planner rebuild in processTrigger (which passes its own call-time
		// "now" as the createdAt fallback) would re-anchor the grid to the
		// reconciliation instant instead of the trigger's original start.
		opts.StartAt = &start
	}
	next, ok := pl.Next(start.Add(-time.Millisecond))

	trig := &domain.Trigger{
		ID:       uuid.NewString(),
		Job:      jobName,
		Options:  opts,
		Priority: 0,
		Revision: 1,
	}
	if ok {
		trig.NextRunAt = &next
	}
	if err := e.store.UpsertTrigger(ctx, trig); err != nil {
		return nil, err
	}
	e.ensureStarted()
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Scheduled, TriggerID: trig.ID, Job: jobName})
	e.signalWake()
	return &TriggerHandle{id: trig.ID, eng: e}, nil
}

// ExecuteNowOverrides customizes an ExecuteNow call.
type ExecuteNowOverrides struct {
	RunAt   time.Time
	Payload map[string]any
}

// ExecuteNow is equivalent to scheduling an "at" trigger for overrides.RunAt
// (default now) with maxRuns=1, then dispatching it immediately rather than
// waiting for the next drain tick.
func (e *Engine) ExecuteNow(jobName string, overrides *ExecuteNowOverrides) (triggerID, runID string, err error) {
	runAt := e.clock.Now()
	var payload map[string]any
	if overrides != nil {
		if !overrides.RunAt.IsZero() {
			runAt = overrides.RunAt
		}
		payload = overrides.Payload
	}
	th, err := e.Schedule(jobName, domain.TriggerOptions{Kind: domain.KindAt, RunAt: runAt, MaxRuns: 1})
	if err != nil {
		return "", "", err
	}
	job, err := e.store.GetJob(context.Background(), jobName)
	if err != nil {
		return th.id, "", err
	}
	trig, err := e.store.GetTrigger(context.Background(), th.id)
	if err != nil {
		return th.id, "", err
	}
	rid, ferr := e.fireRun(job, trig, runAt, 1, payload)
	if ferr == nil {
		// The direct fire above already delivered this one-shot trigger's
		// only run; consume it here so drainOnce can't claim and re-fire
		// the same (triggerID, scheduledAt) a second time before the
		// planner exhaustion in processTrigger would have caught up.
		if err := e.store.DeleteTrigger(context.Background(), th.id); err != nil {
			e.logger.Warn("execute-now trigger cleanup failed", "trigger", th.id, "error", err)
		}
	}
	return th.id, rid, ferr
}

// PauseAll suspends the drainer scheduler-wide; in-flight runs continue.
func (e *Engine) PauseAll() {
	atomic.CompareAndSwapInt32(&e.st, int32(stateRunning), int32(statePaused))
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Paused})
}

// ResumeAll resumes a paused scheduler.
func (e *Engine) ResumeAll() {
	if atomic.CompareAndSwapInt32(&e.st, int32(statePaused), int32(stateRunning)) {
		e.bus.Emit(eventbus.Payload{Kind: eventbus.Resumed})
		e.signalWake()
	}
}

func (e *Engine) GetRun(runID string) (*domain.Run, error) {
	return e.store.GetRun(context.Background(), runID)
}

// ShutdownOptions configures Shutdown.
type ShutdownOptions struct {
	Graceful bool
	GraceMs  int64
	Reason   string
}

// Shutdown transitions draining -> stopped: stops accepting new drains,
// cancels in-flight handlers, waits up to graceMs for them to return on
// graceful shutdowns, and emits Shutdown. Trigger leases are not released
// here; each drain pass releases the leases it claims.
func (e *Engine) Shutdown(opts ShutdownOptions) {
	atomic.StoreInt32(&e.st, int32(stateDraining))
	close(e.stop)
	e.cancelShutdown()

	if opts.Graceful {
		graceMs := opts.GraceMs
		if graceMs <= 0 {
			graceMs = e.cfg.GraceMs
		}
		waitDone := make(chan struct{})
		go func() {
			e.inflight.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-e.clock.After(time.Duration(graceMs) * time.Millisecond):
		}
	}

	atomic.StoreInt32(&e.st, int32(stateStopped))
	metrics.EngineShutdownsTotal.Inc()
	e.bus.Emit(eventbus.Payload{Kind: eventbus.Shutdown, Graceful: opts.Graceful, Reason: opts.Reason})
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) limiterFor(job *domain.Job) *ratelimit.Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.limiters[job.Name]
	if !ok {
		rl := job.RateLimit
		cfg := ratelimit.Config{}
		if rl != nil {
			cfg = ratelimit.Config{Capacity: rl.Capacity, RefillRate: rl.RefillRate, RefillIntervalMs: rl.RefillIntervalMs}
		}
		b = ratelimit.New(cfg)
		e.limiters[job.Name] = b
	}
	return b
}

func withRunID(ctx context.Context, runID string) context.Context {
	return runctx.With(ctx, runID)
}
