package domain

import "context"

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusStalled   Status = "stalled"
)

// Backoff names one of the built-in backoff strategy kinds a job's retry
// policy may select. "custom" means RetryPolicy.Custom is used instead.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
	BackoffCustom      Backoff = "custom"
)

// RetryPolicy controls how a job is retried after a failed run.
type RetryPolicy struct {
	MaxAttempts int
	Strategy    Backoff
	BaseDelayMs int64
	FactorX100  int64 // exponential factor * 100, avoids float in config
	MaxDelayMs  int64
	JitterRatio float64
	Custom      func(attempt int) int64 // used when Strategy == BackoffCustom
}

// RateLimitPolicy configures a per-job token bucket.
type RateLimitPolicy struct {
	Capacity         int
	RefillRate       int
	RefillIntervalMs int64
	Burst            int
	WindowMs         int64
}

// RunContext is handed to a job Handler on invocation.
type RunContext struct {
	context.Context

	RunID       string
	TriggerID   string
	JobName     string
	Payload     map[string]any
	ScheduledAt int64 // unix ms
	Attempt     int

	touch func(progress *int) error
}

// Touch records a heartbeat and, optionally, a monotonically increasing
// progress value in [0, 100]. Rejected progress values leave the stored
// progress unchanged and do not fail the run (see §8 Progress monotonicity).
func (rc *RunContext) Touch(progress *int) error {
	return rc.touch(progress)
}

// NewRunContext is used by the engine to construct the handler-facing
// context; exported so alternative executors (webhookexec) can build one
// in tests without importing engine internals.
func NewRunContext(ctx context.Context, runID, triggerID, jobName string, payload map[string]any, scheduledAt int64, attempt int, touch func(progress *int) error) *RunContext {
	return &RunContext{
		Context:     ctx,
		RunID:       runID,
		TriggerID:   triggerID,
		JobName:     jobName,
		Payload:     payload,
		ScheduledAt: scheduledAt,
		Attempt:     attempt,
		touch:       touch,
	}
}

// HandlerResult is what a job handler returns.
type HandlerResult struct {
	Result map[string]any
}

// Handler is a user-provided job executor. Returning an error fails the run
// (subject to retry policy); ctx.Done() fires on timeout or shutdown.
type Handler func(rc *RunContext) (HandlerResult, error)

// WorkerDescriptor is the "abstract worker definition" alternative to a
// Handler: an opaque reference an external executor interprets. The core
// never interprets it itself.
type WorkerDescriptor struct {
	Kind   string
	Params map[string]any
}

// Job is the persistent registration of a unit of schedulable work.
type Job struct {
	Name        string
	Concurrency int
	TimeoutMs   int64
	Retries     *RetryPolicy
	RateLimit   *RateLimitPolicy
	Metadata    map[string]string

	Handler  Handler           // in-process handler, OR
	Worker   *WorkerDescriptor // abstract descriptor for an external executor

	Paused bool
}

// Validate enforces the job-level configuration invariant from §3: a job
// with neither a handler nor a worker descriptor is a configuration error,
// but that error only surfaces when a run actually starts.
func (j *Job) Validate() error {
	if j.Handler == nil && j.Worker == nil {
		return NewError(KindConfiguration, "job.Validate", ErrJobMisconfigured)
	}
	return nil
}

// EffectiveConcurrency returns the configured concurrency, defaulting to 1.
func (j *Job) EffectiveConcurrency() int {
	if j.Concurrency <= 0 {
		return 1
	}
	return j.Concurrency
}
