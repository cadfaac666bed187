// Package store defines the persistence contract from §4.8: job/trigger
// CRUD, the due-trigger query the drainer polls, lease claim/release, and
// the run lifecycle. internal/store/memstore is the in-process reference
// implementation (§4.9); internal/store/pgstore is an optional adapter.
package store

import (
	"context"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

// RunEnd is the terminal update applied by RecordRunEnd.
type RunEnd struct {
	Status domain.Status
	EndedAt time.Time
	Result  map[string]any
	Error   string
}

// Store is the contract the engine depends on. Implementations must make
// ClaimTrigger linearizable with respect to other claims of the same
// trigger; all other writes may be single-record atomic. RecordRunStart
// with an already-present RunID must be a safe no-op (idempotent fire).
// Separately, RecordRunStart must reject a *different* RunID that reuses
// a non-empty IdempotencyKey already held by another run, returning a
// domain.Error of KindConflict wrapping domain.ErrDuplicateRun — this is
// the belt-and-suspenders guard against a trigger's (triggerID,
// scheduledAt) pair being dispatched twice under a different RunID.
type Store interface {
	UpsertJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, name string) (*domain.Job, error)
	ListJobs(ctx context.Context) ([]*domain.Job, error)
	SetJobPaused(ctx context.Context, name string, paused bool) error
	RemoveJob(ctx context.Context, name string) error

	UpsertTrigger(ctx context.Context, trig *domain.Trigger) error
	GetTrigger(ctx context.Context, id string) (*domain.Trigger, error)
	ListTriggers(ctx context.Context) ([]*domain.Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// ListDueTriggers returns triggers with paused=false, nextRunAt <= until,
	// and a free or expired lease, ordered by (nextRunAt ASC, priority DESC,
	// id ASC), capped at limit.
	ListDueTriggers(ctx context.Context, until time.Time, limit int) ([]*domain.Trigger, error)

	// ClaimTrigger atomically sets leaseOwner=ownerID, leasedUntil=now+leaseMs
	// iff the trigger is currently free (no owner, or an expired lease).
	ClaimTrigger(ctx context.Context, triggerID, ownerID string, leaseMs int64) (bool, error)
	// ReleaseTrigger clears the lease iff ownerID currently holds it.
	ReleaseTrigger(ctx context.Context, triggerID, ownerID string) error

	RecordRunStart(ctx context.Context, run *domain.Run) error
	RecordRunEnd(ctx context.Context, runID string, end RunEnd) error
	TouchRun(ctx context.Context, runID string, progress *int) error
	// FindStalledRuns returns runs in status running whose heartbeatAt is
	// older than now - heartbeatTimeoutMs.
	FindStalledRuns(ctx context.Context, heartbeatTimeoutMs int64, now time.Time) ([]*domain.Run, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}
