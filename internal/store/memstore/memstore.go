// Package memstore is the in-process reference Store implementation from
// §4.9: a map of triggers keyed by id, sorted at query time, with the due-trigger query
// and lease computed in-process rather than pushed down to a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/store"
)

// Store is a single-process, non-persistent implementation of store.Store.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	jobs     map[string]*domain.Job
	triggers map[string]*domain.Trigger
	runs     map[string]*domain.Run

	// runIdempotency maps a non-empty Run.IdempotencyKey to the RunID that
	// first claimed it, so a second dispatch of the same (triggerID,
	// scheduledAt) pair under a fresh RunID is caught as a conflict.
	runIdempotency map[string]string
}

// New builds an empty Store. A nil clock defaults to the real clock.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{
		clock:          c,
		jobs:           map[string]*domain.Job{},
		triggers:       map[string]*domain.Trigger{},
		runs:           map[string]*domain.Run{},
		runIdempotency: map[string]string{},
	}
}

// Ping always succeeds: an in-process map has no connectivity to lose.
// Satisfies internal/health.Pinger for parity with pgstore.
func (s *Store) Ping(_ context.Context) error { return nil }

func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	return &cp
}

func copyTrigger(t *domain.Trigger) *domain.Trigger {
	cp := *t
	return &cp
}

func copyRun(r *domain.Run) *domain.Run {
	cp := *r
	return &cp
}

func (s *Store) UpsertJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = copyJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, name string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "memstore.GetJob", domain.ErrJobNotFound)
	}
	return copyJob(j), nil
}

func (s *Store) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *Store) SetJobPaused(ctx context.Context, name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return domain.NewError(domain.KindNotFound, "memstore.SetJobPaused", domain.ErrJobNotFound)
	}
	j.Paused = paused
	return nil
}

func (s *Store) RemoveJob(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return domain.NewError(domain.KindNotFound, "memstore.RemoveJob", domain.ErrJobNotFound)
	}
	delete(s.jobs, name)
	return nil
}

func (s *Store) UpsertTrigger(ctx context.Context, trig *domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trig.ID] = copyTrigger(trig)
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "memstore.GetTrigger", domain.ErrTriggerNotFound)
	}
	return copyTrigger(t), nil
}

func (s *Store) ListTriggers(ctx context.Context) ([]*domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, copyTrigger(t))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return domain.NewError(domain.KindNotFound, "memstore.DeleteTrigger", domain.ErrTriggerNotFound)
	}
	delete(s.triggers, id)
	return nil
}

func (s *Store) ListDueTriggers(ctx context.Context, until time.Time, limit int) ([]*domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var due []*domain.Trigger
	for _, t := range s.triggers {
		if t.Paused || t.NextRunAt == nil || t.NextRunAt.After(until) {
			continue
		}
		if t.LeaseOwner != "" && t.LeasedUntil != nil && now.Before(*t.LeasedUntil) {
			continue
		}
		due = append(due, copyTrigger(t))
	}
	sort.Slice(due, func(i, k int) bool {
		a, b := due[i], due[k]
		if !a.NextRunAt.Equal(*b.NextRunAt) {
			return a.NextRunAt.Before(*b.NextRunAt)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ClaimTrigger(ctx context.Context, triggerID, ownerID string, leaseMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[triggerID]
	if !ok {
		return false, domain.NewError(domain.KindNotFound, "memstore.ClaimTrigger", domain.ErrTriggerNotFound)
	}
	now := s.clock.Now()
	free := t.LeaseOwner == "" || t.LeasedUntil == nil || !now.Before(*t.LeasedUntil)
	if !free {
		return false, nil
	}
	until := now.Add(time.Duration(leaseMs) * time.Millisecond)
	t.LeaseOwner = ownerID
	t.LeasedUntil = &until
	return true, nil
}

func (s *Store) ReleaseTrigger(ctx context.Context, triggerID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[triggerID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "memstore.ReleaseTrigger", domain.ErrTriggerNotFound)
	}
	if t.LeaseOwner != ownerID {
		return domain.NewError(domain.KindConflict, "memstore.ReleaseTrigger", domain.ErrLeaseHeldByOther)
	}
	t.LeaseOwner = ""
	t.LeasedUntil = nil
	return nil
}

func (s *Store) RecordRunStart(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return nil
	}
	if run.IdempotencyKey != "" {
		if holder, claimed := s.runIdempotency[run.IdempotencyKey]; claimed && holder != run.RunID {
			return domain.NewError(domain.KindConflict, "memstore.RecordRunStart", domain.ErrDuplicateRun)
		}
		s.runIdempotency[run.IdempotencyKey] = run.RunID
	}
	s.runs[run.RunID] = copyRun(run)
	return nil
}

func (s *Store) RecordRunEnd(ctx context.Context, runID string, end store.RunEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "memstore.RecordRunEnd", domain.ErrRunNotFound)
	}
	r.Status = end.Status
	endedAt := end.EndedAt
	r.EndedAt = &endedAt
	r.Result = end.Result
	r.Error = end.Error
	return nil
}

func (s *Store) TouchRun(ctx context.Context, runID string, progress *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.NewError(domain.KindNotFound, "memstore.TouchRun", domain.ErrRunNotFound)
	}
	now := s.clock.Now()
	r.HeartbeatAt = &now
	if progress != nil {
		r.Progress = progress
	}
	return nil
}

func (s *Store) FindStalledRuns(ctx context.Context, heartbeatTimeoutMs int64, now time.Time) ([]*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-time.Duration(heartbeatTimeoutMs) * time.Millisecond)
	var out []*domain.Run
	for _, r := range s.runs {
		if r.Status != domain.StatusRunning {
			continue
		}
		if r.HeartbeatAt == nil || r.HeartbeatAt.Before(cutoff) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunID < out[k].RunID })
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "memstore.GetRun", domain.ErrRunNotFound)
	}
	return copyRun(r), nil
}

var _ store.Store = (*Store)(nil)
