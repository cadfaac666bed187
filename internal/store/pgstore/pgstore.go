package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/store"
)

// Store is the postgres-backed store.Store implementation. Jobs registered
// against it must use Worker (an opaque WorkerDescriptor an external
// executor process interprets) rather than an in-process Handler — a Go
// closure cannot round-trip through a jsonb column, so Handler is never
// persisted here; callers running pgstore re-attach Handler in memory
// after GetJob if they run a single-process deployment against it.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Use NewPool to build one.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping satisfies internal/health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ store.Store = (*Store)(nil)

func marshal(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (s *Store) UpsertJob(ctx context.Context, job *domain.Job) error {
	retries, err := marshal(job.Retries)
	if err != nil {
		return err
	}
	rateLimit, err := marshal(job.RateLimit)
	if err != nil {
		return err
	}
	metadata, err := marshal(job.Metadata)
	if err != nil {
		return err
	}
	worker, err := marshal(job.Worker)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (name, concurrency, timeout_ms, retries, rate_limit, metadata, worker, paused)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			concurrency = EXCLUDED.concurrency,
			timeout_ms  = EXCLUDED.timeout_ms,
			retries     = EXCLUDED.retries,
			rate_limit  = EXCLUDED.rate_limit,
			metadata    = EXCLUDED.metadata,
			worker      = EXCLUDED.worker,
			paused      = jobs.paused`,
		job.Name, job.Concurrency, job.TimeoutMs, retries, rateLimit, metadata, worker, job.Paused,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, name string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, concurrency, timeout_ms, retries, rate_limit, metadata, worker, paused
		FROM jobs WHERE name = $1`, name)
	return scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, concurrency, timeout_ms, retries, rate_limit, metadata, worker, paused
		FROM jobs ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) SetJobPaused(ctx context.Context, name string, paused bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET paused = $2 WHERE name = $1`, name, paused)
	if err != nil {
		return fmt.Errorf("set job paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindNotFound, "pgstore.SetJobPaused", domain.ErrJobNotFound)
	}
	return nil
}

func (s *Store) RemoveJob(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	var retries, rateLimit, metadata, worker []byte
	err := row.Scan(&j.Name, &j.Concurrency, &j.TimeoutMs, &retries, &rateLimit, &metadata, &worker, &j.Paused)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, "pgstore.scanJob", domain.ErrJobNotFound)
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := unmarshalIfPresent(retries, &j.Retries); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(rateLimit, &j.RateLimit); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(metadata, &j.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(worker, &j.Worker); err != nil {
		return nil, err
	}
	return &j, nil
}

func unmarshalIfPresent(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) UpsertTrigger(ctx context.Context, trig *domain.Trigger) error {
	options, err := marshal(trig.Options)
	if err != nil {
		return err
	}
	metadata, err := marshal(trig.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO triggers (
			id, job, options, priority, metadata, next_run_at, last_run_at,
			failure_count, paused, revision, lease_owner, leased_until, runs_fired
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			job = EXCLUDED.job, options = EXCLUDED.options, priority = EXCLUDED.priority,
			metadata = EXCLUDED.metadata, next_run_at = EXCLUDED.next_run_at,
			last_run_at = EXCLUDED.last_run_at, failure_count = EXCLUDED.failure_count,
			paused = EXCLUDED.paused, revision = EXCLUDED.revision,
			lease_owner = EXCLUDED.lease_owner, leased_until = EXCLUDED.leased_until,
			runs_fired = EXCLUDED.runs_fired`,
		trig.ID, trig.Job, options, trig.Priority, metadata, trig.NextRunAt, trig.LastRunAt,
		trig.FailureCount, trig.Paused, trig.Revision, trig.LeaseOwner, trig.LeasedUntil, trig.RunsFired,
	)
	if err != nil {
		return fmt.Errorf("upsert trigger: %w", err)
	}
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*domain.Trigger, error) {
	row := s.pool.QueryRow(ctx, triggerSelect+` WHERE id = $1`, id)
	return scanTrigger(row)
}

func (s *Store) ListTriggers(ctx context.Context) ([]*domain.Trigger, error) {
	rows, err := s.pool.Query(ctx, triggerSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	return nil
}

const triggerSelect = `
	SELECT id, job, options, priority, metadata, next_run_at, last_run_at,
	       failure_count, paused, revision, lease_owner, leased_until, runs_fired
	FROM triggers`

func scanTrigger(row rowScanner) (*domain.Trigger, error) {
	var t domain.Trigger
	var options, metadata []byte
	var leaseOwner *string
	err := row.Scan(&t.ID, &t.Job, &options, &t.Priority, &metadata, &t.NextRunAt, &t.LastRunAt,
		&t.FailureCount, &t.Paused, &t.Revision, &leaseOwner, &t.LeasedUntil, &t.RunsFired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, "pgstore.scanTrigger", domain.ErrTriggerNotFound)
		}
		return nil, fmt.Errorf("scan trigger: %w", err)
	}
	if leaseOwner != nil {
		t.LeaseOwner = *leaseOwner
	}
	if err := unmarshalIfPresent(options, &t.Options); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(metadata, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListDueTriggers mirrors the teacher's ClaimAndFire SELECT, minus the
// claim itself (claiming is a separate call here so the engine can decide
// per-trigger whether to actually fire before committing to a lease).
func (s *Store) ListDueTriggers(ctx context.Context, until time.Time, limit int) ([]*domain.Trigger, error) {
	rows, err := s.pool.Query(ctx, triggerSelect+`
		WHERE NOT paused AND next_run_at <= $1
		  AND (leased_until IS NULL OR leased_until <= NOW())
		ORDER BY next_run_at ASC, priority DESC, id ASC
		LIMIT $2`, until, limit)
	if err != nil {
		return nil, fmt.Errorf("list due triggers: %w", err)
	}
	defer rows.Close()
	var out []*domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTrigger uses a conditional UPDATE rather than SELECT ... FOR UPDATE
// SKIP LOCKED followed by a second write, since the lease columns live on
// the same row being claimed and a single statement is already atomic.
func (s *Store) ClaimTrigger(ctx context.Context, triggerID, ownerID string, leaseMs int64) (bool, error) {
	leaseUntil := time.Now().Add(time.Duration(leaseMs) * time.Millisecond)
	tag, err := s.pool.Exec(ctx, `
		UPDATE triggers SET lease_owner = $2, leased_until = $3
		WHERE id = $1 AND (leased_until IS NULL OR leased_until <= NOW())`,
		triggerID, ownerID, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseTrigger(ctx context.Context, triggerID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE triggers SET lease_owner = NULL, leased_until = NULL
		WHERE id = $1 AND lease_owner = $2`, triggerID, ownerID)
	if err != nil {
		return fmt.Errorf("release trigger: %w", err)
	}
	return nil
}

// RecordRunStart is idempotent on run_id (a retried dispatch of the same
// RunID is a safe no-op) and additionally enforces uniqueness on a
// non-empty idempotency_key: a second RunID trying to claim a key already
// held by a different run is rejected as domain.ErrDuplicateRun rather
// than silently inserted, since there's no unique constraint on that
// column in this deployment's schema to lean on for a single-statement
// ON CONFLICT.
func (s *Store) RecordRunStart(ctx context.Context, run *domain.Run) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id = $1)`, run.RunID).Scan(&exists); err != nil {
		return fmt.Errorf("record run start: check existing: %w", err)
	}
	if exists {
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, trigger_id, job, idempotency_key, scheduled_at, started_at, attempt, status, heartbeat_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8,$6
		WHERE $4 = '' OR NOT EXISTS (SELECT 1 FROM runs WHERE idempotency_key = $4)`,
		run.RunID, run.TriggerID, run.Job, run.IdempotencyKey, run.ScheduledAt, run.StartedAt, run.Attempt, run.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.NewError(domain.KindConflict, "pgstore.RecordRunStart", domain.ErrDuplicateRun)
		}
		return fmt.Errorf("record run start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindConflict, "pgstore.RecordRunStart", domain.ErrDuplicateRun)
	}
	return nil
}

func (s *Store) RecordRunEnd(ctx context.Context, runID string, end store.RunEnd) error {
	result, err := marshal(end.Result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, ended_at = $3, result = $4, error = $5
		WHERE run_id = $1`, runID, end.Status, end.EndedAt, result, end.Error)
	if err != nil {
		return fmt.Errorf("record run end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindNotFound, "pgstore.RecordRunEnd", domain.ErrRunNotFound)
	}
	return nil
}

func (s *Store) TouchRun(ctx context.Context, runID string, progress *int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET heartbeat_at = NOW(), progress = COALESCE($2, progress)
		WHERE run_id = $1`, runID, progress)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewError(domain.KindNotFound, "pgstore.TouchRun", domain.ErrRunNotFound)
	}
	return nil
}

func (s *Store) FindStalledRuns(ctx context.Context, heartbeatTimeoutMs int64, now time.Time) ([]*domain.Run, error) {
	cutoff := now.Add(-time.Duration(heartbeatTimeoutMs) * time.Millisecond)
	rows, err := s.pool.Query(ctx, runSelect+`
		WHERE status = $1 AND heartbeat_at < $2`, domain.StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stalled runs: %w", err)
	}
	defer rows.Close()
	var out []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, runSelect+` WHERE run_id = $1`, runID)
	return scanRun(row)
}

const runSelect = `
	SELECT run_id, trigger_id, job, idempotency_key, scheduled_at, started_at, ended_at,
	       attempt, status, progress, heartbeat_at, result, error
	FROM runs`

func scanRun(row rowScanner) (*domain.Run, error) {
	var r domain.Run
	var result []byte
	err := row.Scan(&r.RunID, &r.TriggerID, &r.Job, &r.IdempotencyKey, &r.ScheduledAt, &r.StartedAt, &r.EndedAt,
		&r.Attempt, &r.Status, &r.Progress, &r.HeartbeatAt, &result, &r.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError(domain.KindNotFound, "pgstore.scanRun", domain.ErrRunNotFound)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := unmarshalIfPresent(result, &r.Result); err != nil {
		return nil, err
	}
	return &r, nil
}
