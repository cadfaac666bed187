package domain

import "time"

// MisfirePolicy controls how the drainer reconciles a trigger whose planned
// fire time has already lagged past the misfire tolerance.
type MisfirePolicy string

const (
	MisfireSkip    MisfirePolicy = "skip"
	MisfireFireNow MisfirePolicy = "fire-now"
	MisfireCatchUp MisfirePolicy = "catch-up"
)

// TriggerKind tags which planner a Trigger's Options select.
type TriggerKind string

const (
	KindCron  TriggerKind = "cron"
	KindEvery TriggerKind = "every"
	KindAt    TriggerKind = "at"
	KindRRule TriggerKind = "rrule"
)

// CalendarRule is one include/exclude entry in a calendar filter, e.g.
// {Include: []string{"2024-01-*"}, Exclude: []string{"2024-01-01"}}.
type CalendarRule struct {
	Include []string
	Exclude []string
}

// TriggerOptions is the tagged-variant parameter set for all trigger kinds
// (§4.4, §9 "Replacing dynamic trigger dispatch").
type TriggerOptions struct {
	Kind TriggerKind

	// Common to all kinds.
	Timezone      string
	Calendars     []CalendarRule
	MisfirePolicy MisfirePolicy
	StartAt       *time.Time
	EndAt         *time.Time
	MaxRuns       int
	IdempotencyKey string

	// cron
	CronExpr string

	// every
	EveryMs      int64
	PhaseOffsetMs int64

	// at
	RunAt time.Time

	// rrule
	RRule      string
	EXDates    []time.Time
	DTStart    *time.Time
}

// Trigger is the persistent record of a planned fire sequence for a job.
type Trigger struct {
	ID       string
	Job      string
	Options  TriggerOptions
	Priority int
	Metadata map[string]string

	NextRunAt    *time.Time
	LastRunAt    *time.Time
	FailureCount int
	Paused       bool
	Revision     int64

	LeaseOwner  string
	LeasedUntil *time.Time

	RunsFired int // count of runs this trigger has fired, used against MaxRuns
}

// LeaseValid reports whether ownerID currently holds a live lease on t as of now.
func (t *Trigger) LeaseValid(ownerID string, now time.Time) bool {
	return t.LeaseOwner == ownerID && t.LeasedUntil != nil && now.Before(*t.LeasedUntil)
}

// Run is one execution attempt of a job, belonging to exactly one trigger.
type Run struct {
	RunID          string
	TriggerID      string
	Job            string
	IdempotencyKey string

	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time

	Attempt int
	Status  Status

	Progress    *int
	HeartbeatAt *time.Time

	Result map[string]any
	Error  string
}
