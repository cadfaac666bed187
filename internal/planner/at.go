package planner

import (
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

// atSpec is the single-shot planner from §4.4: fires exactly once, at RunAt.
type atSpec struct {
	common
	runAt time.Time
}

func NewAt(opts domain.TriggerOptions) (Planner, error) {
	c, err := newCommon(opts)
	if err != nil {
		return nil, err
	}
	if opts.RunAt.IsZero() {
		return nil, domain.NewError(domain.KindValidation, "planner.NewAt", domain.ErrInvalidCron)
	}
	return &atSpec{common: c, runAt: opts.RunAt}, nil
}

func (a *atSpec) Next(after time.Time) (time.Time, bool) {
	if a.fired > 0 {
		return time.Time{}, false
	}
	if !a.runAt.After(after) {
		return time.Time{}, false
	}
	if a.startAt != nil && a.runAt.Before(*a.startAt) {
		return time.Time{}, false
	}
	if a.endAt != nil && a.runAt.After(*a.endAt) {
		return time.Time{}, false
	}
	if a.calendar != nil {
		local := a.runAt.In(a.loc)
		if !a.calendar.Accepts(local.Year(), int(local.Month()), local.Day()) {
			return time.Time{}, false
		}
	}
	a.markFired()
	return a.runAt, true
}
