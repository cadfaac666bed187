package planner

import (
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

// everySpec is the fixed-interval planner from §4.4: fires at
// anchor + k*interval for the smallest k producing an instant after "after".
type everySpec struct {
	common
	interval time.Duration
	anchor   time.Time
}

// NewEvery builds the interval planner. The anchor is startAt if the trigger
// has one, otherwise the trigger's creation instant, shifted by the phase
// offset so staggered triggers with the same interval don't all fire in
// lockstep.
func NewEvery(opts domain.TriggerOptions, createdAt time.Time) (Planner, error) {
	c, err := newCommon(opts)
	if err != nil {
		return nil, err
	}
	if opts.EveryMs <= 0 {
		return nil, domain.NewError(domain.KindValidation, "planner.NewEvery", domain.ErrInvalidDuration)
	}
	anchor := createdAt
	if opts.StartAt != nil {
		anchor = *opts.StartAt
	}
	anchor = anchor.Add(time.Duration(opts.PhaseOffsetMs) * time.Millisecond)
	return &everySpec{common: c, interval: time.Duration(opts.EveryMs) * time.Millisecond, anchor: anchor}, nil
}

func (e *everySpec) Next(after time.Time) (time.Time, bool) {
	k := int64(0)
	if diff := after.Sub(e.anchor); diff >= 0 {
		k = int64(diff/e.interval) + 1
	}
	for i := 0; i < maxIterations; i++ {
		t := e.anchor.Add(e.interval * time.Duration(k))
		if !t.After(after) {
			k++
			continue
		}
		if e.startAt != nil && t.Before(*e.startAt) {
			k++
			continue
		}
		if e.endAt != nil && t.After(*e.endAt) {
			return time.Time{}, false
		}
		if e.maxRuns > 0 && e.fired >= e.maxRuns {
			return time.Time{}, false
		}
		if e.calendar != nil {
			local := t.In(e.loc)
			if !e.calendar.Accepts(local.Year(), int(local.Month()), local.Day()) {
				k++
				continue
			}
		}
		e.markFired()
		return t, true
	}
	return time.Time{}, false
}
