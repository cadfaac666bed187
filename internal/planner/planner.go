// Package planner implements the trigger planners from §4.4: pure functions
// of "next fire strictly after an instant" for each trigger kind, unified
// behind one interface the engine depends on (§9 "Replacing dynamic trigger
// dispatch").
package planner

import (
	"strconv"
	"strings"
	"time"

	"github.com/kairos-sched/kairos/internal/calendar"
	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/tz"
)

// Planner yields the next fire instant strictly after a given instant, or
// ok=false once the series is exhausted.
type Planner interface {
	Next(after time.Time) (next time.Time, ok bool)
}

// maxIterations bounds cron/rrule enumeration per §4.4.
const maxIterations = 200_000

// common holds the fields shared by every trigger kind: zone, calendar
// filter, start/end bounds and a run cap, applied uniformly so individual
// planners only need to generate raw candidates.
type common struct {
	loc      *time.Location
	calendar *calendar.Filter
	startAt  *time.Time
	endAt    *time.Time
	maxRuns  int
	fired    int
}

func newCommon(opts domain.TriggerOptions) (common, error) {
	loc, err := tz.Location(opts.Timezone)
	if err != nil {
		return common{}, domain.NewError(domain.KindValidation, "planner.newCommon", err)
	}
	filt, err := calendar.New(opts.Calendars)
	if err != nil {
		return common{}, err
	}
	return common{loc: loc, calendar: filt, startAt: opts.StartAt, endAt: opts.EndAt, maxRuns: opts.MaxRuns}, nil
}

// admit applies the shared end/maxRuns/calendar constraints to a raw
// candidate instant t. Returns ok=false if t should be rejected outright
// (series exhausted for this and all later candidates is signaled by the
// caller via a separate "exhausted" return from the raw generator).
func (c *common) admit(t time.Time) bool {
	if c.endAt != nil && t.After(*c.endAt) {
		return false
	}
	if c.maxRuns > 0 && c.fired >= c.maxRuns {
		return false
	}
	if c.calendar != nil {
		local := t.In(c.loc)
		if !c.calendar.Accepts(local.Year(), int(local.Month()), local.Day()) {
			return false
		}
	}
	return true
}

func (c *common) markFired() { c.fired++ }

// New builds the Planner for opts, dispatching on Kind.
func New(opts domain.TriggerOptions, createdAt time.Time) (Planner, error) {
	switch opts.Kind {
	case domain.KindCron:
		return NewCron(opts)
	case domain.KindEvery:
		return NewEvery(opts, createdAt)
	case domain.KindAt:
		return NewAt(opts)
	case domain.KindRRule:
		return NewRRule(opts)
	default:
		return nil, domain.NewError(domain.KindConfiguration, "planner.New", domain.ErrInvalidCron)
	}
}

// ParseDuration parses the human duration grammar from §6.4: an integer
// with an optional unit suffix ms|s|m|h|d; a bare integer is milliseconds.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, domain.NewError(domain.KindValidation, "planner.ParseDuration", domain.ErrInvalidDuration)
	}
	units := []struct {
		suffix string
		ms     int64
	}{
		{"ms", 1},
		{"s", 1000},
		{"m", 60_000},
		{"h", 3_600_000},
		{"d", 86_400_000},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numPart := strings.TrimSuffix(s, u.suffix)
			if numPart == "" {
				continue
			}
			n, err := strconv.ParseInt(numPart, 10, 64)
			if err != nil {
				return 0, domain.NewError(domain.KindValidation, "planner.ParseDuration", domain.ErrInvalidDuration)
			}
			return n * u.ms, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, domain.NewError(domain.KindValidation, "planner.ParseDuration", domain.ErrInvalidDuration)
	}
	return n, nil
}
