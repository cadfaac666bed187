package planner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/tz"
)

// domSpec is the day-of-month field, including the Quartz modifiers L, L-N
// and dW (nearest weekday).
type domSpec struct {
	kind   string // any | list | last | lastN | nearestWeekday
	values []int
	n      int
}

// dowSpec is the day-of-week field, including the Quartz modifiers dL (last
// weekday d of month) and d#n (nth weekday d of month).
type dowSpec struct {
	kind    string // any | list | nth | last
	values  []int
	weekday int
	n       int
}

func constrained(kind string) bool { return kind != "any" }

func parseDom(field string) (domSpec, error) {
	f := strings.ToUpper(strings.TrimSpace(field))
	switch {
	case f == "?" || f == "*":
		return domSpec{kind: "any"}, nil
	case f == "L":
		return domSpec{kind: "last"}, nil
	case strings.HasPrefix(f, "L-"):
		n, err := strconv.Atoi(f[2:])
		if err != nil || n < 0 {
			return domSpec{}, domain.NewError(domain.KindValidation, "planner.parseDom", domain.ErrInvalidCron)
		}
		return domSpec{kind: "lastN", n: n}, nil
	case strings.HasSuffix(f, "W"):
		n, err := strconv.Atoi(strings.TrimSuffix(f, "W"))
		if err != nil || n < 1 || n > 31 {
			return domSpec{}, domain.NewError(domain.KindValidation, "planner.parseDom", domain.ErrInvalidCron)
		}
		return domSpec{kind: "nearestWeekday", n: n}, nil
	default:
		vals, err := parseNumericField(f, 1, 31, nil)
		if err != nil {
			return domSpec{}, err
		}
		return domSpec{kind: "list", values: vals}, nil
	}
}

func parseDow(field string) (dowSpec, error) {
	f := strings.ToUpper(strings.TrimSpace(field))
	switch {
	case f == "?" || f == "*":
		return dowSpec{kind: "any"}, nil
	case strings.Contains(f, "#"):
		parts := strings.SplitN(f, "#", 2)
		wd, err := parseToken(parts[0], dayNames)
		if err != nil {
			return dowSpec{}, err
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 || n > 5 {
			return dowSpec{}, domain.NewError(domain.KindValidation, "planner.parseDow", domain.ErrInvalidCron)
		}
		return dowSpec{kind: "nth", weekday: wd, n: n}, nil
	case strings.HasSuffix(f, "L"):
		wd, err := parseToken(strings.TrimSuffix(f, "L"), dayNames)
		if err != nil {
			return dowSpec{}, err
		}
		return dowSpec{kind: "last", weekday: wd}, nil
	default:
		vals, err := parseNumericField(f, 0, 6, dayNames)
		if err != nil {
			return dowSpec{}, err
		}
		return dowSpec{kind: "list", values: vals}, nil
	}
}

func lastDayOfMonth(year, month int) int {
	return time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC).Day()
}

// nearestWeekday implements the Quartz W modifier: the weekday nearest to
// day n within the month, never crossing a month boundary.
func nearestWeekday(year, month, n, lastDay int) int {
	wd := time.Date(year, time.Month(month), n, 0, 0, 0, 0, time.UTC).Weekday()
	switch wd {
	case time.Saturday:
		if n-1 >= 1 {
			return n - 1
		}
		return n + 2
	case time.Sunday:
		if n+1 <= lastDay {
			return n + 1
		}
		return n - 2
	default:
		return n
	}
}

func (d domSpec) match(year, month, day, lastDay int) bool {
	switch d.kind {
	case "any":
		return true
	case "list":
		return containsInt(d.values, day)
	case "last":
		return day == lastDay
	case "lastN":
		return day == lastDay-d.n
	case "nearestWeekday":
		return day == nearestWeekday(year, month, d.n, lastDay)
	default:
		return false
	}
}

func (d dowSpec) match(year, month, day, weekday, lastDay int) bool {
	switch d.kind {
	case "any":
		return true
	case "list":
		return containsInt(d.values, weekday)
	case "nth":
		if weekday != d.weekday {
			return false
		}
		return (day-1)/7+1 == d.n
	case "last":
		if weekday != d.weekday {
			return false
		}
		return day+7 > lastDay
	default:
		return false
	}
}

// cronSpec is the hand-rolled Quartz-style planner for expressions carrying
// seconds and/or the '?', 'L', 'W', '#' modifiers that robfig/cron's
// standard 5-field grammar does not express.
type cronSpec struct {
	common
	seconds, minutes, hours, months []int
	years                           []int // nil means unconstrained
	dom                             domSpec
	dow                             dowSpec
}

func (c *cronSpec) dayMatches(year, month, day, weekday int) bool {
	lastDay := lastDayOfMonth(year, month)
	return c.dom.match(year, month, day, lastDay) && c.dow.match(year, month, day, weekday, lastDay)
}

func (c *cronSpec) Next(after time.Time) (time.Time, bool) {
	local := after.In(c.loc)
	y0, mo0, d0 := local.Date()
	h0, mi0, s0 := local.Clock()
	base := time.Date(y0, mo0, d0, 0, 0, 0, 0, c.loc)

	for dayOffset := 0; dayOffset < maxIterations; dayOffset++ {
		day := base.AddDate(0, 0, dayOffset)
		y, mo, da := day.Date()
		month := int(mo)
		if c.years != nil && !containsInt(c.years, y) {
			continue
		}
		if !containsInt(c.months, month) {
			continue
		}
		weekday := int(day.Weekday())
		if !c.dayMatches(y, month, da, weekday) {
			continue
		}
		if c.calendar != nil && !c.calendar.Accepts(y, month, da) {
			continue
		}

		first := dayOffset == 0
		for _, h := range c.hours {
			if first && h < h0 {
				continue
			}
			for _, mi := range c.minutes {
				if first && h == h0 && mi < mi0 {
					continue
				}
				for _, s := range c.seconds {
					if first && h == h0 && mi == mi0 && s <= s0 {
						continue
					}
					f := tz.Fields{Year: y, Month: month, Day: da, Hour: h, Minute: mi, Second: s}
					if !tz.Exists(f, c.loc) {
						continue
					}
					t := tz.ToInstant(f, c.loc)
					if !t.After(after) {
						continue
					}
					if c.startAt != nil && t.Before(*c.startAt) {
						continue
					}
					if c.endAt != nil && t.After(*c.endAt) {
						return time.Time{}, false
					}
					if c.maxRuns > 0 && c.fired >= c.maxRuns {
						return time.Time{}, false
					}
					c.markFired()
					return t, true
				}
			}
		}
	}
	return time.Time{}, false
}

// stdCron wraps robfig/cron's standard 5-field (min hour dom mon dow)
// parser as the fast path for expressions with no seconds field and no
// Quartz modifiers.
type stdCron struct {
	common
	sched robfigcron.Schedule
}

func (s *stdCron) Next(after time.Time) (time.Time, bool) {
	cursor := after.In(s.loc)
	for i := 0; i < maxIterations; i++ {
		next := s.sched.Next(cursor)
		if next.IsZero() {
			return time.Time{}, false
		}
		if s.endAt != nil && next.After(*s.endAt) {
			return time.Time{}, false
		}
		if s.maxRuns > 0 && s.fired >= s.maxRuns {
			return time.Time{}, false
		}
		if s.startAt != nil && next.Before(*s.startAt) {
			cursor = next
			continue
		}
		if s.calendar != nil && !s.calendar.AcceptsTime(next) {
			cursor = next
			continue
		}
		s.markFired()
		return next, true
	}
	return time.Time{}, false
}

func hasQuartzTokens(expr string) bool {
	return strings.ContainsAny(expr, "?LW#")
}

// NewCron builds the cron planner from §4.4: extended cron with seconds,
// Quartz modifiers, local-timezone iteration with DST-gap skip, and a
// 200k-step enumeration cap.
func NewCron(opts domain.TriggerOptions) (Planner, error) {
	c, err := newCommon(opts)
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(opts.CronExpr)
	fields := strings.Fields(expr)

	if len(fields) == 5 && !hasQuartzTokens(expr) {
		sched, err := robfigcron.ParseStandard(expr)
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, "planner.NewCron", fmt.Errorf("%w: %v", domain.ErrInvalidCron, err))
		}
		return &stdCron{common: c, sched: sched}, nil
	}

	if len(fields) != 6 && len(fields) != 7 {
		return nil, domain.NewError(domain.KindValidation, "planner.NewCron", domain.ErrInvalidCron)
	}

	seconds, err := parseNumericField(fields[0], 0, 59, nil)
	if err != nil {
		return nil, err
	}
	minutes, err := parseNumericField(fields[1], 0, 59, nil)
	if err != nil {
		return nil, err
	}
	hours, err := parseNumericField(fields[2], 0, 23, nil)
	if err != nil {
		return nil, err
	}
	dom, err := parseDom(fields[3])
	if err != nil {
		return nil, err
	}
	months, err := parseNumericField(fields[4], 1, 12, monthNames)
	if err != nil {
		return nil, err
	}
	dow, err := parseDow(fields[5])
	if err != nil {
		return nil, err
	}
	var years []int
	if len(fields) == 7 && strings.ToUpper(strings.TrimSpace(fields[6])) != "*" {
		years, err = parseNumericField(fields[6], 1970, 2200, nil)
		if err != nil {
			return nil, err
		}
	}
	if constrained(dom.kind) && constrained(dow.kind) {
		return nil, domain.NewError(domain.KindValidation, "planner.NewCron", domain.ErrInvalidCron)
	}

	return &cronSpec{
		common:  c,
		seconds: seconds, minutes: minutes, hours: hours, months: months, years: years,
		dom: dom, dow: dow,
	}, nil
}
