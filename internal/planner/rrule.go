package planner

import (
	"strconv"
	"strings"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
	"github.com/kairos-sched/kairos/internal/tz"
)

// byDayEntry is one BYDAY token: an optional ordinal ("2MO", "-1FR") plus a
// weekday 0=Sunday..6=Saturday. ordinal==0 means "every occurrence".
type byDayEntry struct {
	ordinal int
	weekday int
}

var rruleDayCode = map[string]int{
	"SU": 0, "MO": 1, "TU": 2, "WE": 3, "TH": 4, "FR": 5, "SA": 6,
}

type todTime struct{ hour, minute, second int }

// rruleSpec implements the RRULE subset from §4.4: FREQ in {DAILY, WEEKLY,
// MONTHLY}, INTERVAL, COUNT, UNTIL, BYDAY, BYMONTHDAY, BYMONTH, BYSETPOS,
// BYHOUR/BYMINUTE/BYSECOND, DTSTART and EXDATE. Under MONTHLY, BYMONTHDAY
// is not consulted when BYDAY is present; WEEKLY candidates are not
// filtered by BYMONTHDAY.
type rruleSpec struct {
	common

	freq     string
	interval int
	count    int
	until    *time.Time

	byDay      []byDayEntry
	byMonthDay []int
	byMonth    []int
	bySetPos   []int
	byHour     []int
	byMinute   []int
	bySecond   []int

	dtstart       time.Time
	dtstartDate   time.Time
	weekStartDate time.Time
	exdates       map[int64]bool
}

func parseRRuleParams(rule string) (map[string]string, error) {
	params := map[string]string{}
	for _, kv := range strings.Split(rule, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, domain.NewError(domain.KindValidation, "planner.parseRRuleParams", domain.ErrInvalidRRule)
		}
		params[strings.ToUpper(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return params, nil
}

func parseByDay(v string) ([]byDayEntry, error) {
	var out []byDayEntry
	for _, tok := range strings.Split(v, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if len(tok) < 2 {
			return nil, domain.NewError(domain.KindValidation, "planner.parseByDay", domain.ErrInvalidRRule)
		}
		code := tok[len(tok)-2:]
		wd, ok := rruleDayCode[code]
		if !ok {
			return nil, domain.NewError(domain.KindValidation, "planner.parseByDay", domain.ErrInvalidRRule)
		}
		ordinal := 0
		if ordPart := tok[:len(tok)-2]; ordPart != "" {
			n, err := strconv.Atoi(ordPart)
			if err != nil {
				return nil, domain.NewError(domain.KindValidation, "planner.parseByDay", domain.ErrInvalidRRule)
			}
			ordinal = n
		}
		out = append(out, byDayEntry{ordinal: ordinal, weekday: wd})
	}
	return out, nil
}

func parseSignedList(v string) ([]int, error) {
	var out []int
	for _, tok := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, "planner.parseSignedList", domain.ErrInvalidRRule)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseRRuleTime(v string, loc *time.Location) (time.Time, error) {
	layouts := []struct {
		layout string
		utc    bool
	}{
		{"20060102T150405Z", true},
		{"20060102T150405", false},
		{"20060102", false},
	}
	for _, l := range layouts {
		if l.utc {
			if t, err := time.Parse(l.layout, v); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(l.layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.NewError(domain.KindValidation, "planner.parseRRuleTime", domain.ErrInvalidRRule)
}

// NewRRule builds the RRULE planner from opts.RRule, anchored at DTSTART
// (opts.DTStart, falling back to opts.StartAt).
func NewRRule(opts domain.TriggerOptions) (Planner, error) {
	c, err := newCommon(opts)
	if err != nil {
		return nil, err
	}
	var dtstart time.Time
	switch {
	case opts.DTStart != nil:
		dtstart = *opts.DTStart
	case opts.StartAt != nil:
		dtstart = *opts.StartAt
	default:
		return nil, domain.NewError(domain.KindValidation, "planner.NewRRule", domain.ErrInvalidRRule)
	}

	params, err := parseRRuleParams(opts.RRule)
	if err != nil {
		return nil, err
	}
	freq := strings.ToUpper(params["FREQ"])
	if freq != "DAILY" && freq != "WEEKLY" && freq != "MONTHLY" {
		return nil, domain.NewError(domain.KindValidation, "planner.NewRRule", domain.ErrInvalidRRule)
	}

	interval := 1
	if v, ok := params["INTERVAL"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, domain.NewError(domain.KindValidation, "planner.NewRRule", domain.ErrInvalidRRule)
		}
		interval = n
	}

	count := 0
	if v, ok := params["COUNT"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, domain.NewError(domain.KindValidation, "planner.NewRRule", domain.ErrInvalidRRule)
		}
		count = n
	}

	var until *time.Time
	if v, ok := params["UNTIL"]; ok {
		t, err := parseRRuleTime(v, c.loc)
		if err != nil {
			return nil, err
		}
		until = &t
	}

	var byDay []byDayEntry
	if v, ok := params["BYDAY"]; ok {
		if byDay, err = parseByDay(v); err != nil {
			return nil, err
		}
	}
	var byMonthDay []int
	if v, ok := params["BYMONTHDAY"]; ok {
		if byMonthDay, err = parseSignedList(v); err != nil {
			return nil, err
		}
	}
	var byMonth []int
	if v, ok := params["BYMONTH"]; ok {
		if byMonth, err = parseNumericField(v, 1, 12, monthNames); err != nil {
			return nil, err
		}
	}
	var bySetPos []int
	if v, ok := params["BYSETPOS"]; ok {
		if bySetPos, err = parseSignedList(v); err != nil {
			return nil, err
		}
	}
	var byHour, byMinute, bySecond []int
	if v, ok := params["BYHOUR"]; ok {
		if byHour, err = parseNumericField(v, 0, 23, nil); err != nil {
			return nil, err
		}
	}
	if v, ok := params["BYMINUTE"]; ok {
		if byMinute, err = parseNumericField(v, 0, 59, nil); err != nil {
			return nil, err
		}
	}
	if v, ok := params["BYSECOND"]; ok {
		if bySecond, err = parseNumericField(v, 0, 59, nil); err != nil {
			return nil, err
		}
	}

	exdates := map[int64]bool{}
	for _, ex := range opts.EXDates {
		exdates[ex.UTC().Unix()] = true
	}

	dtLocal := dtstart.In(c.loc)
	dtstartDate := time.Date(dtLocal.Year(), dtLocal.Month(), dtLocal.Day(), 0, 0, 0, 0, c.loc)
	weekStartDate := dtstartDate.AddDate(0, 0, -int(dtLocal.Weekday()))

	return &rruleSpec{
		common:        c,
		freq:          freq,
		interval:      interval,
		count:         count,
		until:         until,
		byDay:         byDay,
		byMonthDay:    byMonthDay,
		byMonth:       byMonth,
		bySetPos:      bySetPos,
		byHour:        byHour,
		byMinute:      byMinute,
		bySecond:      bySecond,
		dtstart:       dtstart,
		dtstartDate:   dtstartDate,
		weekStartDate: weekStartDate,
		exdates:       exdates,
	}, nil
}

func applyBySetPosInts(days []int, pos []int) []int {
	n := len(days)
	var out []int
	for _, p := range pos {
		idx := p - 1
		if p < 0 {
			idx = n + p
		}
		if idx >= 0 && idx < n {
			out = append(out, days[idx])
		}
	}
	sortInts(out)
	return out
}

func applyBySetPosDates(days []time.Time, pos []int) []time.Time {
	n := len(days)
	var out []time.Time
	for _, p := range pos {
		idx := p - 1
		if p < 0 {
			idx = n + p
		}
		if idx >= 0 && idx < n {
			out = append(out, days[idx])
		}
	}
	return out
}

func monthlyResolveByDay(year, month int, entries []byDayEntry) []int {
	lastDay := lastDayOfMonth(year, month)
	var out []int
	for _, e := range entries {
		var occurrences []int
		for d := 1; d <= lastDay; d++ {
			wd := int(time.Date(year, time.Month(month), d, 0, 0, 0, 0, time.UTC).Weekday())
			if wd == e.weekday {
				occurrences = append(occurrences, d)
			}
		}
		switch {
		case e.ordinal == 0:
			out = append(out, occurrences...)
		case e.ordinal > 0:
			if e.ordinal-1 < len(occurrences) {
				out = append(out, occurrences[e.ordinal-1])
			}
		default:
			idx := len(occurrences) + e.ordinal
			if idx >= 0 && idx < len(occurrences) {
				out = append(out, occurrences[idx])
			}
		}
	}
	sortInts(out)
	deduped := out[:0]
	var prev = -1
	for _, v := range out {
		if v != prev {
			deduped = append(deduped, v)
			prev = v
		}
	}
	return deduped
}

func addMonths(year, month, delta int) (int, int) {
	total := year*12 + (month - 1) + delta
	y := total / 12
	m := total%12 + 1
	if m <= 0 {
		m += 12
		y--
	}
	return y, m
}

func (r *rruleSpec) monthCandidates(year, month int) []int {
	lastDay := lastDayOfMonth(year, month)
	var days []int
	switch {
	case len(r.byDay) > 0:
		days = monthlyResolveByDay(year, month, r.byDay)
	case len(r.byMonthDay) > 0:
		for _, v := range r.byMonthDay {
			d := v
			if d < 0 {
				d = lastDay + 1 + d
			}
			if d >= 1 && d <= lastDay {
				days = append(days, d)
			}
		}
		sortInts(days)
	default:
		if r.dtstartDate.Day() <= lastDay {
			days = []int{r.dtstartDate.Day()}
		}
	}
	if len(r.bySetPos) > 0 {
		days = applyBySetPosInts(days, r.bySetPos)
	}
	return days
}

func (r *rruleSpec) weekCandidates(weekStart time.Time) []time.Time {
	weekdays := make([]int, 0, len(r.byDay))
	if len(r.byDay) == 0 {
		weekdays = append(weekdays, int(r.dtstart.In(r.loc).Weekday()))
	} else {
		for _, e := range r.byDay {
			weekdays = append(weekdays, e.weekday)
		}
	}
	var out []time.Time
	for i := 0; i < 7; i++ {
		d := weekStart.AddDate(0, 0, i)
		if !containsInt(weekdays, int(d.Weekday())) {
			continue
		}
		if len(r.byMonth) > 0 && !containsInt(r.byMonth, int(d.Month())) {
			continue
		}
		out = append(out, d)
	}
	if len(r.bySetPos) > 0 {
		out = applyBySetPosDates(out, r.bySetPos)
	}
	return out
}

func (r *rruleSpec) periodDates(k int) []time.Time {
	switch r.freq {
	case "DAILY":
		d := r.dtstartDate.AddDate(0, 0, k*r.interval)
		if len(r.byMonth) > 0 && !containsInt(r.byMonth, int(d.Month())) {
			return nil
		}
		wdMatch, mdMatch := len(r.byDay) == 0, len(r.byMonthDay) == 0
		for _, e := range r.byDay {
			wdMatch = wdMatch || e.weekday == int(d.Weekday())
		}
		lastDay := lastDayOfMonth(d.Year(), int(d.Month()))
		for _, v := range r.byMonthDay {
			mdMatch = mdMatch || v == d.Day() || (v < 0 && lastDay+1+v == d.Day())
		}
		if !wdMatch || !mdMatch {
			return nil
		}
		return []time.Time{d}
	case "WEEKLY":
		weekStart := r.weekStartDate.AddDate(0, 0, k*r.interval*7)
		return r.weekCandidates(weekStart)
	case "MONTHLY":
		y, mo := addMonths(r.dtstartDate.Year(), int(r.dtstartDate.Month()), k*r.interval)
		if len(r.byMonth) > 0 && !containsInt(r.byMonth, mo) {
			return nil
		}
		days := r.monthCandidates(y, mo)
		out := make([]time.Time, 0, len(days))
		for _, d := range days {
			out = append(out, time.Date(y, time.Month(mo), d, 0, 0, 0, 0, r.loc))
		}
		return out
	default:
		return nil
	}
}

func (r *rruleSpec) timeCandidates() []todTime {
	dtLocal := r.dtstart.In(r.loc)
	hours, minutes, seconds := r.byHour, r.byMinute, r.bySecond
	if hours == nil {
		hours = []int{dtLocal.Hour()}
	}
	if minutes == nil {
		minutes = []int{dtLocal.Minute()}
	}
	if seconds == nil {
		seconds = []int{dtLocal.Second()}
	}
	var out []todTime
	for _, h := range hours {
		for _, mi := range minutes {
			for _, s := range seconds {
				out = append(out, todTime{h, mi, s})
			}
		}
	}
	return out
}

func (r *rruleSpec) isExcluded(t time.Time) bool {
	return r.exdates[t.UTC().Unix()]
}

// Next enumerates raw RRULE occurrences from DTSTART forward, in
// chronological order, applying EXDATE/UNTIL/COUNT and then the shared
// calendar/startAt/endAt/maxRuns constraints, bounded by the 200k-step cap.
func (r *rruleSpec) Next(after time.Time) (time.Time, bool) {
	occCount := 0
	for k := 0; k < maxIterations; k++ {
		dates := r.periodDates(k)
		for _, d := range dates {
			for _, tod := range r.timeCandidates() {
				f := tz.Fields{Year: d.Year(), Month: int(d.Month()), Day: d.Day(), Hour: tod.hour, Minute: tod.minute, Second: tod.second}
				if !tz.Exists(f, r.loc) {
					continue
				}
				t := tz.ToInstant(f, r.loc)
				if t.Before(r.dtstart) {
					continue
				}
				if r.until != nil && t.After(*r.until) {
					return time.Time{}, false
				}
				if r.isExcluded(t) {
					continue
				}
				occCount++
				if r.count > 0 && occCount > r.count {
					return time.Time{}, false
				}
				if !t.After(after) {
					continue
				}
				if r.startAt != nil && t.Before(*r.startAt) {
					continue
				}
				if r.endAt != nil && t.After(*r.endAt) {
					return time.Time{}, false
				}
				if r.maxRuns > 0 && r.fired >= r.maxRuns {
					return time.Time{}, false
				}
				if r.calendar != nil && !r.calendar.Accepts(d.Year(), int(d.Month()), d.Day()) {
					continue
				}
				r.markFired()
				return t, true
			}
		}
	}
	return time.Time{}, false
}
