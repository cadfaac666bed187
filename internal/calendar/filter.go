// Package calendar implements the include/exclude date filter from §4.3:
// entries of the form YYYY-MM-DD with '*' wildcards in any position.
package calendar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

type entry struct {
	year, month, day int // -1 means wildcard
	exact            bool
}

// Filter evaluates a set of include/exclude rules against a date.
type Filter struct {
	includeExact map[string]struct{}
	includeWild  []entry
	excludeExact map[string]struct{}
	excludeWild  []entry
	hasInclude   bool
}

// New builds a Filter from the rules, failing at construction on malformed
// entries per §4.3.
func New(rules []domain.CalendarRule) (*Filter, error) {
	f := &Filter{
		includeExact: map[string]struct{}{},
		excludeExact: map[string]struct{}{},
	}
	for _, r := range rules {
		for _, s := range r.Include {
			f.hasInclude = true
			e, err := parseEntry(s)
			if err != nil {
				return nil, err
			}
			if e.exact {
				f.includeExact[key(e)] = struct{}{}
			} else {
				f.includeWild = append(f.includeWild, e)
			}
		}
		for _, s := range r.Exclude {
			e, err := parseEntry(s)
			if err != nil {
				return nil, err
			}
			if e.exact {
				f.excludeExact[key(e)] = struct{}{}
			} else {
				f.excludeWild = append(f.excludeWild, e)
			}
		}
	}
	return f, nil
}

func key(e entry) string {
	return fmt.Sprintf("%04d-%02d-%02d", e.year, e.month, e.day)
}

func parseEntry(s string) (entry, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return entry{}, domain.NewError(domain.KindValidation, "calendar.parseEntry", fmt.Errorf("%q: %w", s, domain.ErrInvalidCalendar))
	}
	e := entry{exact: true}
	vals := make([]int, 3)
	for i, p := range parts {
		if p == "*" {
			vals[i] = -1
			e.exact = false
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return entry{}, domain.NewError(domain.KindValidation, "calendar.parseEntry", fmt.Errorf("%q: %w", s, domain.ErrInvalidCalendar))
		}
		vals[i] = n
	}
	e.year, e.month, e.day = vals[0], vals[1], vals[2]
	if e.month != -1 && (e.month < 1 || e.month > 12) {
		return entry{}, domain.NewError(domain.KindValidation, "calendar.parseEntry", fmt.Errorf("%q: month out of range: %w", s, domain.ErrInvalidCalendar))
	}
	if e.day != -1 && (e.day < 1 || e.day > 31) {
		return entry{}, domain.NewError(domain.KindValidation, "calendar.parseEntry", fmt.Errorf("%q: day out of range: %w", s, domain.ErrInvalidCalendar))
	}
	return e, nil
}

func matches(e entry, year, month, day int) bool {
	if e.year != -1 && e.year != year {
		return false
	}
	if e.month != -1 && e.month != month {
		return false
	}
	if e.day != -1 && e.day != day {
		return false
	}
	return true
}

// Accepts reports whether the local date (year, month, day) passes the
// filter: (no include set OR the date matches some include) AND (no
// exclude matches).
func (f *Filter) Accepts(year, month, day int) bool {
	if f == nil {
		return true
	}
	if f.hasInclude {
		if _, ok := f.includeExact[fmt.Sprintf("%04d-%02d-%02d", year, month, day)]; !ok {
			included := false
			for _, e := range f.includeWild {
				if matches(e, year, month, day) {
					included = true
					break
				}
			}
			if !included {
				return false
			}
		}
	}
	if _, ok := f.excludeExact[fmt.Sprintf("%04d-%02d-%02d", year, month, day)]; ok {
		return false
	}
	for _, e := range f.excludeWild {
		if matches(e, year, month, day) {
			return false
		}
	}
	return true
}

// AcceptsTime is a convenience wrapper over Accepts using t's date fields in
// its own location (callers pass an already-localized time).
func (f *Filter) AcceptsTime(t time.Time) bool {
	return f.Accepts(t.Year(), int(t.Month()), t.Day())
}
