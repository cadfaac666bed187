package planner

import (
	"strconv"
	"strings"

	"github.com/kairos-sched/kairos/internal/domain"
)

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// parseNumericField expands a comma-list of literals/ranges/steps/wildcards
// over [lo, hi] into a sorted, deduplicated set of allowed values. names, if
// non-nil, maps case-insensitive tokens (month or day names) to values.
func parseNumericField(field string, lo, hi int, names map[string]int) ([]int, error) {
	seen := map[int]bool{}
	for _, part := range strings.Split(field, ",") {
		vals, err := parseNumericPart(part, lo, hi, names)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sortInts(out)
	if len(out) == 0 {
		return nil, domain.NewError(domain.KindValidation, "planner.parseNumericField", domain.ErrInvalidCron)
	}
	return out, nil
}

func parseNumericPart(part string, lo, hi int, names map[string]int) ([]int, error) {
	step := 1
	base := part
	if idx := strings.IndexByte(part, '/'); idx >= 0 {
		base = part[:idx]
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return nil, domain.NewError(domain.KindValidation, "planner.parseNumericPart", domain.ErrInvalidCron)
		}
		step = s
	}

	var start, end int
	switch {
	case base == "*":
		start, end = lo, hi
	case strings.Contains(base, "-"):
		segs := strings.SplitN(base, "-", 2)
		a, err := parseToken(segs[0], names)
		if err != nil {
			return nil, err
		}
		b, err := parseToken(segs[1], names)
		if err != nil {
			return nil, err
		}
		start, end = a, b
	default:
		a, err := parseToken(base, names)
		if err != nil {
			return nil, err
		}
		start, end = a, a
	}

	if start < lo || end > hi || start > end {
		return nil, domain.NewError(domain.KindValidation, "planner.parseNumericPart", domain.ErrInvalidCron)
	}

	var out []int
	for v := start; v <= end; v += step {
		out = append(out, v)
	}
	return out, nil
}

func parseToken(tok string, names map[string]int) (int, error) {
	tok = strings.TrimSpace(tok)
	if names != nil {
		if v, ok := names[strings.ToUpper(tok)]; ok {
			return v, nil
		}
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, domain.NewError(domain.KindValidation, "planner.parseToken", domain.ErrInvalidCron)
	}
	return n, nil
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
