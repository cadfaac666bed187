// Package tz maps an absolute instant to local calendar fields in a named
// IANA zone, using the platform's tzdata the way the standard library's
// time.Location already does — no reimplementation of DST rules.
package tz

import "time"

// Fields are the local calendar fields extracted from an instant.
type Fields struct {
	Year      int
	Month     int // 1-12
	Day       int // 1-31
	DayOfWeek int // 0=Sunday..6=Saturday
	Hour      int
	Minute    int
	Second    int
}

// Location resolves an IANA zone name, treating "" as UTC.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// Extract returns the local fields of instant in loc.
func Extract(instant time.Time, loc *time.Location) Fields {
	t := instant.In(loc)
	return Fields{
		Year:      t.Year(),
		Month:     int(t.Month()),
		Day:       t.Day(),
		DayOfWeek: int(t.Weekday()),
		Hour:      t.Hour(),
		Minute:    t.Minute(),
		Second:    t.Second(),
	}
}

// ToInstant builds an absolute instant from local fields in loc. When the
// local fields fall in a DST spring-forward gap, Go's time.Date normalizes
// them forward; Exists reports whether that happened so callers (the cron
// planner) can detect and skip unreachable local times instead of silently
// accepting the normalized instant.
func ToInstant(f Fields, loc *time.Location) time.Time {
	return time.Date(f.Year, time.Month(f.Month), f.Day, f.Hour, f.Minute, f.Second, 0, loc)
}

// Exists reports whether the local fields f actually occur in loc, i.e. that
// converting to an instant and back round-trips — false in a DST gap such as
// 02:30 on the US spring-forward day. Compares only the fields ToInstant
// consumes (Y/M/D/H/M/S); DayOfWeek is derived, not an input, and callers
// (cron/rrule candidate generation) routinely leave it at its zero value.
func Exists(f Fields, loc *time.Location) bool {
	t := ToInstant(f, loc)
	back := Extract(t, loc)
	return back.Year == f.Year && back.Month == f.Month && back.Day == f.Day &&
		back.Hour == f.Hour && back.Minute == f.Minute && back.Second == f.Second
}
