package planner

import (
	"testing"
	"time"

	"github.com/kairos-sched/kairos/internal/domain"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestCronEverySecond(t *testing.T) {
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "* * * * * ?", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := p.Next(after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := after.Add(time.Second)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestCronStandardFastPath(t *testing.T) {
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "30 4 * * *", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := p.Next(after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2025, 1, 1, 4, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestCronDSTGapSkipped(t *testing.T) {
	// US spring-forward 2025: 2025-03-09, 02:00 -> 03:00 local, so 02:30
	// never occurs in America/New_York.
	loc := mustLoc(t, "America/New_York")
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "0 30 2 9 3 ? 2025", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 3, 9, 0, 0, 0, 0, loc)
	_, ok := p.Next(after)
	if ok {
		t.Fatal("expected the DST-gap local time to be skipped, series exhausted")
	}
}

func TestCronLastDayOfMonth(t *testing.T) {
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "0 0 2 L * ?", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	next, ok := p.Next(after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2025, 2, 28, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestCronNearestWeekday(t *testing.T) {
	// 2025-11-15 is a Saturday, nearest weekday is Friday the 14th.
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "0 0 9 15W * ?", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	next, ok := p.Next(after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2025, 11, 14, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestCronNthWeekday(t *testing.T) {
	// Third Tuesday of the month at 06:45.
	p, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "0 45 6 ? * 2#3", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("NewCron: %v", err)
	}
	after := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := p.Next(after)
	if !ok {
		t.Fatal("expected a next fire")
	}
	// January 2025: Tuesdays are 7, 14, 21, 28 -> 3rd is the 21st.
	want := time.Date(2025, 1, 21, 6, 45, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestCronRejectsAmbiguousDomDow(t *testing.T) {
	_, err := NewCron(domain.TriggerOptions{Kind: domain.KindCron, CronExpr: "0 0 9 15 * 1", Timezone: "UTC"})
	if err == nil {
		t.Fatal("expected an error when neither dom nor dow is '?'")
	}
}

func TestEveryFiresOnInterval(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := NewEvery(domain.TriggerOptions{Kind: domain.KindEvery, EveryMs: 60_000}, created)
	if err != nil {
		t.Fatalf("NewEvery: %v", err)
	}
	next, ok := p.Next(created)
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := created.Add(time.Minute)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestAtFiresOnceThenExhausted(t *testing.T) {
	runAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, err := NewAt(domain.TriggerOptions{Kind: domain.KindAt, RunAt: runAt})
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	after := runAt.Add(-time.Hour)
	next, ok := p.Next(after)
	if !ok || !next.Equal(runAt) {
		t.Fatalf("got (%v, %v), want (%v, true)", next, ok, runAt)
	}
	if _, ok := p.Next(runAt); ok {
		t.Fatal("expected single-shot planner to be exhausted after firing")
	}
}

func TestRRuleDailyCount(t *testing.T) {
	dtstart := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	p, err := NewRRule(domain.TriggerOptions{
		Kind: domain.KindRRule, Timezone: "UTC",
		RRule: "FREQ=DAILY;COUNT=3", DTStart: &dtstart,
	})
	if err != nil {
		t.Fatalf("NewRRule: %v", err)
	}
	var got []time.Time
	cursor := dtstart.Add(-time.Second)
	for i := 0; i < 5; i++ {
		next, ok := p.Next(cursor)
		if !ok {
			break
		}
		got = append(got, next)
		cursor = next
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 occurrences under COUNT=3, got %d: %v", len(got), got)
	}
	if !got[0].Equal(dtstart) {
		t.Fatalf("first occurrence should be dtstart, got %v", got[0])
	}
}

func TestRRuleMonthlyBySetPosLastWeekday(t *testing.T) {
	dtstart := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	p, err := NewRRule(domain.TriggerOptions{
		Kind: domain.KindRRule, Timezone: "UTC",
		RRule: "FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1", DTStart: &dtstart,
	})
	if err != nil {
		t.Fatalf("NewRRule: %v", err)
	}
	next, ok := p.Next(dtstart)
	if !ok {
		t.Fatal("expected a next fire")
	}
	// Last weekday of January 2025 is Friday the 31st.
	want := time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestRRuleExdateSkipped(t *testing.T) {
	dtstart := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	excluded := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	p, err := NewRRule(domain.TriggerOptions{
		Kind: domain.KindRRule, Timezone: "UTC",
		RRule: "FREQ=DAILY;COUNT=5", DTStart: &dtstart,
		EXDates: []time.Time{excluded},
	})
	if err != nil {
		t.Fatalf("NewRRule: %v", err)
	}
	next, ok := p.Next(dtstart.Add(-time.Second))
	if !ok || !next.Equal(dtstart) {
		t.Fatalf("expected dtstart as first occurrence, got (%v, %v)", next, ok)
	}
	next, ok = p.Next(next)
	if !ok {
		t.Fatal("expected a next fire after skipping the excluded date")
	}
	want := time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v (2025-01-02 should have been excluded)", next, want)
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]int64{
		"500":  500,
		"500ms": 500,
		"5s":   5000,
		"2m":   120_000,
		"1h":   3_600_000,
		"1d":   86_400_000,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %d, want %d", in, got, want)
		}
	}
}
