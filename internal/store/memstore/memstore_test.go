package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/kairos-sched/kairos/internal/clock"
	"github.com/kairos-sched/kairos/internal/domain"
)

func TestClaimTriggerLeaseSafety(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(0, 0))
	s := New(vc)
	ctx := context.Background()
	trig := &domain.Trigger{ID: "t1", Job: "j1"}
	if err := s.UpsertTrigger(ctx, trig); err != nil {
		t.Fatalf("UpsertTrigger: %v", err)
	}

	ok, err := s.ClaimTrigger(ctx, "t1", "owner-a", 5000)
	if err != nil || !ok {
		t.Fatalf("first claim should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = s.ClaimTrigger(ctx, "t1", "owner-b", 5000)
	if err != nil || ok {
		t.Fatalf("second claim by a different owner should fail while lease is live: ok=%v err=%v", ok, err)
	}

	vc.Advance(6 * time.Second)
	ok, err = s.ClaimTrigger(ctx, "t1", "owner-b", 5000)
	if err != nil || !ok {
		t.Fatalf("claim should succeed once the lease expires: ok=%v err=%v", ok, err)
	}
}

func TestReleaseTriggerRequiresOwnership(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.UpsertTrigger(ctx, &domain.Trigger{ID: "t1"})
	ok, _ := s.ClaimTrigger(ctx, "t1", "owner-a", 5000)
	if !ok {
		t.Fatal("expected claim to succeed")
	}
	if err := s.ReleaseTrigger(ctx, "t1", "owner-b"); err == nil {
		t.Fatal("expected release by a non-owner to fail")
	}
	if err := s.ReleaseTrigger(ctx, "t1", "owner-a"); err != nil {
		t.Fatalf("expected release by the owner to succeed: %v", err)
	}
}

func TestListDueTriggersOrdering(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()
	mk := func(id string, at time.Time, prio int) *domain.Trigger {
		t := at
		return &domain.Trigger{ID: id, NextRunAt: &t, Priority: prio}
	}
	_ = s.UpsertTrigger(ctx, mk("b", now, 1))
	_ = s.UpsertTrigger(ctx, mk("a", now, 1))
	_ = s.UpsertTrigger(ctx, mk("c", now, 5))
	_ = s.UpsertTrigger(ctx, mk("d", now.Add(time.Minute), 10))

	due, err := s.ListDueTriggers(ctx, now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueTriggers: %v", err)
	}
	want := []string{"c", "a", "b", "d"}
	if len(due) != len(want) {
		t.Fatalf("got %d triggers, want %d", len(due), len(want))
	}
	for i, id := range want {
		if due[i].ID != id {
			t.Fatalf("position %d: got %s, want %s (%v)", i, due[i].ID, id, due)
		}
	}
}

func TestRecordRunStartIdempotent(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	run := &domain.Run{RunID: "r1", Status: domain.StatusPending}
	if err := s.RecordRunStart(ctx, run); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	dup := &domain.Run{RunID: "r1", Status: domain.StatusRunning}
	if err := s.RecordRunStart(ctx, dup); err != nil {
		t.Fatalf("RecordRunStart (duplicate): %v", err)
	}
	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("duplicate RecordRunStart must not overwrite: got status %v", got.Status)
	}
}

func TestRecordRunStartRejectsIdempotencyKeyCollision(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	first := &domain.Run{RunID: "r1", IdempotencyKey: "t1:1700000000", Status: domain.StatusRunning}
	if err := s.RecordRunStart(ctx, first); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	second := &domain.Run{RunID: "r2", IdempotencyKey: "t1:1700000000", Status: domain.StatusRunning}
	err := s.RecordRunStart(ctx, second)
	if !domain.Is(err, domain.KindConflict) {
		t.Fatalf("expected E_CONFLICT for a reused idempotency key, got %v", err)
	}
	if _, err := s.GetRun(ctx, "r2"); err == nil {
		t.Fatalf("rejected run must not have been recorded")
	}
}

func TestFindStalledRuns(t *testing.T) {
	vc := clock.NewVirtual(time.Unix(1000, 0))
	s := New(vc)
	ctx := context.Background()
	run := &domain.Run{RunID: "r1", Status: domain.StatusRunning}
	_ = s.RecordRunStart(ctx, run)
	_ = s.TouchRun(ctx, "r1", nil)

	stalled, err := s.FindStalledRuns(ctx, 5000, vc.Now())
	if err != nil {
		t.Fatalf("FindStalledRuns: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("run just touched should not be stalled, got %v", stalled)
	}

	vc.Advance(10 * time.Second)
	stalled, err = s.FindStalledRuns(ctx, 5000, vc.Now())
	if err != nil {
		t.Fatalf("FindStalledRuns: %v", err)
	}
	if len(stalled) != 1 || stalled[0].RunID != "r1" {
		t.Fatalf("expected r1 to be stalled, got %v", stalled)
	}
}
