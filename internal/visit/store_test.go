package visit

import (
	"errors"
	"testing"
	"time"
)

var today = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

func sampleTargets() []Target {
	return []Target{
		{ID: "t-tomorrow", Status: StatusPending, ScheduledDate: today.AddDate(0, 0, 1)},
		{ID: "t-done", Status: StatusCompleted, ScheduledDate: today},
		{ID: "t-today-2", Status: StatusPending, ScheduledDate: today, Priority: 2},
		{ID: "t-today-1", Status: StatusPending, ScheduledDate: today, Priority: 1},
	}
}

func TestStoreNextOpenPrefersToday(t *testing.T) {
	s := NewStore(sampleTargets()...)
	next, ok := s.NextOpen(today)
	if !ok || next.ID != "t-today-1" {
		t.Fatalf("expected t-today-1, got %+v", next)
	}

	next, ok = s.NextOpen(today.AddDate(0, 0, 5))
	if !ok || next.ID != "t-today-1" {
		t.Fatalf("expected first open target as fallback, got %+v", next)
	}
}

func TestStoreCounts(t *testing.T) {
	s := NewStore(sampleTargets()...)
	if s.OpenCount() != 3 {
		t.Fatalf("expected 3 open targets, got %d", s.OpenCount())
	}
	if s.OpenOn(today) != 2 {
		t.Fatalf("expected 2 open targets today, got %d", s.OpenOn(today))
	}
	if len(s.Open()) != 3 {
		t.Fatalf("expected 3 open targets")
	}
}

func TestStoreUpdateFailureLeavesTarget(t *testing.T) {
	s := NewStore(sampleTargets()...)
	_, err := s.Update("t-today-1", func(t *Target) error {
		t.Comments = "changed"
		return errors.New("nope")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	got, _ := s.Get("t-today-1")
	if got.Comments != "" || s.Dirty("t-today-1") {
		t.Fatalf("target should be untouched")
	}
	if _, err := s.Update("missing", func(*Target) error { return nil }); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestStoreReconcileKeepsLocalCompletion(t *testing.T) {
	s := NewStore(sampleTargets()...)
	_, err := s.Update("t-today-1", func(t *Target) error {
		t.EvidenceImages = []string{"img-1"}
		return t.Transition(StatusCompleted)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	s.Reconcile(sampleTargets(), true)
	got, _ := s.Get("t-today-1")
	if got.Status != StatusCompleted || len(got.EvidenceImages) != 1 {
		t.Fatalf("local completion lost: %+v", got)
	}

	confirmed := sampleTargets()
	confirmed[3].Status = StatusCompleted
	confirmed[3].EvidenceImages = []string{"img-1", "img-server"}
	s.Reconcile(confirmed, true)
	got, _ = s.Get("t-today-1")
	if s.Dirty("t-today-1") || len(got.EvidenceImages) != 2 {
		t.Fatalf("expected backend state to win once confirmed: %+v", got)
	}
}

func TestStoreReconcileBackendWinsForUntouchedTargets(t *testing.T) {
	s := NewStore(sampleTargets()...)
	remote := sampleTargets()
	remote[0].Name = "renamed"
	remote = remote[:3]
	s.Reconcile(remote, true)

	got, ok := s.Get("t-tomorrow")
	if !ok || got.Name != "renamed" {
		t.Fatalf("expected backend rename, got %+v", got)
	}
	if _, ok := s.Get("t-today-1"); ok {
		t.Fatalf("expected removed target to disappear")
	}
}

func TestStoreReconcileNeverMovesCompletedBack(t *testing.T) {
	s := NewStore(sampleTargets()...)
	remote := sampleTargets()
	remote[1].Status = StatusPending
	s.Reconcile(remote, false)
	got, _ := s.Get("t-done")
	if got.Status != StatusCompleted {
		t.Fatalf("completed target moved backward: %s", got.Status)
	}
}
