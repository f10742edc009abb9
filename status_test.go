package pinsync

import (
	"fmt"
	"testing"
	"time"
)

func TestStatusTrackerTransitions(t *testing.T) {
	tr := NewStatusTracker()

	s := tr.Status()
	if s.IsOnline || s.IsSyncing || s.PendingCount != 0 {
		t.Errorf("Expected zero state, got %+v", s)
	}

	if !tr.SetOnline(true) {
		t.Error("Expected first SetOnline(true) to report a change")
	}
	if tr.SetOnline(true) {
		t.Error("Expected repeated SetOnline(true) to report no change")
	}

	tr.SetSyncing(true)
	tr.AddPending(3)
	tr.AddPending(-1)

	s = tr.Status()
	if !s.IsOnline || !s.IsSyncing {
		t.Errorf("Expected online and syncing, got %+v", s)
	}
	if s.PendingCount != 2 {
		t.Errorf("Expected 2 pending, got %d", s.PendingCount)
	}

	tr.AddPending(-5)
	if got := tr.Status().PendingCount; got != 0 {
		t.Errorf("Expected pending clamped at 0, got %d", got)
	}
}

func TestStatusTrackerObservers(t *testing.T) {
	tr := NewStatusTracker()

	var got []SyncStatus
	tr.Subscribe(func(s SyncStatus) { got = append(got, s) })

	tr.SetOnline(true)
	tr.AddPending(1)

	if len(got) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(got))
	}
	if !got[0].IsOnline || got[0].PendingCount != 0 {
		t.Errorf("Unexpected first snapshot: %+v", got[0])
	}
	if got[1].PendingCount != 1 {
		t.Errorf("Unexpected second snapshot: %+v", got[1])
	}
}

func TestStatusTrackerErrorCap(t *testing.T) {
	tr := NewStatusTracker()

	for i := 0; i < maxSyncErrors+10; i++ {
		tr.RecordError(SyncError{OpID: fmt.Sprintf("op-%03d", i), At: time.Now()})
	}

	errs := tr.Status().SyncErrors
	if len(errs) != maxSyncErrors {
		t.Fatalf("Expected %d retained errors, got %d", maxSyncErrors, len(errs))
	}
	if errs[0].OpID != "op-010" {
		t.Errorf("Expected oldest entries dropped, first is %s", errs[0].OpID)
	}
}

func TestStatusTrackerClearError(t *testing.T) {
	tr := NewStatusTracker()
	tr.RecordError(SyncError{OpID: "a"})
	tr.RecordError(SyncError{OpID: "b"})

	tr.ClearError("a")

	errs := tr.Status().SyncErrors
	if len(errs) != 1 || errs[0].OpID != "b" {
		t.Errorf("Expected only b to remain, got %+v", errs)
	}
}

func TestStatusTrackerPersistHook(t *testing.T) {
	tr := NewStatusTracker()

	var persisted []SyncStatus
	tr.SetPersist(func(s SyncStatus) { persisted = append(persisted, s) })

	tr.MarkSynced(time.Now())
	if len(persisted) != 1 {
		t.Fatalf("Expected 1 persisted snapshot, got %d", len(persisted))
	}
	if persisted[0].LastSyncTime.IsZero() {
		t.Error("Expected LastSyncTime to be set")
	}
}

func TestStatusTrackerSnapshotsAreCopies(t *testing.T) {
	tr := NewStatusTracker()
	tr.RecordError(SyncError{OpID: "a"})

	s := tr.Status()
	s.SyncErrors[0].OpID = "mutated"

	if tr.Status().SyncErrors[0].OpID != "a" {
		t.Error("Expected tracker state to be isolated from returned snapshots")
	}
}
