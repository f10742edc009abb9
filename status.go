package pinsync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/roofmarks/pinsync/protocol"
)

// maxSyncErrors caps the retained error list so a long-lived offline client
// cannot grow it without bound. Oldest entries are dropped first.
const maxSyncErrors = 50

// SyncError records a terminally failed queued operation awaiting manual
// intervention.
type SyncError struct {
	OpID    string          `json:"op_id"`
	Kind    protocol.OpKind `json:"kind"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
}

// SyncStatus is the process-wide derived sync state. Values returned by the
// tracker are snapshots and safe to retain.
type SyncStatus struct {
	IsOnline     bool        `json:"is_online"`
	IsSyncing    bool        `json:"is_syncing"`
	PendingCount int         `json:"pending_count"`
	LastSyncTime time.Time   `json:"last_sync_time"`
	SyncErrors   []SyncError `json:"sync_errors,omitempty"`
}

// StatusTracker is the single owner of SyncStatus. Only the health monitor
// and the offline queue mutate it; any number of observers read it.
type StatusTracker struct {
	mu        sync.Mutex
	status    SyncStatus
	observers []func(SyncStatus)

	// persist, when set, writes the singular durable status record.
	persist func(SyncStatus)
}

// NewStatusTracker returns an empty tracker (offline, no pending work).
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{}
}

// SetPersist installs the durable-record hook. Called once during wiring.
func (t *StatusTracker) SetPersist(fn func(SyncStatus)) {
	t.mu.Lock()
	t.persist = fn
	t.mu.Unlock()
}

// Subscribe registers an observer invoked with a snapshot after every
// mutation. Observers must not block.
func (t *StatusTracker) Subscribe(fn func(SyncStatus)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Status returns a snapshot of the current state.
func (t *StatusTracker) Status() SyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *StatusTracker) snapshotLocked() SyncStatus {
	s := t.status
	s.SyncErrors = append([]SyncError(nil), t.status.SyncErrors...)
	return s
}

// SetOnline records connectivity and reports whether the value changed.
func (t *StatusTracker) SetOnline(online bool) bool {
	t.mu.Lock()
	if t.status.IsOnline == online {
		t.mu.Unlock()
		return false
	}
	t.status.IsOnline = online
	t.notifyLocked()
	return true
}

// SetSyncing marks a drain in progress.
func (t *StatusTracker) SetSyncing(syncing bool) {
	t.mu.Lock()
	if t.status.IsSyncing == syncing {
		t.mu.Unlock()
		return
	}
	t.status.IsSyncing = syncing
	t.notifyLocked()
}

// SetPending overwrites the pending counter (used on queue restore).
func (t *StatusTracker) SetPending(n int) {
	t.mu.Lock()
	t.status.PendingCount = n
	t.notifyLocked()
}

// AddPending adjusts the pending counter by delta, clamped at zero.
func (t *StatusTracker) AddPending(delta int) {
	t.mu.Lock()
	t.status.PendingCount += delta
	if t.status.PendingCount < 0 {
		t.status.PendingCount = 0
	}
	t.notifyLocked()
}

// MarkSynced records a successful write to the backing store.
func (t *StatusTracker) MarkSynced(at time.Time) {
	t.mu.Lock()
	t.status.LastSyncTime = at
	t.notifyLocked()
}

// RecordError appends a terminal failure, dropping the oldest entries past
// the cap.
func (t *StatusTracker) RecordError(e SyncError) {
	t.mu.Lock()
	t.status.SyncErrors = append(t.status.SyncErrors, e)
	if n := len(t.status.SyncErrors); n > maxSyncErrors {
		t.status.SyncErrors = t.status.SyncErrors[n-maxSyncErrors:]
	}
	t.notifyLocked()
}

// ClearError removes the error recorded for opID, if present. Used when a
// dead-lettered operation is manually reset.
func (t *StatusTracker) ClearError(opID string) {
	t.mu.Lock()
	errs := t.status.SyncErrors[:0]
	for _, e := range t.status.SyncErrors {
		if e.OpID != opID {
			errs = append(errs, e)
		}
	}
	t.status.SyncErrors = errs
	t.notifyLocked()
}

// notifyLocked snapshots the state, releases the lock, and fans out to
// observers and the persistence hook. Callers must hold t.mu.
func (t *StatusTracker) notifyLocked() {
	snapshot := t.snapshotLocked()
	observers := make([]func(SyncStatus), len(t.observers))
	copy(observers, t.observers)
	persist := t.persist
	t.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
	if persist != nil {
		persist(snapshot)
	}
}

// MarshalStatus encodes a snapshot for the durable status record.
func MarshalStatus(s SyncStatus) ([]byte, error) {
	return json.Marshal(s)
}
