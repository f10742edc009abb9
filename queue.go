package pinsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/roofmarks/pinsync/protocol"
	"github.com/roofmarks/pinsync/storage"
)

const (
	queuePrefix = "queue/"
	deadPrefix  = "dead/"
	statusKey   = "status/sync"
)

// Applier executes a single queued operation against the backing store.
type Applier interface {
	Apply(ctx context.Context, op *protocol.Operation) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, op *protocol.Operation) error

func (f ApplierFunc) Apply(ctx context.Context, op *protocol.Operation) error {
	return f(ctx, op)
}

// OfflineQueueConfig configures the durable offline mutation queue.
type OfflineQueueConfig struct {
	KV      *storage.KV
	Status  *StatusTracker
	Applier Applier

	Notifier Notifier
	IDs      IDGenerator

	// OnCommitted is called after an operation lands remotely, with the
	// parent pin whose aggregates need recomputing. Empty parent means
	// no recompute is needed.
	OnCommitted func(ctx context.Context, op *protocol.Operation, parentID string)

	// OnConflict is called when an operation is rejected with a
	// terminal code and moved to the dead letter space.
	OnConflict func(op *protocol.Operation, err error)

	// IsOnline, when set, is consulted between operations during a
	// drain; a false answer aborts the drain and leaves the remaining
	// operations pending.
	IsOnline func() bool

	// AttemptTimeout bounds a single apply attempt. Default 10s.
	AttemptTimeout time.Duration

	// RetryBackoff, when set, overrides the default exponential backoff
	// between attempts of the same operation. Mostly for tests.
	RetryBackoff func() backoff.BackOff

	Log *logrus.Entry
}

// OfflineQueue persists mutations issued while offline and replays them once
// connectivity returns. Operations survive restarts: each one is written to
// the key-value store before Enqueue returns, keyed by a time-ordered id so
// a scan replays them in submission order. An operation is retried in place
// until it succeeds, is rejected with a terminal code, or exhausts its retry
// budget; the last two move it to the dead letter space where it waits for
// an explicit Reset or Discard.
type OfflineQueue struct {
	cfg    OfflineQueueConfig
	log    *logrus.Entry
	notify Notifier
	ids    IDGenerator

	mu       sync.Mutex
	draining bool
}

// NewOfflineQueue opens the queue over the given key-value store and
// restores the pending count and recorded errors from what it finds there.
func NewOfflineQueue(cfg OfflineQueueConfig) (*OfflineQueue, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("KV is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("Status is required")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("Applier is required")
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	q := &OfflineQueue{
		cfg:    cfg,
		log:    cfg.Log.WithField("component", "queue"),
		notify: cfg.Notifier,
		ids:    cfg.IDs,
	}
	if q.notify == nil {
		q.notify = nopNotifier{}
	}
	if q.ids == nil {
		q.ids = NewULIDGenerator()
	}

	if err := q.restore(); err != nil {
		return nil, fmt.Errorf("restoring queue state: %w", err)
	}
	q.cfg.Status.SetPersist(q.persistStatus)
	return q, nil
}

// restore rebuilds the status tracker from persisted state: the pending
// count from the live keyspace, recorded errors from the saved snapshot.
func (q *OfflineQueue) restore() error {
	pending, err := q.cfg.KV.Count(queuePrefix)
	if err != nil {
		return err
	}
	q.cfg.Status.SetPending(pending)

	raw, err := q.cfg.KV.Get(statusKey)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	var saved SyncStatus
	if err := json.Unmarshal(raw, &saved); err != nil {
		q.log.Warnf("discarding unreadable status snapshot: %v", err)
		return nil
	}
	for _, se := range saved.SyncErrors {
		q.cfg.Status.RecordError(se)
	}
	if !saved.LastSyncTime.IsZero() {
		q.cfg.Status.MarkSynced(saved.LastSyncTime)
	}
	return nil
}

func (q *OfflineQueue) persistStatus(s SyncStatus) {
	raw, err := MarshalStatus(s)
	if err != nil {
		return
	}
	if err := q.cfg.KV.Set(statusKey, raw); err != nil {
		q.log.Warnf("persisting status snapshot: %v", err)
	}
}

func queueKey(op *protocol.Operation) string {
	return queuePrefix + string(op.Kind) + "/" + op.ID
}

func deadKey(op *protocol.Operation) string {
	return deadPrefix + string(op.Kind) + "/" + op.ID
}

// Enqueue persists a new operation and bumps the pending count. The
// operation is durable once Enqueue returns.
func (q *OfflineQueue) Enqueue(payload protocol.OpPayload, origin string) (*protocol.Operation, error) {
	kind := payload.Kind()
	op := &protocol.Operation{
		ID:         q.ids.NewID(),
		Kind:       kind,
		Entity:     protocol.EntityOf(payload),
		Origin:     origin,
		EnqueuedAt: time.Now().UTC(),
		MaxRetries: protocol.DefaultMaxRetries(kind),
		Payload:    payload,
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encoding operation: %w", err)
	}
	if err := q.cfg.KV.Set(queueKey(op), raw); err != nil {
		return nil, fmt.Errorf("persisting operation: %w", err)
	}

	q.cfg.Status.AddPending(1)
	q.notify.Notify(Notification{
		Level:   NotifyInfo,
		Message: "Change saved. It will sync when you are back online.",
		OpID:    op.ID,
	})
	q.log.WithField("op", op.ID).Debugf("enqueued %s", op.Kind)
	return op, nil
}

// load reads every operation under the prefix, sorted by id. Ids are
// monotonic ULIDs, so lexical order is submission order.
func (q *OfflineQueue) load(prefix string) ([]*protocol.Operation, error) {
	var ops []*protocol.Operation
	err := q.cfg.KV.Scan(prefix, func(key string, value []byte) error {
		var op protocol.Operation
		if err := json.Unmarshal(value, &op); err != nil {
			return fmt.Errorf("decoding operation at %s: %w", key, err)
		}
		ops = append(ops, &op)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

// Pending returns the queued operations in replay order.
func (q *OfflineQueue) Pending() ([]*protocol.Operation, error) {
	return q.load(queuePrefix)
}

// Failed returns the dead-lettered operations.
func (q *OfflineQueue) Failed() ([]*protocol.Operation, error) {
	return q.load(deadPrefix)
}

// Drain replays every pending operation in submission order. Only one drain
// runs at a time; a second call while one is in flight returns immediately.
// A drain is all-or-abort per operation: an operation that keeps failing
// with transient errors blocks the ones behind it until its retry budget
// runs out, which keeps per-entity ordering intact.
func (q *OfflineQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	ops, err := q.load(queuePrefix)
	if err != nil {
		return fmt.Errorf("loading pending operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	q.cfg.Status.SetSyncing(true)
	defer q.cfg.Status.SetSyncing(false)

	q.log.Infof("draining %d pending operations", len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.cfg.IsOnline != nil && !q.cfg.IsOnline() {
			q.log.Info("drain aborted: connection lost")
			return nil
		}
		if err := q.drainOne(ctx, op); err != nil {
			return err
		}
	}

	q.cfg.Status.MarkSynced(time.Now().UTC())
	return nil
}

// drainOne retries a single operation until success, a terminal rejection,
// or retry exhaustion. Retry counts are persisted between attempts so a
// restart does not reset the budget.
func (q *OfflineQueue) drainOne(ctx context.Context, op *protocol.Operation) error {
	bo := q.newBackoff()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		err := q.cfg.Applier.Apply(attemptCtx, op)
		cancel()

		if err == nil {
			return q.complete(ctx, op)
		}

		if protocol.IsTerminal(err) {
			q.log.WithField("op", op.ID).Warnf("operation rejected: %v", err)
			return q.deadLetter(op, err)
		}

		op.RetryCount++
		if op.RetryCount >= op.MaxRetries {
			q.log.WithField("op", op.ID).Warnf("retry budget exhausted after %d attempts: %v", op.RetryCount, err)
			return q.deadLetter(op, err)
		}
		if perr := q.persist(op); perr != nil {
			return perr
		}

		q.log.WithField("op", op.ID).Debugf("attempt %d failed, retrying: %v", op.RetryCount, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
		if q.cfg.IsOnline != nil && !q.cfg.IsOnline() {
			return nil
		}
	}
}

func (q *OfflineQueue) newBackoff() backoff.BackOff {
	if q.cfg.RetryBackoff != nil {
		return q.cfg.RetryBackoff()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func (q *OfflineQueue) persist(op *protocol.Operation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation: %w", err)
	}
	if err := q.cfg.KV.Set(queueKey(op), raw); err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	return nil
}

// complete removes a successfully applied operation and triggers the
// dependent recompute.
func (q *OfflineQueue) complete(ctx context.Context, op *protocol.Operation) error {
	if err := q.cfg.KV.Remove(queueKey(op)); err != nil {
		return fmt.Errorf("removing completed operation: %w", err)
	}
	q.cfg.Status.AddPending(-1)
	q.cfg.Status.ClearError(op.ID)
	q.log.WithField("op", op.ID).Debugf("applied %s", op.Kind)

	if q.cfg.OnCommitted != nil {
		parentID := protocol.ParentOf(op.Payload)
		q.cfg.OnCommitted(ctx, op, parentID)
	}
	return nil
}

// deadLetter moves an operation out of the live queue, records the failure
// and surfaces it to the user. The operation itself stays on disk so it can
// be inspected, reset or discarded.
func (q *OfflineQueue) deadLetter(op *protocol.Operation, cause error) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encoding operation: %w", err)
	}
	if err := q.cfg.KV.Set(deadKey(op), raw); err != nil {
		return fmt.Errorf("dead-lettering operation: %w", err)
	}
	if err := q.cfg.KV.Remove(queueKey(op)); err != nil {
		return fmt.Errorf("removing failed operation: %w", err)
	}
	q.cfg.Status.AddPending(-1)
	q.cfg.Status.RecordError(SyncError{
		OpID:    op.ID,
		Kind:    op.Kind,
		Message: cause.Error(),
		At:      time.Now().UTC(),
	})

	q.notify.Notify(Notification{
		Level:   NotifyError,
		Message: fmt.Sprintf("A change could not be synced: %v", cause),
		OpID:    op.ID,
	})

	if q.cfg.OnConflict != nil && protocol.IsTerminal(cause) {
		q.cfg.OnConflict(op, cause)
	}
	return nil
}

// Reset moves a dead-lettered operation back into the live queue with a
// fresh retry budget. It keeps its original id, so it replays before
// anything enqueued after it originally was.
func (q *OfflineQueue) Reset(opID string) error {
	ops, err := q.load(deadPrefix)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.ID != opID {
			continue
		}
		op.RetryCount = 0
		if err := q.persist(op); err != nil {
			return err
		}
		if err := q.cfg.KV.Remove(deadKey(op)); err != nil {
			return err
		}
		q.cfg.Status.AddPending(1)
		q.cfg.Status.ClearError(opID)
		return nil
	}
	return fmt.Errorf("no failed operation with id %s", opID)
}

// Discard permanently deletes a dead-lettered operation.
func (q *OfflineQueue) Discard(opID string) error {
	ops, err := q.load(deadPrefix)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.ID != opID {
			continue
		}
		if err := q.cfg.KV.Remove(deadKey(op)); err != nil {
			return err
		}
		q.cfg.Status.ClearError(opID)
		return nil
	}
	return fmt.Errorf("no failed operation with id %s", opID)
}
