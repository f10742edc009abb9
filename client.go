package pinsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/roofmarks/pinsync/protocol"
	"github.com/roofmarks/pinsync/storage"
	"github.com/roofmarks/pinsync/transport"
)

// Config carries the collaborators and tunables for a sync client. Store,
// Dialer and Session are required; everything else has a sensible default.
type Config struct {
	Store   Store
	Dialer  transport.Dialer
	Session SessionProvider

	// Notifier surfaces queue acknowledgments and failures to the user.
	Notifier Notifier

	// QueueKV, when set, backs the offline queue directly. Otherwise the
	// queue opens QueuePath, or an in-memory store if that is empty too.
	QueueKV   *storage.KV
	QueuePath string

	// Fetch loads an entity for the cache by key ("pin:<id>", ...). When
	// nil, pin keys are loaded through the store's parent reader and other
	// keys report not found.
	Fetch Fetcher

	// SenderID stamps outgoing broadcasts. Default: the session user id at
	// send time is not consulted; set this to the device or user id.
	SenderID string

	IDs IDGenerator

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	ReconnectDelay time.Duration
	AttemptTimeout time.Duration

	RetryBackoff func() backoff.BackOff

	Log *logrus.Entry
}

// Client is the top of the sync core. It owns the health monitor, the
// channel registry, the offline queue, the cache reconciler and the
// aggregator, and wires their edges together: connectivity recovery drains
// the queue and reconnects channels, committed operations trigger parent
// recomputes, remote change events invalidate the cache.
type Client struct {
	cfg Config
	log *logrus.Entry

	status   *StatusTracker
	health   *HealthMonitor
	registry *ChannelRegistry
	queue    *OfflineQueue
	cache    *CacheReconciler
	agg      *Aggregator

	kv     *storage.KV
	ownsKV bool

	ctx    context.Context
	cancel context.CancelFunc

	stoppers map[string]func() error
}

// New assembles a client from the config. The client is idle until Start.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("Store is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("Dialer is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("Session is required")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := cfg.Log.WithField("component", "client")

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		log:      log,
		status:   NewStatusTracker(),
		ctx:      ctx,
		cancel:   cancel,
		stoppers: make(map[string]func() error),
	}

	var err error
	switch {
	case cfg.QueueKV != nil:
		c.kv = cfg.QueueKV
	case cfg.QueuePath != "":
		c.kv, err = storage.OpenPath(cfg.QueuePath, cfg.Log)
		c.ownsKV = true
	default:
		c.kv, err = storage.OpenInMemory(cfg.Log)
		c.ownsKV = true
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening queue storage: %w", err)
	}

	c.agg, err = NewAggregator(cfg.Store, cfg.Log)
	if err != nil {
		return nil, c.fail(err)
	}

	fetch := cfg.Fetch
	if fetch == nil {
		fetch = c.fetchEntity
	}
	c.cache, err = NewCacheReconciler(CacheReconcilerConfig{Fetch: fetch, Log: cfg.Log})
	if err != nil {
		return nil, c.fail(err)
	}

	c.health, err = NewHealthMonitor(HealthMonitorConfig{
		Session:       cfg.Session,
		Status:        c.status,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		Log:           cfg.Log,
	})
	if err != nil {
		return nil, c.fail(err)
	}

	c.queue, err = NewOfflineQueue(OfflineQueueConfig{
		KV:             c.kv,
		Status:         c.status,
		Applier:        ApplierFunc(c.applyOperation),
		Notifier:       cfg.Notifier,
		IDs:            cfg.IDs,
		OnCommitted:    c.onCommitted,
		OnConflict:     c.onConflict,
		IsOnline:       c.health.IsOnline,
		AttemptTimeout: cfg.AttemptTimeout,
		RetryBackoff:   cfg.RetryBackoff,
		Log:            cfg.Log,
	})
	if err != nil {
		return nil, c.fail(err)
	}

	c.registry, err = NewChannelRegistry(ChannelRegistryConfig{
		Dialer:         cfg.Dialer,
		Session:        cfg.Session,
		Status:         c.status,
		SenderID:       cfg.SenderID,
		ReconnectDelay: cfg.ReconnectDelay,
		Log:            cfg.Log,
	})
	if err != nil {
		return nil, c.fail(err)
	}

	c.health.OnOnline(func() {
		if err := c.registry.ReconnectAll(); err != nil {
			c.log.Warnf("reconnecting channels: %v", err)
		}
		go func() {
			if err := c.queue.Drain(c.ctx); err != nil {
				c.log.Warnf("draining queue: %v", err)
			}
		}()
	})

	return c, nil
}

// fail releases what New acquired before the error.
func (c *Client) fail(err error) error {
	c.cancel()
	if c.ownsKV && c.kv != nil {
		c.kv.Close()
	}
	return err
}

// Start begins health probing. An initial probe runs before Start returns,
// so callers can check Status immediately after.
func (c *Client) Start() error {
	c.health.Start()
	c.stoppers["health"] = func() error { c.health.Stop(); return nil }
	c.stoppers["registry"] = c.registry.Shutdown
	if c.ownsKV {
		c.stoppers["storage"] = c.kv.Close
	}
	c.log.Info("sync client started")
	return nil
}

// Close shuts everything down. Pending operations stay on disk and resume
// on the next Start.
func (c *Client) Close() error {
	c.cancel()

	var errs error
	for name, stopper := range c.stoppers {
		if err := stopper(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stopping %s: %w", name, err))
		}
	}
	c.stoppers = make(map[string]func() error)
	c.cache.Reset()
	c.log.Info("sync client stopped")
	return errs
}

// Status returns the current sync status snapshot.
func (c *Client) Status() SyncStatus {
	return c.status.Status()
}

// OnStatus registers an observer for status changes.
func (c *Client) OnStatus(fn func(SyncStatus)) {
	c.status.Subscribe(fn)
}

// SetNetworkAvailable feeds the OS connectivity signal through to the
// health monitor.
func (c *Client) SetNetworkAvailable(available bool) {
	c.health.SetNetworkAvailable(available)
}

// Cache exposes the reconciler so the embedding app can read and seed the
// optimistic view.
func (c *Client) Cache() *CacheReconciler { return c.cache }

// Queue exposes the offline queue for inspection, reset and discard.
func (c *Client) Queue() *OfflineQueue { return c.queue }

// SyncNow drains the offline queue immediately instead of waiting for the
// next recovery event. The drain still aborts if connectivity is lost while
// it runs.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.queue.Drain(ctx)
}

// Watch subscribes to a scope's realtime channel. Change events first run
// through the client's own routing (aggregate recompute, cache
// invalidation) and then reach the caller's handler.
func (c *Client) Watch(ctx context.Context, scope protocol.Scope, handlers transport.ChannelHandlers) error {
	wrapped := handlers
	wrapped.OnChange = func(event protocol.ChangeEvent) {
		c.handleChange(event)
		if handlers.OnChange != nil {
			handlers.OnChange(event)
		}
	}
	return c.registry.Subscribe(ctx, scope, wrapped)
}

// Unwatch tears down the scope's channel.
func (c *Client) Unwatch(scope protocol.Scope) error {
	return c.registry.Unsubscribe(scope)
}

// Broadcast sends an application message on a watched scope.
func (c *Client) Broadcast(scope protocol.Scope, msg protocol.BroadcastMessage) error {
	return c.registry.Broadcast(scope, msg)
}

// Submit issues a local mutation. Online, the optimistic update is applied,
// the store written directly and the cache reconciled; a transient store
// failure downgrades to the offline path instead of surfacing. Offline, the
// optimistic update is applied and the operation queued; it is durable once
// Submit returns. optimistic may be nil when there is no cached view to
// update.
func (c *Client) Submit(ctx context.Context, payload protocol.OpPayload, optimistic func(old any) any) error {
	if optimistic == nil {
		optimistic = func(old any) any { return old }
	}
	entity := protocol.EntityOf(payload)
	if entity == "" {
		return fmt.Errorf("payload has no entity")
	}

	if !c.health.IsOnline() {
		return c.submitOffline(entity, payload, optimistic)
	}

	op := &protocol.Operation{Kind: payload.Kind(), Entity: entity, Payload: payload}
	err := c.cache.Mutate(ctx, entity, optimistic, func(ctx context.Context) error {
		return c.applyOperation(ctx, op)
	})
	if err == nil {
		c.onCommitted(ctx, op, protocol.ParentOf(payload))
		return nil
	}
	if protocol.IsTerminal(err) {
		return err
	}

	// The store is unreachable despite the probe's verdict. Requeue rather
	// than lose the write.
	c.log.Debugf("direct apply failed, queueing: %v", err)
	return c.submitOffline(entity, payload, optimistic)
}

func (c *Client) submitOffline(entity string, payload protocol.OpPayload, optimistic func(old any) any) error {
	c.cache.ApplyLocal(entity, optimistic)
	origin := c.origin()
	if _, err := c.queue.Enqueue(payload, origin); err != nil {
		return err
	}
	return nil
}

func (c *Client) origin() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	user, err := c.cfg.Session.CurrentUser(ctx)
	if err != nil || user == nil {
		return ""
	}
	return user.ID
}

// ClosePin runs the closure gate and, if it passes, submits the status
// change. The gate runs at submit time so the user learns about missing
// evidence immediately instead of from a failed sync later. When the
// gate itself cannot run because the store is unreachable, the close is
// queued anyway and validated again when it is applied.
func (c *Client) ClosePin(ctx context.Context, pinID string) error {
	if err := c.agg.ValidateClosure(ctx, pinID); err != nil {
		if protocol.IsTerminal(err) {
			return err
		}
		// The store is unreachable; the gate runs again when the
		// queued change is applied, so enqueue instead of failing.
		c.log.WithField("pin", pinID).Debugf("closure gate unavailable, deferring: %v", err)
	}
	change := protocol.StatusChange{PinID: pinID, To: protocol.StatusClosed}
	return c.Submit(ctx, change, func(old any) any {
		if parent, ok := old.(*ParentRecord); ok && parent != nil {
			updated := *parent
			updated.ManualState = protocol.StatusClosed
			return &updated
		}
		return old
	})
}

// Recompute re-derives a parent pin's aggregate on demand.
func (c *Client) Recompute(ctx context.Context, parentID string) (*protocol.ParentAggregate, error) {
	return c.agg.Recompute(ctx, parentID)
}

// onCommitted runs after an operation lands remotely: recompute the
// affected parent and reconcile the cached views.
func (c *Client) onCommitted(ctx context.Context, op *protocol.Operation, parentID string) {
	if parentID != "" {
		if _, err := c.agg.Recompute(ctx, parentID); err != nil {
			c.log.WithField("parent", parentID).Warnf("recompute after commit: %v", err)
		}
		c.cache.Invalidate("pin:" + parentID)
	}
	if op.Entity != "" && op.Entity != "pin:"+parentID {
		c.cache.Invalidate(op.Entity)
	}
}

// onConflict drops the optimistic view of an entity whose queued write was
// rejected, so the user sees the store's truth again.
func (c *Client) onConflict(op *protocol.Operation, err error) {
	if op.Entity != "" {
		c.cache.Invalidate(op.Entity)
	}
}

// handleChange routes a remote change event: child and photo changes
// trigger a recompute of the affected parent, pin changes refresh the
// cached row.
func (c *Client) handleChange(event protocol.ChangeEvent) {
	row := event.New
	if len(row) == 0 {
		row = event.Old
	}

	switch event.Table {
	case TablePinChildren, TablePhotos:
		var ref struct {
			ParentID string `json:"parent_id"`
			PinID    string `json:"pin_id"`
		}
		if err := json.Unmarshal(row, &ref); err != nil {
			c.log.Warnf("undecodable %s change: %v", event.Table, err)
			return
		}
		parentID := ref.ParentID
		if parentID == "" {
			parentID = ref.PinID
		}
		if parentID == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
			defer cancel()
			if _, err := c.agg.Recompute(ctx, parentID); err != nil {
				c.log.WithField("parent", parentID).Warnf("recompute after change: %v", err)
			}
			c.cache.Invalidate("pin:" + parentID)
		}()
	case TablePins:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(row, &ref); err != nil || ref.ID == "" {
			return
		}
		c.cache.Invalidate("pin:" + ref.ID)
	case TableChats:
		var ref struct {
			ThreadID string `json:"thread_id"`
		}
		if err := json.Unmarshal(row, &ref); err != nil || ref.ThreadID == "" {
			return
		}
		c.cache.Invalidate("chat:" + ref.ThreadID)
	}
}

// applyOperation translates a queued operation into store mutations. It is
// the queue's applier and also the direct path for online submits.
func (c *Client) applyOperation(ctx context.Context, op *protocol.Operation) error {
	switch p := op.Payload.(type) {
	case protocol.PinUpdate:
		payload, err := json.Marshal(p.Fields)
		if err != nil {
			return fmt.Errorf("encoding pin fields: %w", err)
		}
		table := TablePins
		if p.ParentID != "" {
			table = TablePinChildren
		}
		_, err = c.cfg.Store.Update(ctx, table, map[string]string{"id": p.PinID}, payload)
		return err

	case protocol.PhotoUpload:
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding photo: %w", err)
		}
		if _, err := c.cfg.Store.Insert(ctx, TablePhotos, payload); err != nil {
			return err
		}
		if !p.Closing {
			return nil
		}
		evidence, err := json.Marshal(map[string]string{"closing_photo_url": p.ObjectKey})
		if err != nil {
			return fmt.Errorf("encoding closing photo: %w", err)
		}
		_, err = c.cfg.Store.Update(ctx, TablePins, map[string]string{"id": p.PinID}, evidence)
		return err

	case protocol.ChatMessage:
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding chat message: %w", err)
		}
		_, err = c.cfg.Store.Insert(ctx, TableChats, payload)
		return err

	case protocol.StatusChange:
		if p.ParentID != "" {
			change, err := json.Marshal(map[string]string{"status_child": string(p.To)})
			if err != nil {
				return fmt.Errorf("encoding status change: %w", err)
			}
			_, err = c.cfg.Store.Update(ctx, TablePinChildren, map[string]string{"id": p.PinID}, change)
			return err
		}
		if p.To == protocol.StatusClosed {
			if err := c.agg.ValidateClosure(ctx, p.PinID); err != nil {
				return err
			}
		}
		change, err := json.Marshal(map[string]string{"parent_mix_state": string(p.To)})
		if err != nil {
			return fmt.Errorf("encoding status change: %w", err)
		}
		_, err = c.cfg.Store.Update(ctx, TablePins, map[string]string{"id": p.PinID}, change)
		return err

	case protocol.ProjectUpdate:
		payload, err := json.Marshal(p.Fields)
		if err != nil {
			return fmt.Errorf("encoding project fields: %w", err)
		}
		_, err = c.cfg.Store.Update(ctx, TableProjects, map[string]string{"id": p.ProjectID}, payload)
		return err
	}

	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// fetchEntity is the default cache fetcher: pin keys load the parent row,
// everything else reports not found.
func (c *Client) fetchEntity(ctx context.Context, key string) (any, error) {
	const pinPrefix = "pin:"
	if len(key) > len(pinPrefix) && key[:len(pinPrefix)] == pinPrefix {
		return c.cfg.Store.GetParent(ctx, key[len(pinPrefix):])
	}
	return nil, protocol.NewStoreError(protocol.CodeNotFound, "fetch", "", fmt.Errorf("no fetcher for key %s", key))
}
