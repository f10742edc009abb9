package pinsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Fetcher loads the authoritative value for a cache key from the backing
// store.
type Fetcher func(ctx context.Context, key string) (any, error)

// CacheReconcilerConfig configures the optimistic cache reconciler.
type CacheReconcilerConfig struct {
	// Fetch is used to refresh a key after a mutation lands or after an
	// explicit invalidation.
	Fetch Fetcher

	// RefetchTimeout bounds a background refetch. Default 10s.
	RefetchTimeout time.Duration

	Log *logrus.Entry
}

type cacheEntry struct {
	value any
	ok    bool

	// gen increments on every local write to the key. A rollback or a
	// refetch result is applied only if the generation it was taken
	// against is still current, so a newer optimistic write is never
	// clobbered by a stale one.
	gen uint64

	refetchCancel context.CancelFunc
}

// CacheReconciler keeps an in-memory view of store entities consistent with
// optimistic local writes. A mutation snapshots the current value, applies
// the optimistic update, then calls the remote; failure restores the
// snapshot, success schedules a background refetch so the view converges on
// what the store actually holds. Any refetch already in flight for a key is
// cancelled before a new mutation touches it.
type CacheReconciler struct {
	cfg CacheReconcilerConfig
	log *logrus.Entry

	mu      sync.Mutex
	entries map[string]*cacheEntry

	refetches sync.WaitGroup
}

// NewCacheReconciler validates the config and returns an empty reconciler.
func NewCacheReconciler(cfg CacheReconcilerConfig) (*CacheReconciler, error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("Fetch is required")
	}
	if cfg.RefetchTimeout == 0 {
		cfg.RefetchTimeout = 10 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CacheReconciler{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "cache"),
		entries: make(map[string]*cacheEntry),
	}, nil
}

func (c *CacheReconciler) entry(key string) *cacheEntry {
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	return e
}

// Get returns the cached value for a key.
func (c *CacheReconciler) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.ok {
		return nil, false
	}
	return e.value, true
}

// Set seeds a key with a known-good value, typically from an initial load
// or a remote change event.
func (c *CacheReconciler) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	e.value = value
	e.ok = true
	e.gen++
}

// Mutate performs an optimistic write: it cancels any refetch in flight for
// the key, snapshots the current value, applies update locally, then runs
// the remote call. On failure the snapshot is restored and the error
// returned; on success a background refetch reconciles the cache with the
// store.
func (c *CacheReconciler) Mutate(ctx context.Context, key string, update func(old any) any, remote func(ctx context.Context) error) error {
	c.mu.Lock()
	e := c.entry(key)
	if e.refetchCancel != nil {
		e.refetchCancel()
		e.refetchCancel = nil
	}
	snapshot, hadValue := e.value, e.ok
	e.value = update(e.value)
	e.ok = true
	e.gen++
	gen := e.gen
	c.mu.Unlock()

	if err := remote(ctx); err != nil {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.gen == gen {
			cur.value = snapshot
			cur.ok = hadValue
			cur.gen++
		}
		c.mu.Unlock()
		return err
	}

	c.scheduleRefetch(key, gen)
	return nil
}

// ApplyLocal applies an optimistic update without a remote call or a
// refetch. Used while offline: the queued operation will reconcile the key
// when it eventually lands.
func (c *CacheReconciler) ApplyLocal(key string, update func(old any) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(key)
	if e.refetchCancel != nil {
		e.refetchCancel()
		e.refetchCancel = nil
	}
	e.value = update(e.value)
	e.ok = true
	e.gen++
}

// Invalidate drops the cached value and refetches it from the store.
func (c *CacheReconciler) Invalidate(key string) {
	c.mu.Lock()
	e := c.entry(key)
	if e.refetchCancel != nil {
		e.refetchCancel()
		e.refetchCancel = nil
	}
	e.ok = false
	e.gen++
	gen := e.gen
	c.mu.Unlock()

	c.scheduleRefetch(key, gen)
}

// scheduleRefetch fetches the key in the background and stores the result
// if no newer write has touched the key in the meantime.
func (c *CacheReconciler) scheduleRefetch(key string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefetchTimeout)

	c.mu.Lock()
	e := c.entry(key)
	if e.gen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	e.refetchCancel = cancel
	c.mu.Unlock()

	c.refetches.Add(1)
	go func() {
		defer c.refetches.Done()
		defer cancel()

		value, err := c.cfg.Fetch(ctx, key)
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithField("key", key).Warnf("refetch failed: %v", err)
			}
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		cur, ok := c.entries[key]
		if !ok || cur.gen != gen {
			return
		}
		cur.value = value
		cur.ok = true
		cur.refetchCancel = nil
	}()
}

// Reset drops every cached entry and cancels in-flight refetches.
func (c *CacheReconciler) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.refetchCancel != nil {
			e.refetchCancel()
		}
	}
	c.entries = make(map[string]*cacheEntry)
}

// Wait blocks until background refetches finish. Test helper.
func (c *CacheReconciler) Wait() {
	c.refetches.Wait()
}
