package pinsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/roofmarks/pinsync/protocol"
	"github.com/roofmarks/pinsync/transport"
)

// ChannelRegistryConfig configures the channel registry.
type ChannelRegistryConfig struct {
	Dialer  transport.Dialer
	Session SessionProvider
	Status  *StatusTracker

	// SenderID stamps outgoing broadcasts so peers can drop echoes.
	SenderID string

	// ReconnectDelay is the pause between a channel timing out and the
	// registry tearing everything down for a full re-dial. Default 2s.
	ReconnectDelay time.Duration

	Log *logrus.Entry
}

type channelEntry struct {
	scope    protocol.Scope
	handlers transport.ChannelHandlers
	channel  transport.Channel
	state    transport.ChannelState
	gen      uint64
}

// ChannelRegistry owns every live realtime channel, keyed by scope. At most
// one channel exists per scope; subscribing to a scope that already has one
// tears the old channel down first. A single channel timing out is treated
// as a verdict on the whole connection: the registry reconnects all scopes
// together rather than patching one.
type ChannelRegistry struct {
	cfg ChannelRegistryConfig
	log *logrus.Entry

	mu      sync.Mutex
	entries map[protocol.Scope]*channelEntry
	closed  bool
}

// NewChannelRegistry validates the config and returns an empty registry.
func NewChannelRegistry(cfg ChannelRegistryConfig) (*ChannelRegistry, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("Dialer is required")
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("Status is required")
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &ChannelRegistry{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "registry"),
		entries: make(map[protocol.Scope]*channelEntry),
	}, nil
}

// Subscribe dials a channel for the scope and wires the handlers. It is
// idempotent per scope: an existing channel is unsubscribed first, so the
// caller always ends up with exactly one live subscription. On dial failure
// the entry is kept in the error state so a later ReconnectAll retries it.
func (r *ChannelRegistry) Subscribe(ctx context.Context, scope protocol.Scope, handlers transport.ChannelHandlers) error {
	if scope.IsZero() {
		return fmt.Errorf("scope is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrChannelClosed
	}
	entry := &channelEntry{scope: scope, handlers: handlers, state: transport.StateConnecting}
	var stale transport.Channel
	if prev, ok := r.entries[scope]; ok {
		entry.gen = prev.gen + 1
		stale = prev.channel
	}
	r.entries[scope] = entry
	gen := entry.gen
	r.mu.Unlock()

	// Tear the old channel down outside the lock: the shipped transport
	// emits StateClosed synchronously from Unsubscribe, which re-enters
	// handleState. The bumped generation makes that callback a no-op.
	if stale != nil {
		if err := stale.Unsubscribe(); err != nil {
			r.log.WithField("scope", scope).Warnf("unsubscribing stale channel: %v", err)
		}
	}

	return r.dial(ctx, entry, gen)
}

// dial connects the entry's scope and subscribes it. gen guards against a
// racing re-subscribe replacing the entry while we were dialing.
func (r *ChannelRegistry) dial(ctx context.Context, entry *channelEntry, gen uint64) error {
	ch, err := r.cfg.Dialer.Dial(ctx, entry.scope)
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.entries[entry.scope]; ok && cur.gen == gen {
			cur.state = transport.StateError
			cur.channel = nil
		}
		r.mu.Unlock()
		r.cfg.Status.SetOnline(false)
		return fmt.Errorf("dialing scope %s: %w", entry.scope, err)
	}

	scope, handlers := entry.scope, entry.handlers
	wrapped := handlers
	wrapped.OnState = func(state transport.ChannelState) {
		r.handleState(scope, gen, state)
		if handlers.OnState != nil {
			handlers.OnState(state)
		}
	}

	if err := ch.Subscribe(wrapped); err != nil {
		ch.Unsubscribe()
		r.mu.Lock()
		if cur, ok := r.entries[scope]; ok && cur.gen == gen {
			cur.state = transport.StateError
			cur.channel = nil
		}
		r.mu.Unlock()
		return fmt.Errorf("subscribing scope %s: %w", scope, err)
	}

	r.mu.Lock()
	cur, ok := r.entries[scope]
	if !ok || cur.gen != gen {
		r.mu.Unlock()
		ch.Unsubscribe()
		return nil
	}
	cur.channel = ch
	// The read pump may already have reported Error or TimedOut through
	// handleState while Subscribe was returning; keep that verdict.
	if cur.state == transport.StateConnecting {
		cur.state = transport.StateSubscribed
	}
	r.mu.Unlock()

	r.log.WithField("scope", scope).Info("channel subscribed")
	r.track(ch)
	return nil
}

// track announces presence on the channel when an identity is available.
func (r *ChannelRegistry) track(ch transport.Channel) {
	if r.cfg.Session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, err := r.cfg.Session.CurrentUser(ctx)
	if err != nil || user == nil {
		return
	}
	if err := ch.Track(protocol.PresenceEntry{UserID: user.ID, JoinedAt: time.Now().UTC()}); err != nil {
		r.log.Warnf("tracking presence: %v", err)
	}
}

// handleState reacts to channel state transitions. Stale generations are
// ignored so a channel replaced mid-flight cannot poison its successor.
func (r *ChannelRegistry) handleState(scope protocol.Scope, gen uint64, state transport.ChannelState) {
	r.mu.Lock()
	cur, ok := r.entries[scope]
	if !ok || cur.gen != gen || r.closed {
		r.mu.Unlock()
		return
	}
	cur.state = state
	r.mu.Unlock()

	switch state {
	case transport.StateTimedOut:
		r.log.WithField("scope", scope).Warn("channel timed out, scheduling reconnect")
		r.cfg.Status.SetOnline(false)
		time.AfterFunc(r.cfg.ReconnectDelay, func() {
			if err := r.ReconnectAll(); err != nil {
				r.log.Warnf("reconnect after timeout: %v", err)
			}
		})
	case transport.StateError:
		r.log.WithField("scope", scope).Warn("channel error")
		r.cfg.Status.SetOnline(false)
	}
}

// ReconnectAll tears down every channel and re-dials each scope with its
// original handlers. Used after connectivity returns or a channel times out.
func (r *ChannelRegistry) ReconnectAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return transport.ErrChannelClosed
	}
	entries := make([]*channelEntry, 0, len(r.entries))
	stale := make([]transport.Channel, 0, len(r.entries))
	for _, e := range r.entries {
		if e.channel != nil {
			stale = append(stale, e.channel)
			e.channel = nil
		}
		e.gen++
		e.state = transport.StateConnecting
		entries = append(entries, e)
	}
	r.mu.Unlock()

	// Unsubscribe re-enters handleState on transports that report
	// StateClosed synchronously, so it must run without the lock held.
	for _, ch := range stale {
		ch.Unsubscribe()
	}

	var errs error
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := r.dial(ctx, e, e.gen)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Unsubscribe closes the channel for a scope and forgets it.
func (r *ChannelRegistry) Unsubscribe(scope protocol.Scope) error {
	r.mu.Lock()
	entry, ok := r.entries[scope]
	if ok {
		delete(r.entries, scope)
	}
	r.mu.Unlock()

	if !ok || entry.channel == nil {
		return nil
	}
	return entry.channel.Unsubscribe()
}

// Broadcast sends an application message on the scope's channel. The message
// is stamped with a fresh id, the sender and the send time before it goes
// out. Only a subscribed channel accepts sends.
func (r *ChannelRegistry) Broadcast(scope protocol.Scope, msg protocol.BroadcastMessage) error {
	r.mu.Lock()
	entry, ok := r.entries[scope]
	if !ok || entry.channel == nil || entry.state != transport.StateSubscribed {
		r.mu.Unlock()
		return transport.ErrNotSubscribed
	}
	ch := entry.channel
	r.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.Scope = scope
	msg.SenderID = r.cfg.SenderID
	msg.SentAt = time.Now().UTC()
	return ch.Send(msg)
}

// State reports the current state of the scope's channel.
func (r *ChannelRegistry) State(scope protocol.Scope) (transport.ChannelState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[scope]
	if !ok {
		return 0, false
	}
	return entry.state, true
}

// Scopes returns the scopes with a registered channel, live or not.
func (r *ChannelRegistry) Scopes() []protocol.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	scopes := make([]protocol.Scope, 0, len(r.entries))
	for s := range r.entries {
		scopes = append(scopes, s)
	}
	return scopes
}

// Shutdown unsubscribes every channel and marks the registry closed.
func (r *ChannelRegistry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*channelEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[protocol.Scope]*channelEntry)
	r.mu.Unlock()

	var errs error
	for _, e := range entries {
		if e.channel == nil {
			continue
		}
		if err := e.channel.Unsubscribe(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unsubscribing scope %s: %w", e.scope, err))
		}
	}
	return errs
}
