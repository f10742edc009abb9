package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roofmarks/pinsync/protocol"
	"github.com/sirupsen/logrus"
)

// Wire events exchanged with the realtime service. One websocket connection
// carries exactly one topic; frames are small JSON envelopes.
const (
	evJoin          = "join"
	evJoined        = "joined"
	evLeave         = "leave"
	evHeartbeat     = "heartbeat"
	evHeartbeatAck  = "heartbeat_ack"
	evTrack         = "track"
	evChange        = "change"
	evBroadcast     = "broadcast"
	evPresenceJoin  = "presence_join"
	evPresenceLeave = "presence_leave"
)

// frame is the JSON envelope for all websocket traffic.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSDialerConfig configures the websocket dialer.
type WSDialerConfig struct {
	// URL is the websocket endpoint of the realtime service.
	URL string

	// Token is an optional bearer token sent on the handshake.
	Token string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration

	Log *logrus.Entry
}

// WSDialer opens one websocket connection per scope.
type WSDialer struct {
	cfg WSDialerConfig
	log *logrus.Entry
}

// NewWSDialer validates the config and returns a dialer.
func NewWSDialer(cfg WSDialerConfig) (*WSDialer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WSDialer{cfg: cfg, log: cfg.Log.WithField("component", "ws-dialer")}, nil
}

// Dial opens a connection scoped to one topic.
func (d *WSDialer) Dial(ctx context.Context, scope protocol.Scope) (Channel, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	endpoint := d.cfg.URL + "?topic=" + url.QueryEscape(scope.String())
	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", scope, err)
	}

	return newWSChannel(conn, scope, d.cfg.HeartbeatInterval, d.log), nil
}

// wsChannel is a Channel over one websocket connection.
type wsChannel struct {
	conn  *websocket.Conn
	scope protocol.Scope
	log   *logrus.Entry

	heartbeat time.Duration

	// writeMu serializes writes; the websocket allows one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      ChannelState
	handlers   ChannelHandlers
	subscribed bool
	closed     bool
	lastAck    time.Time

	done chan struct{}
}

func newWSChannel(conn *websocket.Conn, scope protocol.Scope, heartbeat time.Duration, log *logrus.Entry) *wsChannel {
	return &wsChannel{
		conn:      conn,
		scope:     scope,
		log:       log.WithField("scope", scope.String()),
		heartbeat: heartbeat,
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
}

func (c *wsChannel) Subscribe(handlers ChannelHandlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subscribed = true
	c.handlers = handlers
	c.lastAck = time.Now()
	c.mu.Unlock()

	c.emitState(StateConnecting)

	if err := c.writeFrame(frame{Topic: c.scope.String(), Event: evJoin}); err != nil {
		c.emitState(StateError)
		return fmt.Errorf("failed to join %s: %w", c.scope, err)
	}

	go c.readPump()
	go c.heartbeatLoop()
	return nil
}

func (c *wsChannel) Track(entry protocol.PresenceEntry) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.writeFrame(frame{Topic: c.scope.String(), Event: evTrack, Payload: payload})
}

func (c *wsChannel) Send(msg protocol.BroadcastMessage) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrChannelClosed
	}
	if state != StateSubscribed {
		return ErrNotSubscribed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(frame{Topic: c.scope.String(), Event: evBroadcast, Ref: msg.ID, Payload: payload})
}

func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	// Best effort: tell the service we are leaving before dropping the socket.
	_ = c.writeFrame(frame{Topic: c.scope.String(), Event: evLeave})
	c.emitState(StateClosed)
	return c.conn.Close()
}

func (c *wsChannel) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// emitState transitions the channel state and notifies the subscriber.
// Closed is sticky: nothing transitions out of it.
func (c *wsChannel) emitState(state ChannelState) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	onState := c.handlers.OnState
	c.mu.Unlock()

	if onState != nil {
		onState(state)
	}
}

func (c *wsChannel) readPump() {
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			state := c.state
			c.mu.Unlock()
			// A close we initiated, or a heartbeat timeout that already
			// transitioned the state, is not a connection error.
			if !closed && state != StateTimedOut {
				c.log.Debugf("read failed: %v", err)
				c.emitState(StateError)
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *wsChannel) dispatch(f frame) {
	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()

	switch f.Event {
	case evJoined:
		c.emitState(StateSubscribed)
	case evHeartbeatAck:
		c.mu.Lock()
		c.lastAck = time.Now()
		c.mu.Unlock()
	case evChange:
		var ev protocol.ChangeEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			c.log.Warnf("dropping malformed change event: %v", err)
			return
		}
		if ev.ObservedAt.IsZero() {
			ev.ObservedAt = time.Now()
		}
		if handlers.OnChange != nil {
			handlers.OnChange(ev)
		}
	case evBroadcast:
		var msg protocol.BroadcastMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			c.log.Warnf("dropping malformed broadcast: %v", err)
			return
		}
		if handlers.OnBroadcast != nil {
			handlers.OnBroadcast(msg)
		}
	case evPresenceJoin, evPresenceLeave:
		var entry protocol.PresenceEntry
		if err := json.Unmarshal(f.Payload, &entry); err != nil {
			c.log.Warnf("dropping malformed presence event: %v", err)
			return
		}
		if handlers.OnPresence != nil {
			typ := PresenceJoin
			if f.Event == evPresenceLeave {
				typ = PresenceLeave
			}
			handlers.OnPresence(PresenceEvent{Type: typ, Entry: entry})
		}
	default:
		c.log.Debugf("ignoring unknown event %q", f.Event)
	}
}

// heartbeatLoop sends periodic heartbeats and declares the channel TimedOut
// when two intervals pass without an ack.
func (c *wsChannel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastAck) > 2*c.heartbeat
			c.mu.Unlock()

			if stale {
				c.emitState(StateTimedOut)
				_ = c.conn.Close()
				return
			}
			if err := c.writeFrame(frame{Topic: c.scope.String(), Event: evHeartbeat}); err != nil {
				// The read pump will observe the broken connection.
				return
			}
		}
	}
}
