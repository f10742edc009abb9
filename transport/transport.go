package transport

import (
	"context"

	"github.com/roofmarks/pinsync/protocol"
)

// ChannelState is the lifecycle state of one topic-scoped channel.
//
// Normal path: Connecting -> Subscribed. Subscribed may degrade to Error
// (connection fault) or TimedOut (liveness lost); Closed is terminal for the
// subscription and is only re-entered via a fresh subscribe.
type ChannelState int

const (
	StateConnecting ChannelState = iota
	StateSubscribed
	StateError
	StateTimedOut
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PresenceEventType distinguishes presence joins from leaves.
type PresenceEventType int

const (
	PresenceJoin PresenceEventType = iota
	PresenceLeave
)

// PresenceEvent is a presence diff delivered on a channel.
type PresenceEvent struct {
	Type  PresenceEventType
	Entry protocol.PresenceEntry
}

// ChannelHandlers carries the typed callbacks a subscriber registers on a
// channel. Nil callbacks are skipped. Handlers are invoked sequentially per
// channel, in the order events arrive on that channel.
type ChannelHandlers struct {
	OnChange    func(protocol.ChangeEvent)
	OnBroadcast func(protocol.BroadcastMessage)
	OnPresence  func(PresenceEvent)
	OnState     func(ChannelState)
}

// Channel is the duplex, topic-scoped connection primitive to the realtime
// backing service. The sync core only consumes it through the channel
// registry's wrapper; channel identity is never assumed stable across a
// reconnect.
type Channel interface {
	// Subscribe attaches handlers and joins the topic. It may only be
	// called once per channel.
	Subscribe(handlers ChannelHandlers) error

	// Track registers an ephemeral presence entry for this channel. The
	// entry is removed automatically when the channel closes.
	Track(entry protocol.PresenceEntry) error

	// Send broadcasts a message to all subscribers of the topic.
	// Delivery is best effort and FIFO only within this channel.
	Send(msg protocol.BroadcastMessage) error

	// Unsubscribe leaves the topic and releases the connection.
	Unsubscribe() error
}

// Dialer opens channels against the realtime backing service, one per scope.
type Dialer interface {
	Dial(ctx context.Context, scope protocol.Scope) (Channel, error)
}
