// Package pinsync is the client-side synchronization core for roof defect
// tracking: pins placed on roof plans, their child defects, photo evidence
// and chat threads, kept consistent between a local optimistic view and a
// shared backing store across flaky site connectivity.
//
// The package is transport- and store-agnostic. The embedding application
// provides a Store (the backing store's mutation and read API), a
// transport.Dialer (realtime channels, a websocket implementation ships in
// the transport package) and a SessionProvider (auth). The Client wires the
// five cooperating pieces: the HealthMonitor decides online or offline, the
// ChannelRegistry owns realtime subscriptions per scope, the OfflineQueue
// persists mutations issued offline and replays them in order, the
// CacheReconciler keeps the optimistic view honest with snapshots and
// rollbacks, and the Aggregator re-derives parent pin rollups whenever the
// child set changes.
package pinsync

import (
	"github.com/roofmarks/pinsync/protocol"
)

// Re-exported protocol types so common call sites need only this package.
type (
	Scope        = protocol.Scope
	PinStatus    = protocol.PinStatus
	Operation    = protocol.Operation
	OpPayload    = protocol.OpPayload
	ChangeEvent  = protocol.ChangeEvent
	PinUpdate    = protocol.PinUpdate
	PhotoUpload  = protocol.PhotoUpload
	ChatMessage  = protocol.ChatMessage
	StatusChange = protocol.StatusChange
)

const (
	StatusOpen               = protocol.StatusOpen
	StatusReadyForInspection = protocol.StatusReadyForInspection
	StatusClosed             = protocol.StatusClosed
)
