package protocol

import (
	"encoding/json"
	"time"
)

// ChangeType is the kind of row change delivered by the backing store.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a change notification from the backing store.
//
// It is intentionally transport-agnostic: transports are free to carry it
// as JSON, protobuf, CBOR, etc. The core library only depends on this struct.
// Ordering is only guaranteed within one table+filter subscription.
type ChangeEvent struct {
	Table string     `json:"table"`
	Type  ChangeType `json:"type"`

	// Old and New carry the row before/after the change. Old is empty for
	// INSERT, New is empty for DELETE.
	Old json.RawMessage `json:"old,omitempty"`
	New json.RawMessage `json:"new,omitempty"`

	// ObservedAt is optional and set by transports on receipt; it is not
	// part of the store's own payload.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// BroadcastMessage is a best-effort message fanned out to all subscribers of
// a scope. The registry stamps ID, SenderID and SentAt before sending.
// Delivery carries no ordering guarantee across distinct scopes.
type BroadcastMessage struct {
	ID       string          `json:"id"`
	Scope    Scope           `json:"scope"`
	Event    string          `json:"event"`
	SenderID string          `json:"sender_id,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// PresenceEntry records one identity currently subscribed to a scope.
// Entries are ephemeral: they disappear when the tracking channel closes.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Scope    Scope     `json:"scope"`
	JoinedAt time.Time `json:"joined_at"`
}
