package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationVersion is the current version of the persisted operation format.
const OperationVersion = 1

// OpKind discriminates the payload of a queued operation.
type OpKind string

const (
	OpPinUpdate     OpKind = "pin-update"
	OpPhotoUpload   OpKind = "photo-upload"
	OpChatMessage   OpKind = "chat-message"
	OpStatusChange  OpKind = "status-change"
	OpProjectUpdate OpKind = "project-update"
)

// Retry budgets per operation kind. Status changes (pin closure and the
// like) are business-critical and get a larger budget than field edits.
const (
	defaultMaxRetries      = 5
	statusChangeMaxRetries = 8
)

// DefaultMaxRetries returns the retry budget for an operation kind.
func DefaultMaxRetries(kind OpKind) int {
	if kind == OpStatusChange {
		return statusChangeMaxRetries
	}
	return defaultMaxRetries
}

// OpPayload is implemented by exactly one payload struct per operation kind.
type OpPayload interface {
	Kind() OpKind
}

// PinUpdate edits fields on a pin or child defect row.
type PinUpdate struct {
	PinID string `json:"pin_id"`

	// ParentID is set when the pin being edited is a child defect; it names
	// the parent whose aggregate must be recomputed after commit.
	ParentID string `json:"parent_id,omitempty"`

	Fields map[string]any `json:"fields"`
}

func (PinUpdate) Kind() OpKind { return OpPinUpdate }

// PhotoUpload records photo evidence attached to a pin. The blob itself is
// uploaded to object storage out of band; the operation carries metadata only.
type PhotoUpload struct {
	PhotoID   string `json:"photo_id"`
	PinID     string `json:"pin_id"`
	ParentID  string `json:"parent_id,omitempty"`
	ObjectKey string `json:"object_key"`

	// Closing marks the photo as closure evidence for the pin.
	Closing bool `json:"closing,omitempty"`
}

func (PhotoUpload) Kind() OpKind { return OpPhotoUpload }

// ChatMessage posts a message to a pin's chat thread.
type ChatMessage struct {
	ThreadID string `json:"thread_id"`
	Body     string `json:"body"`
}

func (ChatMessage) Kind() OpKind { return OpChatMessage }

// StatusChange transitions a pin or child defect between statuses.
type StatusChange struct {
	PinID    string    `json:"pin_id"`
	ParentID string    `json:"parent_id,omitempty"`
	From     PinStatus `json:"from,omitempty"`
	To       PinStatus `json:"to"`
}

func (StatusChange) Kind() OpKind { return OpStatusChange }

// ProjectUpdate edits project-level fields.
type ProjectUpdate struct {
	ProjectID string         `json:"project_id"`
	Fields    map[string]any `json:"fields"`
}

func (ProjectUpdate) Kind() OpKind { return OpProjectUpdate }

// Operation is one pending local write, owned by the offline queue from
// enqueue until it succeeds or exhausts its retry budget.
type Operation struct {
	ID   string
	Kind OpKind

	// Entity keys the FIFO guarantee: operations with the same Entity drain
	// in enqueue order. Operations for different entities carry no ordering
	// guarantee relative to each other.
	Entity string

	// Origin is the user identity that created the operation.
	Origin string

	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int

	Payload OpPayload
}

// EntityOf derives the FIFO entity key for a payload.
func EntityOf(p OpPayload) string {
	switch v := p.(type) {
	case PinUpdate:
		return "pin:" + v.PinID
	case *PinUpdate:
		return "pin:" + v.PinID
	case PhotoUpload:
		return "pin:" + v.PinID
	case *PhotoUpload:
		return "pin:" + v.PinID
	case ChatMessage:
		return "chat:" + v.ThreadID
	case *ChatMessage:
		return "chat:" + v.ThreadID
	case StatusChange:
		return "pin:" + v.PinID
	case *StatusChange:
		return "pin:" + v.PinID
	case ProjectUpdate:
		return "project:" + v.ProjectID
	case *ProjectUpdate:
		return "project:" + v.ProjectID
	}
	return ""
}

// ParentOf returns the parent pin whose aggregate is affected by the payload,
// or "" when the operation does not touch the parent/child hierarchy.
func ParentOf(p OpPayload) string {
	switch v := p.(type) {
	case PinUpdate:
		return v.ParentID
	case *PinUpdate:
		return v.ParentID
	case PhotoUpload:
		return v.ParentID
	case *PhotoUpload:
		return v.ParentID
	case StatusChange:
		if v.ParentID != "" {
			return v.ParentID
		}
		// A status change on a parent pin affects its own aggregate.
		return v.PinID
	case *StatusChange:
		if v.ParentID != "" {
			return v.ParentID
		}
		return v.PinID
	}
	return ""
}

// operationEnvelope is the persisted JSON form of an Operation. The payload
// is stored raw and decoded according to Kind.
type operationEnvelope struct {
	Version    int             `json:"v"`
	ID         string          `json:"id"`
	Kind       OpKind          `json:"kind"`
	Entity     string          `json:"entity"`
	Origin     string          `json:"origin,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the operation with its kind-discriminated payload.
func (op *Operation) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", op.Kind, err)
	}
	return json.Marshal(operationEnvelope{
		Version:    OperationVersion,
		ID:         op.ID,
		Kind:       op.Kind,
		Entity:     op.Entity,
		Origin:     op.Origin,
		EnqueuedAt: op.EnqueuedAt,
		RetryCount: op.RetryCount,
		MaxRetries: op.MaxRetries,
		Payload:    payload,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload on Kind.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var env operationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Version == 0 {
		return fmt.Errorf("invalid operation: missing version")
	}

	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}

	op.ID = env.ID
	op.Kind = env.Kind
	op.Entity = env.Entity
	op.Origin = env.Origin
	op.EnqueuedAt = env.EnqueuedAt
	op.RetryCount = env.RetryCount
	op.MaxRetries = env.MaxRetries
	op.Payload = payload
	return nil
}

func decodePayload(kind OpKind, data json.RawMessage) (OpPayload, error) {
	switch kind {
	case OpPinUpdate:
		var p PinUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpPhotoUpload:
		var p PhotoUpload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpChatMessage:
		var p ChatMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpStatusChange:
		var p StatusChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OpProjectUpdate:
		var p ProjectUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown operation kind %q", kind)
}
