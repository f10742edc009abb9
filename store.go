package pinsync

import (
	"context"
	"encoding/json"

	"github.com/roofmarks/pinsync/protocol"
)

// Backing-store tables the sync core writes to or watches.
const (
	TablePins        = "pins"
	TablePinChildren = "pin_children"
	TablePhotos      = "photos"
	TableChats       = "chat_messages"
	TableProjects    = "projects"
)

// Mutator is the backing store's mutation API. Implementations translate to
// whatever client SDK the application uses; errors must be classified with
// protocol.StoreError codes so the queue's retry logic can switch on them.
// Unclassified errors are treated as transient.
type Mutator interface {
	Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, table string, filter map[string]string, payload json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, table string, filter map[string]string) error
}

// ChildRecord is the slice of a child defect row the aggregator needs.
type ChildRecord struct {
	ID       string             `json:"id"`
	ParentID string             `json:"parent_id"`
	Status   protocol.PinStatus `json:"status_child"`

	// Severity is carried through recompute but is opaque to the core.
	Severity string `json:"severity,omitempty"`
}

// ParentRecord is the slice of a parent pin row the aggregator needs.
type ParentRecord struct {
	ID          string             `json:"id"`
	ManualState protocol.PinStatus `json:"parent_mix_state"`

	// ClosingPhotoURL is the closure evidence checked by the validation gate.
	ClosingPhotoURL string `json:"closing_photo_url,omitempty"`
}

// ChildSource lists the current child set of a parent pin.
type ChildSource interface {
	ListChildren(ctx context.Context, parentID string) ([]ChildRecord, error)
}

// ParentSource reads a parent pin row.
type ParentSource interface {
	GetParent(ctx context.Context, parentID string) (*ParentRecord, error)
}

// Store aggregates everything the sync core needs from the backing store.
type Store interface {
	Mutator
	ChildSource
	ParentSource
}

// User is the identity returned by the session provider.
type User struct {
	ID    string
	Email string

	// Token is the raw session JWT when the provider has one; used only for
	// the staleness check in the health monitor.
	Token string
}

// SessionProvider is the auth collaborator. A nil user with a nil error
// means no active session.
type SessionProvider interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// NotificationLevel grades user-visible sync notifications.
type NotificationLevel int

const (
	NotifyInfo NotificationLevel = iota
	NotifyWarning
	NotifyError
)

// Notification is the toast-equivalent surface for queue events: "saved,
// will sync" acknowledgments and terminal sync failures.
type Notification struct {
	Level   NotificationLevel
	Message string

	// OpID names the queued operation the notification refers to, if any.
	OpID string
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
