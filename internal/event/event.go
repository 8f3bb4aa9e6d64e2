package event

import "time"

// Category classifies an inbound realtime event for observer routing.
type Category string

const (
	CategoryDirectMessage     Category = "direct-message"
	CategoryGroupMessage      Category = "group-message"
	CategoryGroupNotification Category = "group-notification"
	// CategoryConnectionStatus carries connection state changes to observers.
	// It never originates from the wire; the lifecycle manager emits it locally.
	CategoryConnectionStatus Category = "connection-status"
)

// Event is the canonical shape every inbound payload is normalized into
// before dispatch. Observers and conversation engines depend only on this
// shape, never on raw transport field names.
type Event struct {
	Category       Category
	ConversationID string
	SenderID       string
	RecipientID    string
	Payload        any
}

// MessagePayload is the payload of direct-message and group-message events.
type MessagePayload struct {
	ID        int64
	SenderID  string
	Text      string
	CreatedAt time.Time
	Read      bool
}

// NoticePayload is the payload of group-notification events
// (member joined, goal completed, and similar non-message pushes).
type NoticePayload struct {
	Kind string
	Body string
}
