package event

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformedPayload is returned when an inbound payload matches none of
// the known event shapes. Callers drop and log such payloads; they are
// never partially merged.
var ErrMalformedPayload = errors.New("malformed event payload")

// Wire shapes, tried in fixed priority order. The server may omit the type
// tag on older protocol versions, so decoding is by required-field presence
// rather than by tag alone.
type wireMessage struct {
	ID        *int64 `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt *int64 `json:"created_at"` // unix millis
	Read      bool   `json:"read"`
}

type wireEnvelope struct {
	Conversation string       `json:"conversation"`
	Room         string       `json:"room"`
	SenderID     string       `json:"sender_id"`
	RecipientID  string       `json:"recipient_id"`
	Kind         string       `json:"kind"`
	Body         string       `json:"body"`
	Message      *wireMessage `json:"message"`
}

func (m *wireMessage) valid() bool {
	return m != nil && m.ID != nil && *m.ID >= 0 && m.CreatedAt != nil && m.SenderID != ""
}

func (m *wireMessage) payload() MessagePayload {
	return MessagePayload{
		ID:        *m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		CreatedAt: time.UnixMilli(*m.CreatedAt),
		Read:      m.Read,
	}
}

// Decode normalizes a raw inbound payload into an Event. Shapes are tried
// in priority order: direct message, group message, group notification.
// Anything else fails closed with ErrMalformedPayload.
func Decode(raw []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, ErrMalformedPayload
	}

	switch {
	case env.Conversation != "" && env.RecipientID != "" && env.Message.valid():
		return Event{
			Category:       CategoryDirectMessage,
			ConversationID: env.Conversation,
			SenderID:       env.Message.SenderID,
			RecipientID:    env.RecipientID,
			Payload:        env.Message.payload(),
		}, nil

	case env.Room != "" && env.Message.valid():
		return Event{
			Category:       CategoryGroupMessage,
			ConversationID: env.Room,
			SenderID:       env.Message.SenderID,
			Payload:        env.Message.payload(),
		}, nil

	case env.Room != "" && env.Kind != "":
		return Event{
			Category:       CategoryGroupNotification,
			ConversationID: env.Room,
			SenderID:       env.SenderID,
			Payload:        NoticePayload{Kind: env.Kind, Body: env.Body},
		}, nil
	}

	return Event{}, ErrMalformedPayload
}
