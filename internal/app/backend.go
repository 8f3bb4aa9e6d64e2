package app

import (
	"context"
	"time"

	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/rest"
)

// restBackend adapts the REST client to the engine's Backend interface,
// converting wire timestamps (unix millis) to time.Time.
type restBackend struct {
	client *rest.Client
}

func (b *restBackend) History(ctx context.Context, conversationID string, beforeID int64, limit int) ([]convo.Message, error) {
	page, err := b.client.History(ctx, conversationID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]convo.Message, len(page))
	for i, m := range page {
		out[i] = toConvoMessage(m)
	}
	return out, nil
}

func (b *restBackend) SendText(ctx context.Context, conversationID, text string) (convo.Message, error) {
	msg, err := b.client.Send(ctx, conversationID, text)
	if err != nil {
		return convo.Message{}, err
	}
	return toConvoMessage(*msg), nil
}

func toConvoMessage(m rest.Message) convo.Message {
	return convo.Message{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		CreatedAt: time.UnixMilli(m.CreatedAt),
		Read:      m.Read,
	}
}
