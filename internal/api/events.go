package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/tribeapp/realtime/internal/conn"
	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"go.uber.org/zap"
)

// Clients connect over the local socket, not a browser; there is no
// origin to check.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wireEvent is the control API's JSON shape for an observed event.
type wireEvent struct {
	Category       string `json:"category"`
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

func toWireEvent(evt event.Event) wireEvent {
	we := wireEvent{
		Category:       string(evt.Category),
		ConversationID: evt.ConversationID,
		SenderID:       evt.SenderID,
		RecipientID:    evt.RecipientID,
	}
	switch p := evt.Payload.(type) {
	case event.MessagePayload:
		we.Payload = toWireMessage(convo.Message{
			ID: p.ID, SenderID: p.SenderID, Text: p.Text,
			CreatedAt: p.CreatedAt, Read: p.Read,
		})
	case event.NoticePayload:
		we.Payload = map[string]string{"kind": p.Kind, "body": p.Body}
	case conn.StatusChange:
		we.Payload = map[string]string{"from": string(p.From), "to": string(p.To)}
	default:
		we.Payload = evt.Payload
	}
	return we
}

// handleEvents streams observed events over a websocket until the client
// goes away. Callbacks run on the registry dispatch goroutine, so they
// never block: a slow consumer loses events rather than stalling dispatch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cats := r.URL.Query()["category"]
	if len(cats) == 0 {
		cats = []string{
			string(event.CategoryDirectMessage),
			string(event.CategoryGroupMessage),
			string(event.CategoryGroupNotification),
			string(event.CategoryConnectionStatus),
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}

	events := make(chan wireEvent, 64)
	var handles []registry.Handle
	for _, c := range cats {
		handles = append(handles, s.core.Observe(event.Category(c), func(evt event.Event) {
			select {
			case events <- toWireEvent(evt):
			default:
			}
		}))
	}
	defer func() {
		for _, h := range handles {
			s.core.StopObserving(h)
		}
		_ = ws.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt := <-events:
			if err := ws.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
