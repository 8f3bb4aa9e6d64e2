package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/rest"
	"go.uber.org/zap"
)

// wireMessage is the control API's JSON shape for a conversation message.
type wireMessage struct {
	ID        int64  `json:"id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"` // unix millis
	Read      bool   `json:"read"`
	Pending   bool   `json:"pending"`
}

func toWireMessage(m convo.Message) wireMessage {
	return wireMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Read:      m.Read,
		Pending:   m.ID < 0,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var authErr *rest.AuthError
	if errors.As(err, &authErr) {
		status = http.StatusUnauthorized
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.Token == "" || req.UserID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token and user_id required"})
		return
	}
	s.core.Connect(req.Token, req.UserID)
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.core.Disconnect()
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.core.ReconnectIfNeeded()
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.core.ActivateRoom(mux.Vars(r)["room"])
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &req)
	s.core.DeactivateRoom(mux.Vars(r)["room"], req.Reason)
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.core.LeaveRoom(mux.Vars(r)["room"])
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := s.core.Conversations(limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type wireConversation struct {
		ID                 string `json:"id"`
		Title              string `json:"title"`
		IsGroup            bool   `json:"is_group"`
		LastMessageAt      int64  `json:"last_message_at"`
		LastMessagePreview string `json:"last_message_preview"`
	}
	out := make([]wireConversation, len(list))
	for i, c := range list {
		out[i] = wireConversation{
			ID:                 c.ID,
			Title:              c.Title,
			IsGroup:            c.IsGroup,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.core.Messages(mux.Vars(r)["id"])
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = toWireMessage(m)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil || req.Text == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}
	msg, err := s.core.Send(r.Context(), mux.Vars(r)["id"], req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWireMessage(msg))
}

func (s *Server) handleLoadOlder(w http.ResponseWriter, r *http.Request) {
	added, err := s.core.LoadOlder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerID int64 `json:"server_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "server_id required"})
		return
	}
	if err := s.core.MarkRead(mux.Vars(r)["id"], req.ServerID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.core.UnreadCount(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}
