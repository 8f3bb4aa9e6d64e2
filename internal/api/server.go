// Package api exposes the session facade to other local processes as a
// JSON control API over the profile's unix socket, with a websocket
// endpoint streaming observed events.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"github.com/tribeapp/realtime/internal/store"
	"go.uber.org/zap"
)

// Core is the slice of the session facade the control API serves.
// *app.Session satisfies it.
type Core interface {
	Connect(token, userID string)
	Disconnect()
	ReconnectIfNeeded()
	ActivateRoom(room string)
	DeactivateRoom(room, reason string)
	LeaveRoom(room string)
	Observe(cat event.Category, fn registry.Callback) registry.Handle
	StopObserving(h registry.Handle)
	Messages(conversationID string) []convo.Message
	Conversations(limit, offset int) ([]store.Conversation, error)
	MarkRead(conversationID string, serverID int64) error
	UnreadCount(conversationID string) (int, error)
	Send(ctx context.Context, conversationID, text string) (convo.Message, error)
	LoadOlder(ctx context.Context, conversationID string) (int, error)
}

// Server manages the control API lifecycle for a profile daemon.
type Server struct {
	core       Core
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a control server bound to the profile's unix socket.
func NewServer(core Core, socketPath string, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		core:       core,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s, nil
}

// Handler returns the routed control API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/reconnect", s.handleReconnect).Methods(http.MethodPost)

	r.HandleFunc("/v1/rooms/{room}/activate", s.handleActivate).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms/{room}/deactivate", s.handleDeactivate).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms/{room}/leave", s.handleLeave).Methods(http.MethodPost)

	r.HandleFunc("/v1/conversations", s.handleConversations).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/v1/conversations/{id}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/history", s.handleLoadOlder).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/unread", s.handleUnreadCount).Methods(http.MethodGet)

	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Start begins serving control requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("control server shutdown", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
