package app

import (
	"context"
	"errors"
	"sync"

	"github.com/tribeapp/realtime/internal/config"
	"github.com/tribeapp/realtime/internal/conn"
	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"github.com/tribeapp/realtime/internal/rest"
	"github.com/tribeapp/realtime/internal/rooms"
	"github.com/tribeapp/realtime/internal/store"
	"go.uber.org/zap"
)

// Session is the facade the embedding application talks to. It ties the
// connection manager, observer registry, room coordinator, and per
// conversation engines together behind one surface.
type Session struct {
	cfg    *config.Config
	reg    *registry.Registry
	mgr    *conn.Manager
	coord  *rooms.Coordinator
	client *rest.Client
	cache  *store.DB
	logger *zap.Logger

	mu      sync.Mutex
	userID  string
	engines map[string]*convo.Engine
	routes  []registry.Handle
}

// NewSession wires the facade. Push messages are routed to whichever
// engine is open for their conversation; events for closed conversations
// are dropped here, not queued.
func NewSession(cfg *config.Config, reg *registry.Registry, mgr *conn.Manager, coord *rooms.Coordinator, client *rest.Client, cache *store.DB, logger *zap.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		reg:     reg,
		mgr:     mgr,
		coord:   coord,
		client:  client,
		cache:   cache,
		logger:  logger,
		engines: make(map[string]*convo.Engine),
	}

	for _, cat := range []event.Category{event.CategoryDirectMessage, event.CategoryGroupMessage} {
		s.routes = append(s.routes, reg.Register(cat, s.routePush))
	}

	// The server drops room membership across reconnects, so every
	// successful (re)connect re-issues joins for actively viewed rooms.
	mgr.OnConnected(coord.ResyncJoined)
	return s
}

// Connect establishes (or reuses) the realtime connection using the
// configured server endpoint and the given credentials.
func (s *Session) Connect(token, userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	s.client.SetToken(token)
	s.mgr.Connect(s.cfg.Server.BaseURL, token, userID)
}

// Disconnect tears down the connection and forgets the desired identity.
func (s *Session) Disconnect() {
	s.mgr.Disconnect()
}

// ReconnectIfNeeded nudges the manager after a foreground resume.
func (s *Session) ReconnectIfNeeded() {
	s.mgr.ReconnectIfNeeded()
}

// Observe registers a callback for a category of events.
func (s *Session) Observe(cat event.Category, fn registry.Callback) registry.Handle {
	return s.reg.Register(cat, fn)
}

// StopObserving removes a previously registered callback. After it
// returns the callback will not fire for newly dispatched events.
func (s *Session) StopObserving(h registry.Handle) {
	s.reg.Unregister(h)
}

// ActivateRoom marks a room as actively viewed.
func (s *Session) ActivateRoom(room string) {
	s.coord.MarkActive(room)
}

// DeactivateRoom starts the leave grace period for a room. The reason is
// diagnostic only ("navigation", "background", ...).
func (s *Session) DeactivateRoom(room, reason string) {
	s.logger.Debug("room deactivated", zap.String("room", room), zap.String("reason", reason))
	s.coord.MarkInactive(room)
}

// LeaveRoom leaves immediately and blocks rejoin for the cooldown window.
// Used when the user exits a group rather than navigating away.
func (s *Session) LeaveRoom(room string) {
	s.coord.Leave(room)
}

// Conversation returns the engine for a conversation, creating and
// cache-seeding it on first use.
func (s *Session) Conversation(id string) *convo.Engine {
	s.mu.Lock()
	e, ok := s.engines[id]
	if !ok {
		e = convo.NewEngine(id, &restBackend{client: s.client}, s.cache, s.cfg.Tunables, s.logger)
		s.engines[id] = e
	}
	s.mu.Unlock()

	if !ok {
		e.SeedFromCache()
	}
	return e
}

// CloseConversation drops the engine for a conversation. Its cached
// messages survive; a later Conversation call rebuilds from the cache.
func (s *Session) CloseConversation(id string) {
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
}

// Send posts a message through the conversation's engine. An
// authorization failure additionally tears the connection down; the stale
// token will not succeed on the socket either.
func (s *Session) Send(ctx context.Context, conversationID, text string) (convo.Message, error) {
	s.mu.Lock()
	sender := s.userID
	s.mu.Unlock()

	msg, err := s.Conversation(conversationID).Send(ctx, text, sender)
	return msg, s.checkAuth(err)
}

// LoadOlder pages one step further back in a conversation's history.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	added, err := s.Conversation(conversationID).LoadOlder(ctx)
	return added, s.checkAuth(err)
}

// checkAuth tears the connection down on an authorization failure from any
// REST call; the stale token will not succeed on the socket either.
func (s *Session) checkAuth(err error) error {
	var authErr *rest.AuthError
	if errors.As(err, &authErr) {
		s.logger.Warn("request rejected as unauthorized, disconnecting",
			zap.Int("status", authErr.StatusCode))
		s.mgr.Disconnect()
	}
	return err
}

// Messages returns the current reconciled snapshot of a conversation.
func (s *Session) Messages(conversationID string) []convo.Message {
	return s.Conversation(conversationID).Messages()
}

// Conversations lists cached conversation summaries by recency.
func (s *Session) Conversations(limit, offset int) ([]store.Conversation, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.ListConversations(limit, offset)
}

// MarkRead flags a conversation's messages up to and including serverID
// as read.
func (s *Session) MarkRead(conversationID string, serverID int64) error {
	return s.Conversation(conversationID).MarkRead(serverID)
}

// UnreadCount returns the number of cached unread messages in a
// conversation.
func (s *Session) UnreadCount(conversationID string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.UnreadCount(conversationID)
}

// Close unregisters the push routes. The registry itself is shut down by
// the daemon lifecycle, not here.
func (s *Session) Close() {
	for _, h := range s.routes {
		s.reg.Unregister(h)
	}
}

// routePush runs on the registry dispatch goroutine. It forwards message
// events to the open engine for their conversation and drops the rest.
func (s *Session) routePush(evt event.Event) {
	s.mu.Lock()
	e, ok := s.engines[evt.ConversationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if evt.Category == event.CategoryGroupMessage {
		e.MarkGroup()
	}
	if err := e.IngestPush(evt); err != nil {
		s.logger.Warn("push event dropped",
			zap.String("conversation", evt.ConversationID), zap.Error(err))
	}
}
