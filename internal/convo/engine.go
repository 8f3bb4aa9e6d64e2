// Package convo reconciles the three message sources of one conversation
// (server pushes, REST history pages, and optimistic local sends) into a
// single de-duplicated, time-ordered sequence.
package convo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tribeapp/realtime/internal/config"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/store"
	"go.uber.org/zap"
)

// ErrWrongConversation is returned when a push event addressed to another
// conversation reaches this engine. Such events are dropped, never merged.
var ErrWrongConversation = errors.New("event addressed to another conversation")

// Message is one entry of a conversation. Server-assigned ids are
// non-negative; optimistic placeholders carry unique negative ids until
// reconciled, so the two can never collide.
type Message struct {
	ID        int64
	SenderID  string
	Text      string
	CreatedAt time.Time
	Read      bool
}

// Backend is the REST slice the engine depends on for history pages and
// confirmed sends.
type Backend interface {
	History(ctx context.Context, conversationID string, beforeID int64, limit int) ([]Message, error)
	SendText(ctx context.Context, conversationID, text string) (Message, error)
}

// Engine holds the reconciled message list of one open conversation.
// Engines are independent of each other; each owns its own list and its
// own in-flight-fetch guard, so no cross-conversation lock exists.
type Engine struct {
	conversationID string
	backend        Backend
	cache          *store.DB // nil disables persistence
	logger         *zap.Logger
	pageSize       int
	pageTimeout    time.Duration

	mu              sync.Mutex
	msgs            []Message
	placeholderSeq  int64
	canPaginateBack bool
	fetching        bool
	isGroup         bool
}

// NewEngine creates an engine for one conversation. cache may be nil.
func NewEngine(conversationID string, backend Backend, cache *store.DB, tun config.Tunables, logger *zap.Logger) *Engine {
	return &Engine{
		conversationID:  conversationID,
		backend:         backend,
		cache:           cache,
		logger:          logger,
		pageSize:        tun.PageSize,
		pageTimeout:     tun.PageTimeout(),
		canPaginateBack: true,
	}
}

// ConversationID returns the conversation this engine reconciles.
func (e *Engine) ConversationID() string {
	return e.conversationID
}

// Messages returns a snapshot of the reconciled sequence, ascending by
// CreatedAt.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// CanPaginateBack reports whether older history may still exist.
func (e *Engine) CanPaginateBack() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canPaginateBack
}

// AppendIfAbsent inserts the message unless its server id is already
// present, then re-sorts. Idempotent under replay; this is where duplicate
// delivery is silently absorbed.
func (e *Engine) AppendIfAbsent(m Message) bool {
	e.mu.Lock()
	if m.ID >= 0 && e.indexOfLocked(m.ID) >= 0 {
		e.mu.Unlock()
		return false
	}
	e.msgs = append(e.msgs, m)
	e.sortLocked()
	e.mu.Unlock()

	e.persist(m)
	return true
}

// SendOptimistic appends a placeholder with a fresh negative id and the
// current timestamp, returning the placeholder id for later reconciliation.
// At most one pending placeholder exists per (sender, text) pair; a repeat
// call returns the existing id.
func (e *Engine) SendOptimistic(text, senderID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.msgs {
		if m.ID < 0 && m.SenderID == senderID && m.Text == text {
			return m.ID
		}
	}

	e.placeholderSeq--
	id := e.placeholderSeq
	e.msgs = append(e.msgs, Message{
		ID:        id,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: time.Now(),
	})
	e.sortLocked()
	return id
}

// ReconcileSent replaces the placeholder with the server-confirmed message
// in place, preserving its list position. If the confirmed message already
// arrived via push, the placeholder is simply dropped.
func (e *Engine) ReconcileSent(placeholderID int64, server Message) {
	e.mu.Lock()
	serverIdx := e.indexOfLocked(server.ID)
	placeholderIdx := e.indexOfLocked(placeholderID)

	switch {
	case serverIdx >= 0:
		// Push beat the REST response; the placeholder is redundant.
		if placeholderIdx >= 0 {
			e.removeAtLocked(placeholderIdx)
		}
	case placeholderIdx >= 0:
		e.msgs[placeholderIdx] = server
	default:
		e.msgs = append(e.msgs, server)
		e.sortLocked()
	}
	e.mu.Unlock()

	e.persist(server)
}

// Send runs the full optimistic path: append a placeholder, post to the
// server, reconcile the confirmation. On failure the placeholder is
// removed and the error returned so the UI may resubmit.
func (e *Engine) Send(ctx context.Context, text, senderID string) (Message, error) {
	placeholderID := e.SendOptimistic(text, senderID)

	server, err := e.backend.SendText(ctx, e.conversationID, text)
	if err != nil {
		e.removePlaceholder(placeholderID)
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	e.ReconcileSent(placeholderID, server)
	return server, nil
}

// LoadOlder fetches one page of history older than the oldest known server
// message and prepends it after de-duplication. At most one fetch is in
// flight; concurrent calls return immediately. An empty page permanently
// disables backward pagination until Refresh. Returns the number of
// messages added.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	if !e.canPaginateBack || e.fetching {
		e.mu.Unlock()
		return 0, nil
	}
	e.fetching = true
	beforeID := e.oldestServerIDLocked()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()
	page, err := e.backend.History(ctx, e.conversationID, beforeID, e.pageSize)

	e.mu.Lock()
	e.fetching = false
	if err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	if len(page) == 0 {
		e.canPaginateBack = false
		e.mu.Unlock()
		return 0, nil
	}

	added := 0
	for _, m := range page {
		if m.ID < 0 || e.indexOfLocked(m.ID) >= 0 {
			continue
		}
		e.msgs = append(e.msgs, m)
		added++
	}
	e.sortLocked()
	e.mu.Unlock()

	e.persist(page...)
	return added, nil
}

// IngestPush validates and merges a push event. Events addressed to another
// conversation or carrying an unexpected payload are rejected, never
// partially merged.
func (e *Engine) IngestPush(evt event.Event) error {
	if evt.ConversationID != e.conversationID {
		e.logger.Warn("rejecting cross-conversation payload",
			zap.String("engine", e.conversationID),
			zap.String("event", evt.ConversationID))
		return ErrWrongConversation
	}
	payload, ok := evt.Payload.(event.MessagePayload)
	if !ok {
		return event.ErrMalformedPayload
	}

	e.AppendIfAbsent(Message{
		ID:        payload.ID,
		SenderID:  payload.SenderID,
		Text:      payload.Text,
		CreatedAt: payload.CreatedAt,
		Read:      payload.Read,
	})
	return nil
}

// SeedFromCache loads the most recent cached page so a reopened
// conversation renders without waiting for the network.
func (e *Engine) SeedFromCache() {
	if e.cache == nil {
		return
	}
	cached, err := e.cache.ListMessages(e.conversationID, 0, e.pageSize)
	if err != nil {
		e.logger.Warn("cache seed failed", zap.String("conversation", e.conversationID), zap.Error(err))
		return
	}
	for _, m := range cached {
		e.AppendIfAbsent(Message{
			ID:        m.ServerID,
			SenderID:  m.SenderID,
			Text:      m.Text,
			CreatedAt: time.UnixMilli(m.CreatedAt),
			Read:      m.Read,
		})
	}
}

// Refresh re-enables backward pagination after an explicit user refresh.
func (e *Engine) Refresh() {
	e.mu.Lock()
	e.canPaginateBack = true
	e.mu.Unlock()
}

// MarkGroup records that this conversation is room-backed. The flag only
// affects the cached conversation summary.
func (e *Engine) MarkGroup() {
	e.mu.Lock()
	e.isGroup = true
	e.mu.Unlock()
}

// MarkRead flags every message up to and including serverID as read, in
// memory and in the cache.
func (e *Engine) MarkRead(serverID int64) error {
	e.mu.Lock()
	for i := range e.msgs {
		if e.msgs[i].ID >= 0 && e.msgs[i].ID <= serverID {
			e.msgs[i].Read = true
		}
	}
	e.mu.Unlock()

	if e.cache == nil {
		return nil
	}
	return e.cache.MarkRead(e.conversationID, serverID)
}

func (e *Engine) removePlaceholder(id int64) {
	e.mu.Lock()
	if i := e.indexOfLocked(id); i >= 0 {
		e.removeAtLocked(i)
	}
	e.mu.Unlock()
}

// sortLocked keeps the sequence ascending by CreatedAt. The sort is stable
// so ties keep insertion order; ids are never an order key because
// placeholder ids are negative.
func (e *Engine) sortLocked() {
	sort.SliceStable(e.msgs, func(i, j int) bool {
		return e.msgs[i].CreatedAt.Before(e.msgs[j].CreatedAt)
	})
}

func (e *Engine) indexOfLocked(id int64) int {
	for i, m := range e.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) removeAtLocked(i int) {
	e.msgs = append(e.msgs[:i], e.msgs[i+1:]...)
}

func (e *Engine) oldestServerIDLocked() int64 {
	var oldest int64
	for _, m := range e.msgs {
		if m.ID < 0 {
			continue
		}
		if oldest == 0 || m.ID < oldest {
			oldest = m.ID
		}
	}
	return oldest
}

// persist writes confirmed messages to the cache and refreshes the
// conversation summary from the newest of them. Placeholders are skipped.
func (e *Engine) persist(msgs ...Message) {
	if e.cache == nil {
		return
	}
	var latest *Message
	for i, m := range msgs {
		if m.ID < 0 {
			continue
		}
		err := e.cache.UpsertMessage(&store.Message{
			ConversationID: e.conversationID,
			ServerID:       m.ID,
			SenderID:       m.SenderID,
			Text:           m.Text,
			Read:           m.Read,
			CreatedAt:      m.CreatedAt.UnixMilli(),
		})
		if err != nil {
			e.logger.Warn("cache write failed",
				zap.String("conversation", e.conversationID),
				zap.Int64("server_id", m.ID), zap.Error(err))
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = &msgs[i]
		}
	}
	if latest == nil {
		return
	}

	e.mu.Lock()
	isGroup := e.isGroup
	e.mu.Unlock()
	err := e.cache.UpsertConversation(&store.Conversation{
		ID:                 e.conversationID,
		IsGroup:            isGroup,
		LastMessageAt:      latest.CreatedAt.UnixMilli(),
		LastMessagePreview: latest.Text,
	})
	if err != nil {
		e.logger.Warn("conversation summary write failed",
			zap.String("conversation", e.conversationID), zap.Error(err))
	}
}
