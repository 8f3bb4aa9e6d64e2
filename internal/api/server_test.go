package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tribeapp/realtime/internal/convo"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"github.com/tribeapp/realtime/internal/store"
	"go.uber.org/zap"
)

type fakeCore struct {
	mu        sync.Mutex
	calls     []string
	observers map[registry.Handle]registry.Callback
	msgs      []convo.Message
	convs     []store.Conversation
	sendErr   error
	unread    int
}

func newFakeCore() *fakeCore {
	return &fakeCore{observers: make(map[registry.Handle]registry.Callback)}
}

func (f *fakeCore) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeCore) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeCore) Connect(token, userID string) { f.record("connect " + userID) }
func (f *fakeCore) Disconnect()                  { f.record("disconnect") }
func (f *fakeCore) ReconnectIfNeeded()           { f.record("reconnect") }
func (f *fakeCore) ActivateRoom(room string)     { f.record("activate " + room) }
func (f *fakeCore) DeactivateRoom(room, reason string) {
	f.record("deactivate " + room + " " + reason)
}
func (f *fakeCore) LeaveRoom(room string) { f.record("leave " + room) }

func (f *fakeCore) Observe(cat event.Category, fn registry.Callback) registry.Handle {
	h := registry.Handle(uuid.NewString())
	f.mu.Lock()
	f.observers[h] = fn
	f.mu.Unlock()
	return h
}

func (f *fakeCore) StopObserving(h registry.Handle) {
	f.mu.Lock()
	delete(f.observers, h)
	f.mu.Unlock()
}

func (f *fakeCore) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeCore) dispatch(evt event.Event) {
	f.mu.Lock()
	fns := make([]registry.Callback, 0, len(f.observers))
	for _, fn := range f.observers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (f *fakeCore) Messages(string) []convo.Message { return f.msgs }

func (f *fakeCore) Conversations(int, int) ([]store.Conversation, error) { return f.convs, nil }

func (f *fakeCore) MarkRead(conversationID string, serverID int64) error {
	f.record("read " + conversationID)
	return nil
}

func (f *fakeCore) UnreadCount(string) (int, error) { return f.unread, nil }

func (f *fakeCore) Send(_ context.Context, conversationID, text string) (convo.Message, error) {
	if f.sendErr != nil {
		return convo.Message{}, f.sendErr
	}
	f.record("send " + conversationID)
	return convo.Message{ID: 502, SenderID: "user-1", Text: text, CreatedAt: time.Now()}, nil
}

func (f *fakeCore) LoadOlder(_ context.Context, conversationID string) (int, error) {
	f.record("older " + conversationID)
	return 3, nil
}

func testServer(t *testing.T) (*fakeCore, *httptest.Server) {
	t.Helper()
	core := newFakeCore()
	s := &Server{core: core, logger: zap.NewNop()}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return core, srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRoomRoutes(t *testing.T) {
	core, srv := testServer(t)

	post(t, srv.URL+"/v1/rooms/group-9/activate", nil)
	post(t, srv.URL+"/v1/rooms/group-9/deactivate", map[string]string{"reason": "navigation"})
	post(t, srv.URL+"/v1/rooms/group-9/leave", nil)

	want := []string{"activate group-9", "deactivate group-9 navigation", "leave group-9"}
	got := core.recorded()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestConnectValidatesBody(t *testing.T) {
	core, srv := testServer(t)

	resp := post(t, srv.URL+"/v1/connect", map[string]string{"token": "tok"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(core.recorded()) != 0 {
		t.Fatal("invalid connect reached the core")
	}

	resp = post(t, srv.URL+"/v1/connect", map[string]string{"token": "tok", "user_id": "7"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if got := core.recorded(); len(got) != 1 || got[0] != "connect 7" {
		t.Fatalf("calls = %v, want [connect 7]", got)
	}
}

func TestSendReturnsConfirmedMessage(t *testing.T) {
	_, srv := testServer(t)

	resp := post(t, srv.URL+"/v1/conversations/conv-1/messages", map[string]string{"text": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var msg wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID != 502 || msg.Text != "hi" || msg.Pending {
		t.Fatalf("message = %+v, want confirmed 502 hi", msg)
	}
}

func TestConversationListAndUnread(t *testing.T) {
	core, srv := testServer(t)
	core.convs = []store.Conversation{{ID: "conv-1", LastMessagePreview: "yo"}}
	core.unread = 4

	resp, err := http.Get(srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var list struct {
		Conversations []struct {
			ID string `json:"id"`
		} `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != "conv-1" {
		t.Fatalf("conversations = %+v, want conv-1", list.Conversations)
	}

	resp2, err := http.Get(srv.URL + "/v1/conversations/conv-1/unread")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	var unread struct {
		Unread int `json:"unread"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&unread); err != nil {
		t.Fatal(err)
	}
	if unread.Unread != 4 {
		t.Fatalf("unread = %d, want 4", unread.Unread)
	}
}

func TestEventStream(t *testing.T) {
	core, srv := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?category=group-message"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for core.observerCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	core.dispatch(event.Event{
		Category:       event.CategoryGroupMessage,
		ConversationID: "group-9",
		SenderID:       "3",
		Payload: event.MessagePayload{
			ID: 7, SenderID: "3", Text: "yo",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt wireEvent
	if err := ws.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Category != "group-message" || evt.ConversationID != "group-9" {
		t.Fatalf("event = %+v, want group-message for group-9", evt)
	}

	_ = ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for core.observerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer not removed after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeOnProfileSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "daemon.sock")
	srv, err := NewServer(newFakeCore(), socket, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}}
	resp, err := client.Get("http://localhost/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}