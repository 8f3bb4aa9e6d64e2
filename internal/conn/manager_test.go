package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tribeapp/realtime/internal/config"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []command
	closed bool

	frames chan []byte
	errs   chan error
	sentCh chan command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		sentCh: make(chan command, 16),
	}
}

func (f *fakeTransport) Send(payload []byte) error {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
	f.sentCh <- cmd
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errs() <-chan error    { return f.errs }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer returns scripted transports, optionally failing first.
type fakeDialer struct {
	mu         sync.Mutex
	failsLeft  int
	dials      int
	transports []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context, _, _ string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failsLeft > 0 {
		d.failsLeft--
		return nil, errors.New("connection refused")
	}
	tr := newFakeTransport()
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func testTunables() config.Tunables {
	tun := config.DefaultTunables()
	tun.BackoffInitialMS = 1
	tun.BackoffMaxMS = 5
	return tun
}

func testManager(t *testing.T, d *fakeDialer) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	t.Cleanup(reg.Close)
	m := NewManager(d.dial, NewMachine(reg), reg, testTunables(), zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, reg
}

func waitCommand(t *testing.T, tr *fakeTransport) command {
	t.Helper()
	select {
	case cmd := <-tr.sentCh:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command")
		return command{}
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", desc)
}

func TestConnectJoinsPersonalChannel(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")

	waitFor(t, "transport", func() bool { return d.transport(0) != nil })
	cmd := waitCommand(t, d.transport(0))
	if cmd.Op != "join" || cmd.Room != PersonalRoom("7") {
		t.Errorf("first command = %+v, want join user:7", cmd)
	}
	waitFor(t, "connected", m.Connected)
}

func TestConnectIdempotentForSameTransportIdentity(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "transport", func() bool { return d.transport(0) != nil })
	waitCommand(t, d.transport(0)) // join user:7

	// Same baseURL+token, different user: no redial, just a new personal join.
	m.Connect("https://api.tribe.example", "tok", "8")
	cmd := waitCommand(t, d.transport(0))
	if cmd.Op != "join" || cmd.Room != PersonalRoom("8") {
		t.Errorf("command = %+v, want join user:8", cmd)
	}
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", d.dialCount())
	}
}

func TestConnectRebuildsOnTokenChange(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok-old", "7")
	waitFor(t, "first transport", func() bool { return d.transport(0) != nil })
	waitCommand(t, d.transport(0))

	m.Connect("https://api.tribe.example", "tok-new", "7")
	waitFor(t, "second transport", func() bool { return d.transport(1) != nil })
	waitCommand(t, d.transport(1))

	if !d.transport(0).isClosed() {
		t.Error("stale transport was not closed")
	}
	if d.dialCount() != 2 {
		t.Errorf("dial count = %d, want 2", d.dialCount())
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	var hooks int
	var mu sync.Mutex
	m.OnConnected(func() { mu.Lock(); hooks++; mu.Unlock() })

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "first transport", func() bool { return d.transport(0) != nil })
	waitCommand(t, d.transport(0))

	// Kill the transport; manager must rebuild and re-join the personal
	// channel (the server forgets membership across reconnects).
	d.transport(0).errs <- errors.New("connection reset")

	waitFor(t, "second transport", func() bool { return d.transport(1) != nil })
	cmd := waitCommand(t, d.transport(1))
	if cmd.Op != "join" || cmd.Room != PersonalRoom("7") {
		t.Errorf("post-reconnect command = %+v, want join user:7", cmd)
	}
	waitFor(t, "hooks fired twice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hooks == 2
	})
}

func TestDialRetriesUntilSuccess(t *testing.T) {
	d := &fakeDialer{failsLeft: 3}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")

	waitFor(t, "connected after retries", m.Connected)
	if d.dialCount() < 4 {
		t.Errorf("dial count = %d, want >= 4", d.dialCount())
	}
}

func TestDisconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "connected", m.Connected)

	m.Disconnect()

	if m.Connected() {
		t.Error("still connected after Disconnect")
	}
	waitFor(t, "transport closed", func() bool { return d.transport(0).isClosed() })
	if err := m.JoinRoom("group-1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("JoinRoom after disconnect = %v, want ErrNotConnected", err)
	}
	if _, ok := m.Identity(); ok {
		t.Error("identity not cleared by Disconnect")
	}
}

func TestReconnectIfNeededIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "connected", m.Connected)

	// Nudging a healthy connection must not redial.
	m.ReconnectIfNeeded()
	m.ReconnectIfNeeded()
	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Errorf("dial count = %d, want 1", d.dialCount())
	}
}

func TestInboundFramesReachObservers(t *testing.T) {
	d := &fakeDialer{}
	m, reg := testManager(t, d)

	got := make(chan event.Event, 4)
	reg.Register(event.CategoryGroupMessage, func(evt event.Event) { got <- evt })

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "transport", func() bool { return d.transport(0) != nil })
	tr := d.transport(0)

	// Malformed frame is dropped, valid frame is dispatched.
	tr.frames <- []byte(`{"bogus": true}`)
	tr.frames <- []byte(`{"room":"group-9","message":{"id":1,"sender_id":"3","text":"yo","created_at":1700000000000}}`)

	select {
	case evt := <-got:
		if evt.ConversationID != "group-9" {
			t.Errorf("conversation = %q, want group-9", evt.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatched event")
	}
	if len(got) != 0 {
		t.Error("malformed frame produced an event")
	}
}

func TestConnectSameIdentityWhileDown(t *testing.T) {
	d := &fakeDialer{failsLeft: 1 << 30}
	m, _ := testManager(t, d)

	m.Connect("https://api.tribe.example", "tok", "7")
	waitFor(t, "first dial attempt", func() bool { return d.dialCount() >= 1 })

	// Same identity while the dial loop is still backing off: no rebuild,
	// the pending personal join just fails closed until the loop lands.
	m.Connect("https://api.tribe.example", "tok", "7")
	if err := m.JoinRoom("group-1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("JoinRoom err = %v, want ErrNotConnected", err)
	}

	d.mu.Lock()
	d.failsLeft = 0
	d.mu.Unlock()

	waitFor(t, "transport", func() bool { return d.transport(0) != nil })
	cmd := waitCommand(t, d.transport(0))
	if cmd.Op != "join" || cmd.Room != PersonalRoom("7") {
		t.Fatalf("first command = %+v, want personal join", cmd)
	}
	if d.transport(1) != nil {
		t.Fatal("repeated Connect spawned a second dial loop")
	}
}
