package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tribeapp/realtime/internal/config"
	"github.com/tribeapp/realtime/internal/event"
	"github.com/tribeapp/realtime/internal/registry"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a command is issued without a live
// transport.
var ErrNotConnected = errors.New("not connected")

// Identity is the immutable credential snapshot a connection was built for.
// A new snapshot with the same BaseURL and Token reuses the transport;
// anything else forces a rebuild.
type Identity struct {
	BaseURL string
	Token   string
	UserID  string
}

func (i Identity) sameTransport(o Identity) bool {
	return i.BaseURL == o.BaseURL && i.Token == o.Token
}

// Transport is the slice of a live connection the manager depends on.
// *transport.Conn satisfies it.
type Transport interface {
	Send(payload []byte) error
	Frames() <-chan []byte
	Errs() <-chan error
	Close() error
}

// DialFunc builds a fresh transport. Injected so tests can fake the wire.
type DialFunc func(ctx context.Context, baseURL, token string) (Transport, error)

// command is the outbound wire shape for join/leave.
type command struct {
	Op   string `json:"op"`
	Room string `json:"room,omitempty"`
}

// PersonalRoom returns the personal channel room id for a user. Direct
// conversations are delivered through it rather than dedicated rooms.
func PersonalRoom(userID string) string {
	return "user:" + userID
}

// Manager owns the connection lifecycle: desired identity, reconnect with
// bounded exponential backoff, and personal channel re-association after
// every reconnect. All components send over the wire only through it.
type Manager struct {
	machine *Machine
	dial    DialFunc
	reg     *registry.Registry
	tun     config.Tunables
	logger  *zap.Logger

	mu       sync.Mutex
	identity *Identity
	tr       Transport
	cancel   context.CancelFunc
	gen      int
	onUp     []func()
}

// NewManager creates a lifecycle manager. Nothing connects until Connect.
func NewManager(dial DialFunc, machine *Machine, reg *registry.Registry, tun config.Tunables, logger *zap.Logger) *Manager {
	return &Manager{
		machine: machine,
		dial:    dial,
		reg:     reg,
		tun:     tun,
		logger:  logger,
	}
}

// OnConnected registers a hook invoked after every successful (re)connect,
// once the personal channel join has been issued. Used by the room
// coordinator to re-join actively viewed rooms.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onUp = append(m.onUp, fn)
	m.mu.Unlock()
}

// Connect is idempotent. If the existing connection matches (baseURL,
// token) the transport is kept and only the personal channel for userID is
// re-ensured, which covers user switch without reconnect. Otherwise the old
// transport is torn down and a fresh one is built with backoff.
func (m *Manager) Connect(baseURL, token, userID string) {
	id := Identity{BaseURL: baseURL, Token: token, UserID: userID}

	m.mu.Lock()
	if m.identity != nil && m.identity.sameTransport(id) {
		m.identity = &id
		m.mu.Unlock()
		m.joinPersonal(userID)
		return
	}

	m.teardownLocked()
	m.identity = &id
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("building connection",
		zap.String("base_url", baseURL), zap.String("user_id", userID))
	if err := m.machine.Transition(Connecting); err != nil {
		m.logger.Warn("state transition rejected", zap.Error(err))
	}
	go m.run(ctx, gen, id)
}

// Disconnect tears the connection down and clears the desired identity
// (logout path).
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.identity = nil
	m.mu.Unlock()

	m.logger.Info("disconnected")
	_ = m.machine.Transition(Disconnected)
}

// ReconnectIfNeeded is an idempotent nudge, safe to call from a
// foreground-resume hook. If a reconnect loop is already running it does
// nothing; if the loop was torn down while an identity is still desired,
// it restarts it.
func (m *Manager) ReconnectIfNeeded() {
	m.mu.Lock()
	if m.identity == nil || m.cancel != nil {
		m.mu.Unlock()
		return
	}
	id := *m.identity
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.logger.Info("reconnect nudge accepted")
	_ = m.machine.Transition(Connecting)
	go m.run(ctx, gen, id)
}

// Connected reports whether the transport is up.
func (m *Manager) Connected() bool {
	return m.machine.Current() == Connected
}

// Identity returns the current desired identity, if any.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// JoinRoom issues a join command for a room.
func (m *Manager) JoinRoom(room string) error {
	return m.send(command{Op: "join", Room: room})
}

// LeaveRoom issues a leave command for a room.
func (m *Manager) LeaveRoom(room string) error {
	return m.send(command{Op: "leave", Room: room})
}

// run dials and pumps frames until the generation is cancelled. The server
// forgets room membership across reconnects, so every successful dial
// re-joins the personal channel and fires the connected hooks.
func (m *Manager) run(ctx context.Context, gen int, id Identity) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.tun.BackoffInitial()
	bo.MaxInterval = m.tun.BackoffMax()
	bo.MaxElapsedTime = 0 // retry forever

	for {
		tr, err := m.dial(ctx, id.BaseURL, id.Token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			m.logger.Warn("connect failed, backing off",
				zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			_ = tr.Close()
			return
		}
		m.tr = tr
		userID := m.identity.UserID
		hooks := append([]func(){}, m.onUp...)
		m.mu.Unlock()

		if err := m.machine.Transition(Connected); err != nil {
			m.logger.Warn("state transition rejected", zap.Error(err))
		}
		m.logger.Info("connected", zap.String("user_id", userID))
		bo.Reset()

		m.joinPersonal(userID)
		for _, fn := range hooks {
			fn()
		}

		if !m.pump(ctx, tr) {
			return
		}

		m.mu.Lock()
		if gen == m.gen {
			m.tr = nil
		}
		m.mu.Unlock()
		if err := m.machine.Transition(Connecting); err != nil {
			m.logger.Warn("state transition rejected", zap.Error(err))
		}
	}
}

// pump decodes inbound frames and feeds the observer registry. Returns
// false when the generation was cancelled, true when the transport failed
// and a reconnect should follow.
func (m *Manager) pump(ctx context.Context, tr Transport) bool {
	for {
		select {
		case data := <-tr.Frames():
			evt, err := event.Decode(data)
			if err != nil {
				m.logger.Warn("dropping malformed payload", zap.Error(err))
				continue
			}
			m.reg.Dispatch(evt)
		case err := <-tr.Errs():
			m.logger.Warn("transport lost, reconnecting", zap.Error(err))
			_ = tr.Close()
			return true
		case <-ctx.Done():
			_ = tr.Close()
			return false
		}
	}
}

func (m *Manager) joinPersonal(userID string) {
	if err := m.JoinRoom(PersonalRoom(userID)); err != nil {
		m.logger.Warn("personal channel join failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (m *Manager) send(cmd command) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// teardownLocked cancels the active run loop and closes the transport.
// Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.tr != nil {
		_ = m.tr.Close()
		m.tr = nil
	}
	m.gen++
}
