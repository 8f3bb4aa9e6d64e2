// Package rooms tracks which conversation rooms the client is actively
// viewing and gates join/leave traffic to the server. A short grace period
// between "view went away" and "actually leave" absorbs the join/leave
// churn caused by UI teardown/rebuild during navigation.
package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/tribeapp/realtime/internal/config"
	"go.uber.org/zap"
)

// Phase is the membership phase of one room.
type Phase string

const (
	Inactive       Phase = "INACTIVE"
	ActivelyViewed Phase = "ACTIVE"
	GracePeriod    Phase = "GRACE"
)

// CommandSender issues room commands over the live connection.
// *conn.Manager satisfies it.
type CommandSender interface {
	JoinRoom(room string) error
	LeaveRoom(room string) error
	Connected() bool
}

type roomState struct {
	phase        Phase
	deadline     time.Time
	leaveTimer   *time.Timer
	blockedUntil time.Time
}

// Coordinator is the single gate deciding which rooms the client is
// subscribed to. Joins are only ever issued for rooms in ActivelyViewed.
type Coordinator struct {
	sender CommandSender
	logger *zap.Logger

	joinDelay   time.Duration
	leaveGrace  time.Duration
	rejoinBlock time.Duration

	mu    sync.Mutex
	rooms map[string]*roomState
}

// NewCoordinator creates a coordinator using the configured timing values.
func NewCoordinator(sender CommandSender, tun config.Tunables, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		sender:      sender,
		logger:      logger,
		joinDelay:   tun.JoinDelay(),
		leaveGrace:  tun.LeaveGrace(),
		rejoinBlock: tun.RejoinBlock(),
		rooms:       make(map[string]*roomState),
	}
}

// MarkActive records that a view started watching the room.
// Inactive → ActivelyViewed schedules a join after a short delay (avoids
// racing the connect handshake). GracePeriod → ActivelyViewed cancels the
// pending leave without issuing any command.
func (c *Coordinator) MarkActive(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.rooms[room]
	if st == nil {
		st = &roomState{phase: Inactive}
		c.rooms[room] = st
	}

	if time.Now().Before(st.blockedUntil) {
		c.logger.Info("join suppressed by rejoin cooldown", zap.String("room", room))
		return
	}

	switch st.phase {
	case ActivelyViewed:
		// Already viewed, nothing to do.
	case GracePeriod:
		if st.leaveTimer != nil {
			st.leaveTimer.Stop()
			st.leaveTimer = nil
		}
		st.phase = ActivelyViewed
	default:
		st.phase = ActivelyViewed
		time.AfterFunc(c.joinDelay, func() { c.issueJoin(room) })
	}
}

// MarkInactive records that a view stopped watching the room. The actual
// leave is deferred by the grace period and skipped entirely if the room is
// re-activated before the deadline.
func (c *Coordinator) MarkInactive(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.rooms[room]
	if st == nil || st.phase != ActivelyViewed {
		return
	}
	st.phase = GracePeriod
	st.deadline = time.Now().Add(c.leaveGrace)
	st.leaveTimer = time.AfterFunc(c.leaveGrace, func() { c.issueLeave(room) })
}

// Leave leaves the room immediately (deliberate user action) and blocks
// rejoin attempts for the cooldown, distinguishing an explicit leave from
// accidental view churn.
func (c *Coordinator) Leave(room string) {
	c.mu.Lock()
	st := c.rooms[room]
	if st == nil {
		st = &roomState{}
		c.rooms[room] = st
	}
	if st.leaveTimer != nil {
		st.leaveTimer.Stop()
		st.leaveTimer = nil
	}
	wasJoined := st.phase == ActivelyViewed || st.phase == GracePeriod
	st.phase = Inactive
	st.blockedUntil = time.Now().Add(c.rejoinBlock)
	c.mu.Unlock()

	if wasJoined {
		if err := c.sender.LeaveRoom(room); err != nil {
			c.logger.Warn("leave failed", zap.String("room", room), zap.Error(err))
		}
	}
}

// BlockRejoin suppresses join attempts for the room for the given duration.
func (c *Coordinator) BlockRejoin(room string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.rooms[room]
	if st == nil {
		st = &roomState{phase: Inactive}
		c.rooms[room] = st
	}
	st.blockedUntil = time.Now().Add(d)
}

// ResyncJoined re-issues joins for every actively viewed room. The manager
// calls this after each reconnect because the server drops membership.
func (c *Coordinator) ResyncJoined() {
	for _, room := range c.ActiveRooms() {
		room := room
		time.AfterFunc(c.joinDelay, func() { c.issueJoin(room) })
	}
}

// ActiveRooms returns the rooms currently in ActivelyViewed, sorted.
func (c *Coordinator) ActiveRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for room, st := range c.rooms {
		if st.phase == ActivelyViewed {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

// Phase returns the membership phase of a room.
func (c *Coordinator) Phase(room string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.rooms[room]; st != nil {
		return st.phase
	}
	return Inactive
}

// issueJoin runs after the join delay. The room must still be actively
// viewed and the connection up; otherwise the join is refused and logged,
// never sent.
func (c *Coordinator) issueJoin(room string) {
	c.mu.Lock()
	st := c.rooms[room]
	if st == nil || st.phase != ActivelyViewed {
		c.mu.Unlock()
		c.logger.Info("join refused: room no longer actively viewed", zap.String("room", room))
		return
	}
	c.mu.Unlock()

	if !c.sender.Connected() {
		c.logger.Info("join refused: not connected", zap.String("room", room))
		return
	}
	if err := c.sender.JoinRoom(room); err != nil {
		c.logger.Warn("join failed", zap.String("room", room), zap.Error(err))
	}
}

// issueLeave runs at the grace deadline. A room re-activated in the
// meantime is no longer in GracePeriod, so the deferred leave no-ops.
func (c *Coordinator) issueLeave(room string) {
	c.mu.Lock()
	st := c.rooms[room]
	if st == nil || st.phase != GracePeriod {
		c.mu.Unlock()
		return
	}
	st.phase = Inactive
	st.leaveTimer = nil
	c.mu.Unlock()

	if err := c.sender.LeaveRoom(room); err != nil {
		c.logger.Warn("leave failed", zap.String("room", room), zap.Error(err))
	}
}
