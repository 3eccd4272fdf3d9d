// Package rooms tracks which server-side broadcast rooms this session is
// subscribed to. At most one channel room and, independently, at most one
// thread room are active at a time; switching always leaves the old room
// before joining the new one, so stale rooms never double-deliver events.
package rooms

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/wire"
)

// State is one room's lifecycle position.
type State int

const (
	Idle State = iota
	Joining
	Joined
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender is the slice of the transport session the manager needs. Sends are
// fire-and-forget; the server does not ack joins, so a room counts as
// Joined once its join signal has been handed to the transport.
type Sender interface {
	Send(event string, payload any) error
}

type room struct {
	id    string
	state State
}

type Manager struct {
	logger *zap.Logger
	sender Sender

	// userID names the personal notification room, joined once per
	// authenticated session and re-joined after every reconnect.
	userID string

	mu          sync.Mutex
	channelRoom room
	threadRoom  room
	inUserRoom  bool
}

func NewManager(sender Sender, userID string, logger *zap.Logger) *Manager {
	return &Manager{logger: logger, sender: sender, userID: userID}
}

// JoinChannel switches the active channel room. Joining the room already
// joined is a no-op; otherwise the previous room is left first.
func (m *Manager) JoinChannel(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channelRoom.state == Joined && m.channelRoom.id == channelID {
		return nil
	}
	if m.channelRoom.state == Joined {
		if err := m.leaveChannelLocked(); err != nil {
			return err
		}
	}

	m.channelRoom = room{id: channelID, state: Joining}
	if err := m.sender.Send(wire.EventJoin, wire.JoinChannel{Channel: channelID}); err != nil {
		m.channelRoom = room{}
		return fmt.Errorf("join channel %s: %w", channelID, err)
	}
	m.channelRoom.state = Joined
	m.logger.Debug("joined channel room", zap.String("channel_id", channelID))
	return nil
}

// LeaveChannel leaves the given channel room. Leaving a room the manager
// does not consider joined is a no-op, not an error.
func (m *Manager) LeaveChannel(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channelRoom.state != Joined || m.channelRoom.id != channelID {
		return nil
	}
	return m.leaveChannelLocked()
}

func (m *Manager) leaveChannelLocked() error {
	id := m.channelRoom.id
	m.channelRoom.state = Leaving
	if err := m.sender.Send(wire.EventLeave, wire.JoinChannel{Channel: id}); err != nil {
		// The link is down; the server side of the subscription died
		// with it. Local state still goes back to idle.
		m.channelRoom = room{}
		return fmt.Errorf("leave channel %s: %w", id, err)
	}
	m.channelRoom = room{}
	m.logger.Debug("left channel room", zap.String("channel_id", id))
	return nil
}

// JoinThread switches the active thread room, independent of the channel
// room.
func (m *Manager) JoinThread(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.threadRoom.state == Joined && m.threadRoom.id == threadID {
		return nil
	}
	if m.threadRoom.state == Joined {
		if err := m.leaveThreadLocked(); err != nil {
			return err
		}
	}

	m.threadRoom = room{id: threadID, state: Joining}
	if err := m.sender.Send(wire.EventJoinThread, wire.JoinThread{ThreadID: threadID}); err != nil {
		m.threadRoom = room{}
		return fmt.Errorf("join thread %s: %w", threadID, err)
	}
	m.threadRoom.state = Joined
	m.logger.Debug("joined thread room", zap.String("thread_id", threadID))
	return nil
}

// LeaveThread leaves the given thread room; no-op when not joined.
func (m *Manager) LeaveThread(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.threadRoom.state != Joined || m.threadRoom.id != threadID {
		return nil
	}
	return m.leaveThreadLocked()
}

func (m *Manager) leaveThreadLocked() error {
	id := m.threadRoom.id
	m.threadRoom.state = Leaving
	if err := m.sender.Send(wire.EventLeaveThread, wire.JoinThread{ThreadID: id}); err != nil {
		m.threadRoom = room{}
		return fmt.Errorf("leave thread %s: %w", id, err)
	}
	m.threadRoom = room{}
	m.logger.Debug("left thread room", zap.String("thread_id", id))
	return nil
}

// JoinUserRoom subscribes to the personal notification room. Idempotent
// within one connected session.
func (m *Manager) JoinUserRoom() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inUserRoom {
		return nil
	}
	if err := m.sender.Send(wire.EventJoinUserRoom, wire.JoinUserRoom{UserID: m.userID}); err != nil {
		return fmt.Errorf("join user room: %w", err)
	}
	m.inUserRoom = true
	return nil
}

// Rejoin re-issues join signals for every room still marked joined. The
// transport does not replay subscriptions on reconnect — only this manager
// knows which rooms the user still considers active — so the session's
// reconnect hook calls this.
func (m *Manager) Rejoin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inUserRoom = false
	if err := m.sender.Send(wire.EventJoinUserRoom, wire.JoinUserRoom{UserID: m.userID}); err != nil {
		m.logger.Warn("rejoin user room failed", zap.Error(err))
	} else {
		m.inUserRoom = true
	}

	if m.channelRoom.state == Joined {
		if err := m.sender.Send(wire.EventJoin, wire.JoinChannel{Channel: m.channelRoom.id}); err != nil {
			m.logger.Warn("rejoin channel room failed",
				zap.String("channel_id", m.channelRoom.id),
				zap.Error(err),
			)
		}
	}
	if m.threadRoom.state == Joined {
		if err := m.sender.Send(wire.EventJoinThread, wire.JoinThread{ThreadID: m.threadRoom.id}); err != nil {
			m.logger.Warn("rejoin thread room failed",
				zap.String("thread_id", m.threadRoom.id),
				zap.Error(err),
			)
		}
	}
}

// Reset returns every room to idle without sending leave signals. Used on
// disconnect, where the server-side subscriptions are already gone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelRoom = room{}
	m.threadRoom = room{}
	m.inUserRoom = false
}

// ActiveChannel returns the joined channel room id, if any.
func (m *Manager) ActiveChannel() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelRoom.id, m.channelRoom.state == Joined
}

// ActiveThread returns the joined thread room id, if any.
func (m *Manager) ActiveThread() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threadRoom.id, m.threadRoom.state == Joined
}
