package devserver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/shoalchat/shoal/internal/wire"
)

// hub fans events out to room subscribers. Rooms are named by the id they
// scope: a channel id, a parent message id (thread), or a user id
// (personal notifications).
type hub struct {
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]map[*conn]bool
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger: logger,
		rooms:  make(map[string]map[*conn]bool),
	}
}

func (h *hub) join(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	if members == nil {
		members = make(map[*conn]bool)
		h.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
}

func (h *hub) leave(room string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

func (h *hub) leaveLocked(room string, c *conn) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// drop removes a connection from every room it joined. Subscriptions are
// session-scoped; nothing survives a disconnect.
func (h *hub) drop(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(room, c)
	}
}

// broadcast sends an event to every subscriber of a room. A subscriber
// whose outbound buffer is full misses the event; this mirrors the
// best-effort nature of the push channel.
func (h *hub) broadcast(room, event string, payload any) {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				zap.String("room", room),
				zap.String("event", event),
			)
		}
	}
}
