package ws

import (
	"sync"

	"github.com/fathima-sithara/chat-core/internal/metrics"
)

// Hub is the registry of sessions connected to this instance.
type Hub struct {
	mu            sync.RWMutex
	clientsByUser map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clientsByUser: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clientsByUser[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clientsByUser[c.userID] = set
	}
	set[c] = struct{}{}
	metrics.Connections.Inc()
}

// Unregister removes c and closes its send queue. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clientsByUser[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clientsByUser, c.userID)
	}
	close(c.send)
	metrics.Connections.Dec()
}

// SendToUser queues msg on each of the user's sessions without blocking.
// Sessions with a full queue miss the message.
func (h *Hub) SendToUser(userID string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clientsByUser[userID] {
		select {
		case c.send <- msg:
			n++
		default:
		}
	}
	return n
}

func (h *Hub) ActiveSessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByUser[userID])
}
