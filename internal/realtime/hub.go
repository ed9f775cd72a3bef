// Package realtime pushes fire events to a user's connected sessions over
// WebSocket. Delivery is best-effort: a session that cannot keep up loses
// frames rather than stalling the fire pipeline.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Message is one realtime notification frame.
type Message struct {
	Type       string `json:"type"`
	ReminderID int64  `json:"reminder_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Hub tracks connected sessions by user and fans frames out to the owner's
// sessions only.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger.With("component", "realtime"),
	}
}

// Register adds a session under its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a session and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
}

// ReminderFired tells the owning user's live sessions that a reminder fired.
func (h *Hub) ReminderFired(userID, reminderID int64, title string) {
	h.send(userID, Message{Type: "reminder_fired", ReminderID: reminderID, Title: title})
}

func (h *Hub) send(userID int64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal realtime message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			// Session buffer full; the frame is dropped, never queued.
		}
	}
}

// SessionCount returns the number of live sessions for one user.
func (h *Hub) SessionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
