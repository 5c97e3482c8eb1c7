package gateway

import (
	"encoding/json"
	"sync"

	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

// Hub maps each online user to their single live connection
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), log: log}
}

// Register binds c to its user and returns the connection it replaced, if any
func (h *Hub) Register(c *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.clients[c.UserID]
	h.clients[c.UserID] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister drops c only if it is still the user's live connection
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.UserID]; !ok || cur != c {
		return false
	}
	delete(h.clients, c.UserID)
	return true
}

func (h *Hub) Client(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[userID]
	return c, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyUser pushes an event to userID's live connection. It reports false
// when the user is offline or the connection could not take the frame.
func (h *Hub) NotifyUser(userID string, event models.EventType, data any) bool {
	c, ok := h.Client(userID)
	if !ok {
		return false
	}
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("failed to marshal event", zap.String("event", string(event)), zap.Error(err))
		return false
	}
	return c.Send(frame)
}

// Broadcast pushes an event to every connection and returns how many took it
func (h *Hub) Broadcast(event models.EventType, data any) int {
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("failed to marshal event", zap.String("event", string(event)), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}

func encodeEvent(event models.EventType, data any) ([]byte, error) {
	return json.Marshal(models.Event{Type: event, Data: data})
}
