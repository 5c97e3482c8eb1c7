package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/callsignal/internal/apperr"
	"github.com/mossy-p/callsignal/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Client is one live websocket connection bound to a verified user.
// Frames leave in the order they were queued.
type Client struct {
	ID     string
	UserID string
	Name   string

	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn. conn may be nil when frames are only read from the
// send queue.
func NewClient(conn *websocket.Conn, userID, name string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Client{
		ID:     id,
		UserID: userID,
		Name:   name,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		log:    log.With(zap.String("user_id", userID), zap.String("connection_id", id)),
	}
}

// Send queues a frame. A client whose queue is full is too slow to keep the
// ordering guarantees and is closed.
func (c *Client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, closing connection")
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) sendJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal frame", zap.Error(err))
		return false
	}
	return c.Send(frame)
}

// Close stops the write pump, which closes the socket
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// process handles one inbound frame and queues its response. Anything the
// handler queued, replayed announcements included, goes out first.
func (c *Client) process(ctx context.Context, g *Gateway, message []byte) {
	var req models.Request
	if err := json.Unmarshal(message, &req); err != nil {
		c.sendJSON(errorResponse("", apperr.Invalid("malformed frame", err)))
		return
	}
	c.sendJSON(g.Handle(ctx, c, req))
}

func (c *Client) readPump(ctx context.Context, g *Gateway) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.process(ctx, g, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
