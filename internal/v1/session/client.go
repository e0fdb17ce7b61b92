package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection is the subset of *websocket.Conn the Client needs, so tests
// can substitute a mock connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Frame is the generic wire envelope: every event in the external
// interface table — join, sync, user_joined, user_left, msg, op, cursor —
// travels as {event, data}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// Client represents a single connection's WebSocket session. It owns no
// room state directly; it forwards decoded frames to the Dispatcher and
// relays outbound frames queued onto send.
type Client struct {
	conn       wsConnection
	send       chan []byte
	dispatcher *Dispatcher
	connID     string
	authUserID string

	mu      sync.RWMutex
	userID  string
	roomID  string
	joined  bool
}

// newClient builds a Client for an upgraded connection. authUserID is the
// subject of the validated bearer token (in skip-auth dev mode, the subject
// MockValidator read from the token or its default); it is the join
// handshake's fallback identity when the client doesn't supply its own
// clientId.
func newClient(conn wsConnection, connID string, dispatcher *Dispatcher, authUserID string) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan []byte, 256),
		dispatcher: dispatcher,
		connID:     connID,
		authUserID: authUserID,
	}
}

func (c *Client) setJoined(userID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.roomID = roomID
	c.joined = true
}

func (c *Client) snapshot() (userID, roomID string, joined bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.roomID, c.joined
}

// enqueue queues a frame for delivery without blocking the caller; a full
// send buffer drops the message rather than stalling the room's
// serialization domain.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame", zap.String("connId", c.connID))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.dispatcher.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "malformed frame", zap.Error(err))
			continue
		}
		c.dispatcher.handleFrame(c, frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
