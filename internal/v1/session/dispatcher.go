package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/drawsync/backend/internal/v1/bus"
	"github.com/drawsync/backend/internal/v1/drawing"
	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/metrics"
	"github.com/drawsync/backend/internal/v1/ratelimit"
	"github.com/drawsync/backend/internal/v1/room"
	"go.uber.org/zap"
)

// Dispatcher is the Session Dispatcher: it owns the join/sync handshake, op
// intake and broadcast fan-out, and the unsequenced cursor side-channel. One
// Dispatcher serves every connection in the process; per-connection state
// lives on the Client.
type Dispatcher struct {
	rooms     *room.Manager
	cursorBus *bus.Service
	limiter   *ratelimit.RateLimiter
	reg       *registry

	subMu      sync.Mutex
	subscribed map[string]bool
}

// NewDispatcher builds a Dispatcher bound to the given Rooms Manager and
// optional cursor bus (nil runs single-instance). limiter may be nil to
// skip per-user op throttling.
func NewDispatcher(rooms *room.Manager, cursorBus *bus.Service, limiter *ratelimit.RateLimiter) *Dispatcher {
	return &Dispatcher{
		rooms:      rooms,
		cursorBus:  cursorBus,
		limiter:    limiter,
		reg:        newRegistry(),
		subscribed: make(map[string]bool),
	}
}

func decodeData(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(v)
}

func (d *Dispatcher) handleFrame(c *Client, frame Frame) {
	switch frame.Event {
	case EventJoin:
		d.handleJoin(c, frame)
	case EventMsg:
		d.handleOp(c, frame)
	case EventCursor:
		d.handleCursor(c, frame)
	default:
		logging.Warn(context.Background(), "unknown event", zap.String("event", frame.Event))
	}
}

func (d *Dispatcher) ackJoin(c *Client, ack JoinAck) {
	if data, err := encodeFrame(EventJoin, ack); err == nil {
		c.enqueue(data)
	}
}

func (d *Dispatcher) ackOp(c *Client, ack OpAck) {
	if data, err := encodeFrame(EventMsg, ack); err == nil {
		c.enqueue(data)
	}
}

func (d *Dispatcher) handleJoin(c *Client, frame Frame) {
	var payload JoinPayload
	if err := decodeData(frame.Data, &payload); err != nil || payload.RoomID == "" {
		metrics.WebsocketEvents.WithLabelValues(EventJoin, "rejected").Inc()
		d.ackJoin(c, JoinAck{OK: false, Err: "malformed join payload"})
		return
	}
	payload.normalize()

	userID := payload.ClientID
	if userID == "" {
		userID = c.authUserID
	}
	if userID == "" {
		userID = c.connID
	}
	name := payload.Name
	if name == "" {
		name = fmt.Sprintf("User-%s", truncate(userID, 4))
	}
	mode := room.ModeEdit
	if payload.Mode == string(room.ModeView) {
		mode = room.ModeView
	}

	r := d.rooms.GetOrCreate(payload.RoomID)
	user := r.AddUser(c.connID, userID, name, mode)
	c.setJoined(userID, payload.RoomID)
	d.reg.add(payload.RoomID, c.connID, c)
	d.ensureSubscribed(payload.RoomID)

	snapshot, seq := r.Snapshot()
	sync := buildSyncPayload(payload.RoomID, seq, r.Users(), snapshot)
	if data, err := encodeFrame(EventSync, sync); err == nil {
		c.enqueue(data)
	}

	d.broadcastExcept(payload.RoomID, c.connID, EventUserJoined, userJoinedPayload{User: toUserView(user)})

	metrics.WebsocketEvents.WithLabelValues(EventJoin, "ok").Inc()
	d.ackJoin(c, JoinAck{OK: true, RoomID: payload.RoomID, User: toUserView(user)})
}

func (d *Dispatcher) handleOp(c *Client, frame Frame) {
	userID, roomID, joined := c.snapshot()
	if !joined {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
		d.ackOp(c, OpAck{OK: false, Err: "not joined"})
		return
	}

	if d.limiter != nil {
		if err := d.limiter.CheckWebSocketUser(context.Background(), userID); err != nil {
			metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
			d.ackOp(c, OpAck{OK: false, Err: err.Error()})
			return
		}
	}

	r := d.rooms.GetOrCreate(roomID)
	user, ok := r.User(c.connID)
	if !ok {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
		d.ackOp(c, OpAck{OK: false, Err: "user missing"})
		return
	}

	op, err := drawing.ParseOp(frame.Data)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
		d.ackOp(c, OpAck{OK: false, Err: err.Error()})
		return
	}

	if user.Mode == room.ModeView && isMutatingOp(op.Type) {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
		d.ackOp(c, OpAck{OK: false, Err: "permission denied: view-mode connection"})
		return
	}

	envelope, noOp, err := r.ApplyOp(userID, op)
	if err != nil {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "rejected").Inc()
		d.ackOp(c, OpAck{OK: false, Err: err.Error()})
		return
	}
	if noOp {
		metrics.WebsocketEvents.WithLabelValues(EventMsg, "noop").Inc()
		d.ackOp(c, OpAck{OK: true, NoOp: true})
		return
	}

	if data, err := encodeFrame(EventOp, envelope); err == nil {
		for _, member := range d.reg.members(roomID) {
			member.enqueue(data)
		}
	}
	r.MaybePersist()

	metrics.WebsocketEvents.WithLabelValues(EventMsg, "ok").Inc()
	d.ackOp(c, OpAck{OK: true, Seq: envelope.Seq})
}

func (d *Dispatcher) handleCursor(c *Client, frame Frame) {
	userID, roomID, joined := c.snapshot()
	if !joined {
		return
	}

	var payload CursorPayload
	if err := decodeData(frame.Data, &payload); err != nil {
		return
	}
	if !finite(payload.X) || !finite(payload.Y) {
		return
	}

	event := bus.CursorEvent{RoomID: roomID, UserID: userID, X: payload.X, Y: payload.Y}

	if d.cursorBus != nil {
		_ = d.cursorBus.Publish(context.Background(), event)
		return
	}
	d.broadcastCursorLocal(event)
}

func (d *Dispatcher) handleDisconnect(c *Client) {
	userID, roomID, joined := c.snapshot()
	if !joined {
		return
	}

	r := d.rooms.GetOrCreate(roomID)
	r.RemoveUser(c.connID)
	d.reg.remove(roomID, c.connID)

	d.broadcastExcept(roomID, c.connID, EventUserLeft, userLeftPayload{UserID: userID})
	d.rooms.Cleanup(roomID)
}

// ensureSubscribed lazily subscribes the process to a room's cursor channel
// the first time a local connection joins it, so cross-process cursor
// fan-out works without every room paying a subscribe cost up front.
func (d *Dispatcher) ensureSubscribed(roomID string) {
	if d.cursorBus == nil {
		return
	}
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.subscribed[roomID] {
		return
	}
	d.subscribed[roomID] = true
	d.cursorBus.Subscribe(context.Background(), roomID, nil, func(event bus.CursorEvent) {
		d.broadcastCursorLocal(event)
	})
}

// broadcastCursorLocal fans a cursor event out to every other member of the
// room, skipping any connection belonging to the event's own user — cursor
// updates are for other room members only, never echoed back to the
// sender, whether the event arrived from a local connection or over the
// cursor bus.
func (d *Dispatcher) broadcastCursorLocal(event bus.CursorEvent) {
	data, err := encodeFrame(EventCursor, cursorBroadcast{UserID: event.UserID, X: event.X, Y: event.Y})
	if err != nil {
		return
	}
	for _, member := range d.reg.members(event.RoomID) {
		memberUserID, _, _ := member.snapshot()
		if memberUserID == event.UserID {
			continue
		}
		member.enqueue(data)
	}
}

func (d *Dispatcher) broadcastExcept(roomID, exceptConnID, event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	for _, member := range d.reg.members(roomID) {
		if member.connID == exceptConnID {
			continue
		}
		member.enqueue(data)
	}
}

func isMutatingOp(t drawing.OpType) bool {
	switch t {
	case drawing.OpStrokeStart, drawing.OpStrokePoints, drawing.OpStrokeEnd, drawing.OpUndo, drawing.OpRedo:
		return true
	default:
		return false
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toUserView(u *room.User) UserView {
	return UserView{UserID: u.UserID, DisplayName: u.DisplayName, Color: u.Color, Mode: string(u.Mode)}
}

type userJoinedPayload struct {
	User UserView `json:"user"`
}

type userLeftPayload struct {
	UserID string `json:"userId"`
}

type cursorBroadcast struct {
	UserID string  `json:"userId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type syncFrame struct {
	RoomID     string            `json:"roomId"`
	Seq        int64             `json:"seq"`
	Users      []UserView        `json:"users"`
	Strokes    []*drawing.Stroke `json:"strokes"`
	Undone     []string          `json:"undone"`
	InProgress []*drawing.Stroke `json:"inProgress"`
}

func buildSyncPayload(roomID string, seq int64, users []*room.User, snapshot drawing.SnapshotView) syncFrame {
	views := make([]UserView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	return syncFrame{
		RoomID:     roomID,
		Seq:        seq,
		Users:      views,
		Strokes:    snapshot.Committed,
		Undone:     snapshot.Undone,
		InProgress: snapshot.InProgress,
	}
}
