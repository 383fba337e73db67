package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// writeWait bounds one socket write.
const writeWait = 10 * time.Second

// maxFrameBytes bounds one inbound frame; anything larger closes the
// connection.
const maxFrameBytes = 16 * 1024

// wsConnection is the subset of *websocket.Conn the client uses. Tests
// substitute a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
}

// Client is one authenticated WebSocket connection. It implements
// types.ClientConn. Inbound frames are handled serially on the read pump,
// so the ack for frame N is queued before frame N+1 is touched; outbound
// frames ride two buffered channels drained by the write pump.
type Client struct {
	id          types.ConnIDType
	userID      types.UserIDType
	displayName string

	conn wsConnection
	hub  *Hub

	ctx    context.Context
	cancel context.CancelFunc

	send         chan []byte // broadcast frames, droppable
	prioritySend chan []byte // acks, never dropped silently

	mu       sync.RWMutex
	closed   bool
	lastPing time.Time
	rooms    set.Set[types.RoomIDType]

	closeOnce sync.Once
}

var _ types.ClientConn = (*Client)(nil)

func (c *Client) ID() types.ConnIDType     { return c.id }
func (c *Client) UserID() types.UserIDType { return c.userID }
func (c *Client) DisplayName() string      { return c.displayName }
func (c *Client) Context() context.Context { return c.ctx }

// AllowPing reports whether now clears the throttle window since the last
// accepted ping, recording now when it does. Purely in-memory.
func (c *Client) AllowPing(now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastPing.IsZero() && now.Sub(c.lastPing) < window {
		return false
	}
	c.lastPing = now
	return true
}

func (c *Client) AddRoom(room types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Insert(room)
}

func (c *Client) RemoveRoom(room types.RoomIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Delete(room)
}

func (c *Client) InRoom(room types.RoomIDType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms.Has(room)
}

func (c *Client) Rooms() []types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms.UnsortedList()
}

// Send queues a pre-encoded frame on the broadcast channel. A slow consumer
// loses frames rather than stalling everyone behind it.
func (c *Client) Send(frame []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(c.ctx, "send on closing connection", zap.String("connId", string(c.id)))
		}
	}()

	select {
	case c.send <- frame:
	default:
		metrics.DroppedFrames.WithLabelValues("send").Inc()
		logging.Warn(c.ctx, "client send buffer full, dropping frame", zap.String("connId", string(c.id)))
	}
}

// SendAck queues an acknowledgement on the priority channel.
func (c *Client) SendAck(frame types.Frame) {
	data, err := frame.Encode()
	if err != nil {
		logging.Error(c.ctx, "ack encode failed", zap.Error(err))
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(c.ctx, "ack on closing connection", zap.String("connId", string(c.id)))
		}
	}()

	select {
	case c.prioritySend <- data:
	default:
		metrics.DroppedFrames.WithLabelValues("priority").Inc()
		logging.Error(c.ctx, "client priority buffer full, dropping ack", zap.String("connId", string(c.id)))
	}
}

// Disconnect closes the outbound channels, which drives the write pump to
// send a close frame and drop the socket. Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		close(c.prioritySend)
	})
}

// readPump consumes inbound frames until the socket dies, then runs the
// disconnect accounting exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug(c.ctx, "connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.route(c.ctx, c, data)
	}
}

// writePump serializes all socket writes, acks first.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(data) {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(data) {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Debug(c.ctx, "socket write failed", zap.Error(err))
		return false
	}
	return true
}
