// Package chat runs the realtime chat fabric: authorization-scoped rooms,
// write-through message cache, typing flags with TTL, read receipts, and
// history recovery after cache eviction. Every access decision goes to the
// warm store so revoked membership takes effect immediately.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// Store is the warm-path surface the engine needs.
type Store interface {
	InsertMessage(ctx context.Context, msg *types.ChatMessage) error
	MessageByID(ctx context.Context, id types.MessageIDType) (*types.ChatMessage, error)
	MarkMessageRead(ctx context.Context, id types.MessageIDType, user types.UserIDType) (bool, error)
	RecentMessages(ctx context.Context, room types.Room, limit int) ([]types.ChatMessage, error)
	AreFriends(ctx context.Context, a, b types.UserIDType) (bool, error)
	IsGroupMember(ctx context.Context, group types.GroupIDType, user types.UserIDType) (bool, error)
}

// Enqueuer schedules the after-send hook.
type Enqueuer interface {
	EnqueueAfterSend(ctx context.Context, job types.AfterSendJob) error
}

// Publisher reaches room subscribers on other nodes.
type Publisher interface {
	PublishRoom(ctx context.Context, roomID types.RoomIDType, frame types.Frame) error
}

// Roster is the node-local connection index.
type Roster interface {
	JoinRoom(conn types.ClientConn, room types.RoomIDType)
	LeaveRoom(conn types.ClientConn, room types.RoomIDType)
	RoomConns(room types.RoomIDType) []types.ClientConn
}

// Options tune the engine; zero values fall back to defaults.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	TypingTTL time.Duration
}

// Engine is the chat engine. Safe for concurrent use; all state lives in the
// hot store, the warm store and the roster.
type Engine struct {
	hot    *hotstore.Service
	store  Store
	queue  Enqueuer
	bus    Publisher
	roster Roster

	cacheSize int
	cacheTTL  time.Duration
	typingTTL time.Duration
}

func New(hot *hotstore.Service, st Store, q Enqueuer, pub Publisher, roster Roster, opts Options) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 50
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 5 * time.Second
	}
	return &Engine{
		hot:       hot,
		store:     st,
		queue:     q,
		bus:       pub,
		roster:    roster,
		cacheSize: opts.CacheSize,
		cacheTTL:  opts.CacheTTL,
		typingTTL: opts.TypingTTL,
	}
}

// authorize proves the user may act in the room: a membership row for group
// rooms, an accepted friendship for DM rooms. Denials never carry a reason.
func (e *Engine) authorize(ctx context.Context, user types.UserIDType, room types.Room) error {
	if group, ok := room.Group(); ok {
		member, err := e.store.IsGroupMember(ctx, group, user)
		if err != nil {
			return fmt.Errorf("membership check: %w", err)
		}
		if !member {
			return types.ErrForbidden
		}
		return nil
	}

	other, ok := room.Other(user)
	if !ok {
		return types.ErrForbidden
	}
	friends, err := e.store.AreFriends(ctx, user, other)
	if err != nil {
		return fmt.Errorf("friendship check: %w", err)
	}
	if !friends {
		return types.ErrForbidden
	}
	return nil
}

// HandleJoin resolves the canonical room, checks access, and subscribes the
// connection. The joiner also receives a snapshot of who is typing now.
func (e *Engine) HandleJoin(ctx context.Context, conn types.ClientConn, req types.ChatJoinRequest) types.ChatJoinAck {
	user := conn.UserID()
	room, err := types.RoomForTarget(user, req.ChatTarget)
	if err != nil {
		logging.Debug(ctx, "join rejected", zap.Error(err))
		return types.ChatJoinAck{}
	}
	if err := e.authorize(ctx, user, room); err != nil {
		e.logDenial(ctx, "join", room, err)
		return types.ChatJoinAck{}
	}

	roomID := room.ID()
	e.roster.JoinRoom(conn, roomID)

	if err := e.hot.SAdd(ctx, types.UserRoomsKey(user), string(roomID)); err != nil {
		logging.Warn(ctx, "room bookkeeping failed", zap.Error(err))
	}
	if err := e.hot.SAdd(ctx, types.RoomMembersKey(roomID), string(user)); err != nil {
		logging.Warn(ctx, "member bookkeeping failed", zap.Error(err))
	}

	e.sendTypingSnapshot(ctx, conn, roomID)

	logging.Info(ctx, "joined room", zap.String("roomId", string(roomID)))
	return types.ChatJoinAck{Success: true, RoomID: roomID}
}

// HandleLeave unsubscribes the connection. Leaving a room never joined is a
// no-op success.
func (e *Engine) HandleLeave(ctx context.Context, conn types.ClientConn, req types.ChatLeaveRequest) types.BasicAck {
	if _, err := types.ParseRoomID(req.RoomID); err != nil {
		logging.Debug(ctx, "leave rejected", zap.Error(err))
		return types.BasicAck{}
	}
	user := conn.UserID()
	roomID := req.RoomID
	if !conn.InRoom(roomID) {
		return types.BasicAck{Success: true}
	}

	e.roster.LeaveRoom(conn, roomID)

	if err := e.hot.SRem(ctx, types.UserRoomsKey(user), string(roomID)); err != nil {
		logging.Warn(ctx, "room bookkeeping failed", zap.Error(err))
	}
	if err := e.hot.SRem(ctx, types.RoomMembersKey(roomID), string(user)); err != nil {
		logging.Warn(ctx, "member bookkeeping failed", zap.Error(err))
	}

	e.clearTyping(ctx, conn, roomID, true)

	logging.Info(ctx, "left room", zap.String("roomId", string(roomID)))
	return types.BasicAck{Success: true}
}

// HandleTyping sets or clears the typing flag and tells the rest of the
// room. No acknowledgement by contract; the flag's TTL is the failsafe for
// clients that vanish mid-keystroke.
func (e *Engine) HandleTyping(ctx context.Context, conn types.ClientConn, req types.ChatTypingRequest) {
	user := conn.UserID()
	room, err := types.RoomForTarget(user, req.ChatTarget)
	if err != nil {
		return
	}
	roomID := room.ID()
	if !conn.InRoom(roomID) {
		return
	}

	if req.IsTyping {
		if err := e.hot.SetEx(ctx, types.TypingKey(roomID, user), "1", e.typingTTL); err != nil {
			logging.Warn(ctx, "typing flag set failed", zap.Error(err))
		}
	} else {
		if err := e.hot.Del(ctx, types.TypingKey(roomID, user)); err != nil {
			logging.Warn(ctx, "typing flag delete failed", zap.Error(err))
		}
	}

	e.broadcastTyping(ctx, roomID, user, req.IsTyping, conn.ID())
	metrics.TypingEvents.Inc()
}

// Disconnected cleans up after a closing connection: every room it joined
// loses the user's typing flag and hears one final isTyping=false.
func (e *Engine) Disconnected(ctx context.Context, conn types.ClientConn) {
	for _, roomID := range conn.Rooms() {
		e.clearTyping(ctx, conn, roomID, true)
	}
}

// clearTyping deletes the flag; when announce is set the room is told the
// user stopped typing.
func (e *Engine) clearTyping(ctx context.Context, conn types.ClientConn, roomID types.RoomIDType, announce bool) {
	user := conn.UserID()
	if err := e.hot.Del(ctx, types.TypingKey(roomID, user)); err != nil {
		logging.Warn(ctx, "typing flag delete failed", zap.Error(err))
	}
	if announce {
		e.broadcastTyping(ctx, roomID, user, false, conn.ID())
	}
}

func (e *Engine) broadcastTyping(ctx context.Context, roomID types.RoomIDType, user types.UserIDType, isTyping bool, exclude types.ConnIDType) {
	frame, err := types.NewFrame(types.EventChatTyping, types.ChatTypingEvent{
		RoomID:   roomID,
		UserID:   user,
		IsTyping: isTyping,
	})
	if err != nil {
		logging.Error(ctx, "typing frame failed", zap.Error(err))
		return
	}
	e.broadcast(ctx, roomID, frame, exclude)
}

// sendTypingSnapshot delivers the room's current typists to one connection.
func (e *Engine) sendTypingSnapshot(ctx context.Context, conn types.ClientConn, roomID types.RoomIDType) {
	keys, err := e.hot.Keys(ctx, types.TypingPattern(roomID))
	if err != nil {
		logging.Warn(ctx, "typing snapshot failed", zap.Error(err))
		return
	}
	prefix := types.TypingKey(roomID, "")
	for _, key := range keys {
		typist := types.UserIDType(strings.TrimPrefix(key, prefix))
		if typist == "" || typist == conn.UserID() {
			continue
		}
		frame, err := types.NewFrame(types.EventChatTyping, types.ChatTypingEvent{
			RoomID:   roomID,
			UserID:   typist,
			IsTyping: true,
		})
		if err != nil {
			continue
		}
		if data, err := frame.Encode(); err == nil {
			conn.Send(data)
		}
	}
}

// broadcast delivers a frame to the room's local connections except exclude,
// and publishes it for every other node.
func (e *Engine) broadcast(ctx context.Context, roomID types.RoomIDType, frame types.Frame, exclude types.ConnIDType) {
	if data, err := frame.Encode(); err == nil {
		for _, c := range e.roster.RoomConns(roomID) {
			if c.ID() == exclude {
				continue
			}
			c.Send(data)
		}
	}
	if err := e.bus.PublishRoom(ctx, roomID, frame); err != nil {
		logging.Warn(ctx, "room publish failed", zap.String("roomId", string(roomID)), zap.Error(err))
	}
}

func (e *Engine) logDenial(ctx context.Context, op string, room types.Room, err error) {
	if errors.Is(err, types.ErrForbidden) {
		logging.Debug(ctx, "access denied", zap.String("op", op), zap.String("roomId", string(room.ID())))
		return
	}
	logging.Error(ctx, "access check failed", zap.String("op", op), zap.Error(err))
}
