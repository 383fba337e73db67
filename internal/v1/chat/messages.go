package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

const (
	historyDefaultLimit = 50
	historyMaxLimit     = 100
)

// HandleSend is the write-through pipeline: durable insert first, then the
// hot cache, the after-send task, the room broadcast, and finally the
// sender's typing flag goes away. Only the insert can fail the call; the
// rest degrades to log lines.
func (e *Engine) HandleSend(ctx context.Context, conn types.ClientConn, req types.ChatSendRequest) types.ChatSendAck {
	user := conn.UserID()
	room, err := types.RoomForTarget(user, req.ChatTarget)
	if err != nil {
		logging.Debug(ctx, "send rejected", zap.Error(err))
		return types.ChatSendAck{}
	}
	if err := types.ValidateContent(req.Content); err != nil {
		logging.Debug(ctx, "send rejected", zap.Error(err))
		return types.ChatSendAck{}
	}
	if req.Metadata != nil {
		if err := req.Metadata.Validate(); err != nil {
			logging.Debug(ctx, "send rejected", zap.Error(err))
			return types.ChatSendAck{}
		}
	}
	if err := e.authorize(ctx, user, room); err != nil {
		e.logDenial(ctx, "send", room, err)
		return types.ChatSendAck{}
	}

	msg := types.ChatMessage{
		SenderID: user,
		Content:  req.Content,
		Metadata: req.Metadata,
	}
	if group, ok := room.Group(); ok {
		g := group
		msg.GroupID = &g
	} else if other, ok := room.Other(user); ok {
		o := other
		msg.RecipientID = &o
	}

	if err := e.store.InsertMessage(ctx, &msg); err != nil {
		logging.Error(ctx, "message insert failed", zap.Error(err))
		return types.ChatSendAck{}
	}

	roomID := room.ID()
	e.cacheMessage(ctx, roomID, &msg)

	if err := e.queue.EnqueueAfterSend(ctx, types.AfterSendJob{
		MessageID: msg.ID,
		RoomID:    roomID,
		SenderID:  user,
		SentAt:    msg.SentAt,
	}); err != nil {
		logging.Warn(ctx, "after-send enqueue failed", zap.Error(err))
	}

	if frame, err := types.NewFrame(types.EventChatMessage, msg); err != nil {
		logging.Error(ctx, "message frame failed", zap.Error(err))
	} else {
		e.broadcast(ctx, roomID, frame, conn.ID())
	}

	if err := e.hot.Del(ctx, types.TypingKey(roomID, user)); err != nil {
		logging.Warn(ctx, "typing flag delete failed", zap.Error(err))
	}

	metrics.ChatMessages.Inc()
	return types.ChatSendAck{Success: true, MessageID: msg.ID, SentAt: msg.SentAt}
}

// HandleRead idempotently records that the user read a message and tells the
// room. The room is derived from the message itself, never from the client's
// claim.
func (e *Engine) HandleRead(ctx context.Context, conn types.ClientConn, req types.ChatReadRequest) types.BasicAck {
	if req.MessageID == "" {
		return types.BasicAck{}
	}
	user := conn.UserID()

	msg, err := e.store.MessageByID(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logging.Debug(ctx, "read rejected", zap.String("messageId", string(req.MessageID)))
		} else {
			logging.Error(ctx, "message load failed", zap.Error(err))
		}
		return types.BasicAck{}
	}
	room, err := msg.Room()
	if err != nil {
		logging.Error(ctx, "message room derivation failed", zap.Error(err))
		return types.BasicAck{}
	}
	if err := e.authorize(ctx, user, room); err != nil {
		e.logDenial(ctx, "read", room, err)
		return types.BasicAck{}
	}

	applied, err := e.store.MarkMessageRead(ctx, req.MessageID, user)
	if err != nil {
		logging.Error(ctx, "read receipt write failed", zap.Error(err))
		return types.BasicAck{}
	}
	if applied {
		frame, err := types.NewFrame(types.EventChatRead, types.ChatReadEvent{
			MessageID: req.MessageID,
			UserID:    user,
			ReadAt:    time.Now().UnixMilli(),
		})
		if err == nil {
			e.broadcast(ctx, room.ID(), frame, conn.ID())
		}
	}

	metrics.ReadReceipts.Inc()
	return types.BasicAck{Success: true}
}

// HandleHistory serves the cached tail when the hot list is warm (newest
// first, as cached), and otherwise recovers from the warm store in
// chronological order while refilling the cache.
func (e *Engine) HandleHistory(ctx context.Context, conn types.ClientConn, req types.ChatHistoryRequest) types.ChatHistoryAck {
	user := conn.UserID()
	room, err := types.RoomForTarget(user, req.ChatTarget)
	if err != nil {
		logging.Debug(ctx, "history rejected", zap.Error(err))
		return types.ChatHistoryAck{}
	}
	if err := e.authorize(ctx, user, room); err != nil {
		e.logDenial(ctx, "history", room, err)
		return types.ChatHistoryAck{}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}

	roomID := room.ID()
	cached, cacheHealthy := e.readCache(ctx, roomID, limit)
	if len(cached) > 0 {
		if err := e.hot.Expire(ctx, types.ChatCacheKey(roomID), e.cacheTTL); err != nil {
			logging.Warn(ctx, "cache ttl refresh failed", zap.Error(err))
		}
		metrics.HistoryLookups.WithLabelValues("hit").Inc()
		return types.ChatHistoryAck{Success: true, Messages: cached}
	}

	msgs, err := e.store.RecentMessages(ctx, room, limit)
	if err != nil {
		logging.Error(ctx, "history query failed", zap.Error(err))
		return types.ChatHistoryAck{}
	}
	if len(msgs) == 0 {
		metrics.HistoryLookups.WithLabelValues("empty").Inc()
		return types.ChatHistoryAck{Success: true}
	}

	chronological := make([]types.ChatMessage, len(msgs))
	for i, m := range msgs {
		chronological[len(msgs)-1-i] = m
	}

	if cacheHealthy {
		e.refillCache(ctx, roomID, chronological)
	}
	metrics.HistoryLookups.WithLabelValues("miss").Inc()
	return types.ChatHistoryAck{Success: true, Messages: chronological}
}

// AfterSend consumes the post-send task off the queue. This is the hook
// point for push notifications and analytics; today it only accounts for
// the delivery.
func (e *Engine) AfterSend(ctx context.Context, job types.AfterSendJob) error {
	logging.Debug(ctx, "after-send processed",
		zap.String("messageId", string(job.MessageID)),
		zap.String("roomId", string(job.RoomID)))
	return nil
}

func (e *Engine) cacheMessage(ctx context.Context, roomID types.RoomIDType, msg *types.ChatMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(ctx, "message cache marshal failed", zap.Error(err))
		return
	}
	if err := e.hot.PushCapped(ctx, types.ChatCacheKey(roomID), string(data), int64(e.cacheSize), e.cacheTTL); err != nil {
		logging.Warn(ctx, "message cache push failed", zap.Error(err))
	}
}

// readCache returns cached messages newest first. healthy is false when the
// hot read itself failed, in which case the caller must not refill.
func (e *Engine) readCache(ctx context.Context, roomID types.RoomIDType, limit int) ([]types.ChatMessage, bool) {
	entries, err := e.hot.ListRange(ctx, types.ChatCacheKey(roomID), 0, int64(limit-1))
	if err != nil {
		logging.Warn(ctx, "cache read failed", zap.Error(err))
		return nil, false
	}
	msgs := make([]types.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var m types.ChatMessage
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			logging.Warn(ctx, "corrupt cache entry", zap.String("roomId", string(roomID)), zap.Error(err))
			// Serve from warm and overwrite the cache.
			return nil, true
		}
		msgs = append(msgs, m)
	}
	return msgs, true
}

// refillCache replaces the room's cache from a chronological slice, so the
// newest message lands at the head.
func (e *Engine) refillCache(ctx context.Context, roomID types.RoomIDType, chronological []types.ChatMessage) {
	values := make([]string, 0, len(chronological))
	for _, m := range chronological {
		data, err := json.Marshal(m)
		if err != nil {
			logging.Error(ctx, "cache refill marshal failed", zap.Error(err))
			return
		}
		values = append(values, string(data))
	}
	if err := e.hot.FillCapped(ctx, types.ChatCacheKey(roomID), values, int64(e.cacheSize), e.cacheTTL); err != nil {
		logging.Warn(ctx, "cache refill failed", zap.Error(err))
	}
}
