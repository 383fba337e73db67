package transport

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// route demultiplexes one inbound frame. It runs on the connection's read
// pump, so frames are handled strictly in arrival order. Unknown events and
// malformed payloads fail closed with a failure ack and no side effects;
// only chat:typing goes unacknowledged, by contract.
func (h *Hub) route(ctx context.Context, c *Client, raw []byte) {
	var frame types.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logging.Debug(ctx, "malformed frame", zap.Error(err))
		metrics.WebsocketEvents.WithLabelValues("malformed", "error").Inc()
		h.ack(c, 0, types.BasicAck{})
		return
	}

	start := time.Now()
	status := "ok"

	switch frame.Event {
	case types.EventSessionStart:
		var req types.SessionStartRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.location.HandleSessionStart(ctx, c, req))

	case types.EventSessionEnd:
		var req types.SessionEndRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.location.HandleSessionEnd(ctx, c, req))

	case types.EventLocationPing:
		// The throttle gate runs before any decode work; it is the hard
		// floor on per-connection ingest.
		if !c.AllowPing(time.Now(), h.pingThrottle) {
			metrics.Pings.WithLabelValues("throttled").Inc()
			h.ack(c, frame.AckID, types.PingAck{Throttled: true})
			status = "throttled"
			break
		}
		var req types.PingRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.location.HandlePing(ctx, c, req))

	case types.EventLocationSubscribe:
		var req types.SubscribeRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.location.HandleSubscribe(ctx, c, req))

	case types.EventChatJoin:
		var req types.ChatJoinRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.chat.HandleJoin(ctx, c, req))

	case types.EventChatLeave:
		var req types.ChatLeaveRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.chat.HandleLeave(ctx, c, req))

	case types.EventChatSend:
		var req types.ChatSendRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.chat.HandleSend(ctx, c, req))

	case types.EventChatTyping:
		var req types.ChatTypingRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			// No ack channel to report on; drop it.
			logging.Debug(ctx, "malformed typing payload", zap.Error(err))
			status = "error"
			break
		}
		h.chat.HandleTyping(ctx, c, req)

	case types.EventChatRead:
		var req types.ChatReadRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.chat.HandleRead(ctx, c, req))

	case types.EventChatHistory:
		var req types.ChatHistoryRequest
		if !h.decode(c, &frame, &req) {
			status = "error"
			break
		}
		h.ack(c, frame.AckID, h.chat.HandleHistory(ctx, c, req))

	default:
		logging.Debug(ctx, "unknown event", zap.String("event", frame.Event))
		h.ack(c, frame.AckID, types.BasicAck{})
		status = "unknown"
	}

	metrics.WebsocketEvents.WithLabelValues(frame.Event, status).Inc()
	metrics.MessageProcessingDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
}

// decode unmarshals the frame payload into req, acking failure on a
// malformed body.
func (h *Hub) decode(c *Client, frame *types.Frame, req any) bool {
	if len(frame.Data) == 0 {
		// Absent payload means all-optional fields; the handler validates.
		return true
	}
	if err := json.Unmarshal(frame.Data, req); err != nil {
		logging.Debug(c.ctx, "malformed payload", zap.String("event", frame.Event), zap.Error(err))
		h.ack(c, frame.AckID, types.BasicAck{})
		return false
	}
	return true
}

// ack wraps a payload in the ack envelope and queues it.
func (h *Hub) ack(c *Client, ackID int64, payload any) {
	frame, err := types.AckFrame(ackID, payload)
	if err != nil {
		logging.Error(c.ctx, "ack build failed", zap.Error(err))
		return
	}
	c.SendAck(frame)
}
