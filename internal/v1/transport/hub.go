// Package transport terminates the WebSocket endpoint: handshake
// authentication, frame demultiplexing into the location and chat engines,
// per-connection throttle state, and disconnect accounting. One Hub serves
// the whole node; every accepted connection runs its own read and write
// pumps.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/ratelimit"
	"github.com/slopeline/slopeline/internal/v1/registry"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// LocationHandler is the location engine surface the hub dispatches into.
type LocationHandler interface {
	HandleSessionStart(ctx context.Context, conn types.ClientConn, req types.SessionStartRequest) types.SessionStartAck
	HandleSessionEnd(ctx context.Context, conn types.ClientConn, req types.SessionEndRequest) types.SessionEndAck
	HandlePing(ctx context.Context, conn types.ClientConn, req types.PingRequest) types.PingAck
	HandleSubscribe(ctx context.Context, conn types.ClientConn, req types.SubscribeRequest) types.BasicAck
}

// ChatHandler is the chat engine surface the hub dispatches into.
type ChatHandler interface {
	HandleJoin(ctx context.Context, conn types.ClientConn, req types.ChatJoinRequest) types.ChatJoinAck
	HandleLeave(ctx context.Context, conn types.ClientConn, req types.ChatLeaveRequest) types.BasicAck
	HandleSend(ctx context.Context, conn types.ClientConn, req types.ChatSendRequest) types.ChatSendAck
	HandleTyping(ctx context.Context, conn types.ClientConn, req types.ChatTypingRequest)
	HandleRead(ctx context.Context, conn types.ClientConn, req types.ChatReadRequest) types.BasicAck
	HandleHistory(ctx context.Context, conn types.ClientConn, req types.ChatHistoryRequest) types.ChatHistoryAck
	Disconnected(ctx context.Context, conn types.ClientConn)
}

// Options tune the hub; zero values fall back to defaults.
type Options struct {
	PingThrottle   time.Duration
	AllowedOrigins []string
	SendBuffer     int
}

// Hub owns the node's WebSocket endpoint.
type Hub struct {
	validator types.TokenValidator
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	location  LocationHandler
	chat      ChatHandler

	pingThrottle   time.Duration
	allowedOrigins []string
	sendBuffer     int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub wires the gateway together. The registry carries the lifecycle
// hooks, so the hub itself never talks to the backplane directly.
func NewHub(validator types.TokenValidator, reg *registry.Registry, limiter *ratelimit.Limiter, loc LocationHandler, chat ChatHandler, opts Options) *Hub {
	if opts.PingThrottle <= 0 {
		opts.PingThrottle = time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		validator:      validator,
		registry:       reg,
		limiter:        limiter,
		location:       loc,
		chat:           chat,
		pingThrottle:   opts.PingThrottle,
		allowedOrigins: opts.AllowedOrigins,
		sendBuffer:     opts.SendBuffer,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ServeWs authenticates the request and upgrades it to a WebSocket
// connection: per-IP rate limit, token extraction, verification, per-user
// rate limit, origin check, upgrade, registration, pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.limiter.AllowConnect(c) {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_limit").Inc()
		return
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_auth").Inc()
		c.JSON(401, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(c.Request.Context(), tokenResult.Token)
	if err != nil {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_auth").Inc()
		c.JSON(401, gin.H{"error": "invalid token"})
		return
	}
	userID := types.UserIDType(claims.Subject)

	if !h.limiter.AllowUser(c.Request.Context(), userID) {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_limit").Inc()
		c.JSON(429, gin.H{"error": "too many connections"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_origin").Inc()
		c.JSON(403, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, tokenResult)
	if err != nil {
		metrics.ConnectionOutcomes.WithLabelValues("rejected_upgrade").Inc()
		return
	}

	h.HandleConnection(conn, claims)
}

// HandleConnection registers an established connection and starts its pumps.
// Split from ServeWs so tests can drive the hub with a fake socket.
func (h *Hub) HandleConnection(conn wsConnection, claims *authClaims) {
	client := h.newClient(conn, claims)

	h.registry.Add(client.ctx, client)
	metrics.ConnectionOutcomes.WithLabelValues("accepted").Inc()
	logging.Info(client.ctx, "connection established", zap.String("connId", string(client.id)))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) newClient(conn wsConnection, claims *authClaims) *Client {
	userID := types.UserIDType(claims.Subject)
	ctx, cancel := context.WithCancel(h.ctx)
	ctx = context.WithValue(ctx, logging.UserIDKey, claims.Subject)

	return &Client{
		id:           types.ConnIDType(uuid.NewString()),
		userID:       userID,
		displayName:  displayNameFromClaims(claims),
		conn:         conn,
		hub:          h,
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan []byte, h.sendBuffer),
		prioritySend: make(chan []byte, h.sendBuffer),
		rooms:        set.New[types.RoomIDType](),
	}
}

// handleDisconnect runs the accounting for a dying connection: cancel its
// in-flight handlers, clear its typing flags room by room, then drop it from
// the local and shared registries. The registry's offline hook clears hot
// presence when this was the user's last connection anywhere.
func (h *Hub) handleDisconnect(c *Client) {
	c.cancel()
	c.Disconnect()

	// Typing cleanup reads c.Rooms, so it must run before the registry
	// strips the room set.
	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.userID))
	h.chat.Disconnected(ctx, c)
	h.registry.Remove(ctx, c)

	logging.Info(ctx, "connection closed", zap.String("connId", string(c.id)))
}

// Deliver is the backplane sink: frames published by other nodes land here
// and fan out to the local connections addressed by the channel.
func (h *Hub) Deliver(channel string, frame types.Frame) {
	data, err := frame.Encode()
	if err != nil {
		logging.Error(h.ctx, "backplane frame encode failed", zap.Error(err))
		return
	}

	switch {
	case strings.HasPrefix(channel, "room:"):
		room := types.RoomIDType(strings.TrimPrefix(channel, "room:"))
		for _, conn := range h.registry.RoomConns(room) {
			conn.Send(data)
		}
	case strings.HasPrefix(channel, "user:"):
		user := types.UserIDType(strings.TrimPrefix(channel, "user:"))
		for _, conn := range h.registry.UserConns(user) {
			conn.Send(data)
		}
	default:
		logging.Warn(h.ctx, "frame for unknown channel", zap.String("channel", channel))
	}
}

// Shutdown closes every connection with a close frame and stops accepting
// handler work.
func (h *Hub) Shutdown(ctx context.Context) error {
	conns := h.registry.Conns()
	logging.Info(ctx, "closing client connections", zap.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Disconnect()
	}
	h.cancel()
	return nil
}
