package types

import (
	"context"
	"errors"
	"time"

	"github.com/slopeline/slopeline/internal/v1/auth"
)

// --- Core Domain Types ---

// UserIDType is the stable user identity issued by the token verifier.
type UserIDType string

// SessionIDType identifies a ski session.
type SessionIDType string

// MessageIDType identifies a chat message.
type MessageIDType string

// GroupIDType identifies a chat group.
type GroupIDType string

// RoomIDType is the canonical channel identity of a chat room.
type RoomIDType string

// ConnIDType identifies a single WebSocket connection handle.
type ConnIDType string

// --- Error Taxonomy ---

// Sentinel errors classified by outcome. Handlers match these with errors.Is
// and convert them to ack envelopes; none of them crosses the gateway.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrValidation      = errors.New("invalid payload")
	ErrNotFound        = errors.New("not found")
	ErrTransient       = errors.New("transient failure")
)

// --- Shared Interfaces ---

// TokenValidator defines the interface for bearer token authentication.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// ClientConn defines the behavior the engines need from a WebSocket
// connection. This allows the location, chat and registry packages to reach
// clients without depending on the transport package.
type ClientConn interface {
	ID() ConnIDType
	UserID() UserIDType
	DisplayName() string
	Context() context.Context

	// Send queues a pre-encoded frame on the broadcast channel. It never
	// blocks; frames to a slow consumer are dropped.
	Send(frame []byte)
	// SendAck queues an ack frame on the priority channel.
	SendAck(frame Frame)

	// AllowPing reports whether a ping at now clears the per-connection
	// throttle window, and if so records now as the last ping. Purely
	// in-memory.
	AllowPing(now time.Time, window time.Duration) bool

	AddRoom(room RoomIDType)
	RemoveRoom(room RoomIDType)
	InRoom(room RoomIDType) bool
	Rooms() []RoomIDType

	// Disconnect forcefully closes the connection.
	Disconnect()
}
