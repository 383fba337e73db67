package types

import (
	"encoding/json"
	"fmt"
)

// Event names carried on the wire. The prefix is the namespace tag.
const (
	EventAck = "ack"

	EventSessionStart      = "session:start"
	EventSessionEnd        = "session:end"
	EventLocationPing      = "location:ping"
	EventLocationSubscribe = "location:subscribe"
	EventLocationUpdate    = "location:update"
	EventLocationProximity = "location:proximity"

	EventChatJoin    = "chat:join"
	EventChatLeave   = "chat:leave"
	EventChatSend    = "chat:send"
	EventChatTyping  = "chat:typing"
	EventChatRead    = "chat:read"
	EventChatHistory = "chat:history"
	EventChatMessage = "chat:message"
)

// Frame is the wire envelope for every message in both directions:
// {event, ackId?, data}. Inbound frames that expect an acknowledgement carry
// an ackId; the matching ack frame echoes it.
type Frame struct {
	Event string          `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// AckFrame builds the acknowledgement frame for a request frame.
func AckFrame(ackID int64, payload any) (Frame, error) {
	f, err := NewFrame(EventAck, payload)
	if err != nil {
		return Frame{}, err
	}
	f.AckID = ackID
	return f, nil
}

// Encode serializes the frame for the socket.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// --- Location Payloads ---

type SessionStartRequest struct {
	ResortID *string `json:"resortId,omitempty"`
}

type SessionStartAck struct {
	Success   bool          `json:"success"`
	SessionID SessionIDType `json:"sessionId,omitempty"`
	StartTime int64         `json:"startTime,omitempty"` // epoch millis
}

type SessionEndRequest struct {
	SessionID SessionIDType `json:"sessionId"`
}

// SessionSummary is returned on session end.
type SessionSummary struct {
	TotalVertical   float64 `json:"totalVertical"`
	TotalDistance   float64 `json:"totalDistance"`
	MaxSpeed        float64 `json:"maxSpeed"`
	DurationSeconds int64   `json:"durationSeconds"`
}

type SessionEndAck struct {
	Success bool            `json:"success"`
	Summary *SessionSummary `json:"summary,omitempty"`
}

type PingRequest struct {
	SessionID SessionIDType `json:"sessionId"`
	Lat       float64       `json:"lat"`
	Lon       float64       `json:"lon"`
	Altitude  float64       `json:"altitude"`
	Speed     float64       `json:"speed"`
	Accuracy  float64       `json:"accuracy"`
	Heading   *float64      `json:"heading,omitempty"`
	Timestamp int64         `json:"timestamp"` // capture time, epoch millis
}

type PingAck struct {
	Success   bool `json:"success"`
	Throttled bool `json:"throttled,omitempty"`
}

type SubscribeRequest struct {
	FriendIDs []UserIDType `json:"friendIds"`
}

// BasicAck is the bare {success} envelope.
type BasicAck struct {
	Success bool `json:"success"`
}

// LocationUpdateEvent is fanned out to nearby friends of the pinger.
type LocationUpdateEvent struct {
	UserID    UserIDType `json:"userId"`
	Name      string     `json:"name,omitempty"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Altitude  float64    `json:"altitude"`
	Speed     float64    `json:"speed"`
	Distance  float64    `json:"distance"` // meters from the receiving friend
	Timestamp int64      `json:"timestamp"`
}

// ProximityEvent is delivered to the pinger when a friend is within the
// alert threshold.
type ProximityEvent struct {
	FriendID   UserIDType `json:"friendId"`
	FriendName string     `json:"friendName"`
	Distance   float64    `json:"distance"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
}

// --- Chat Payloads ---

// ChatTarget addresses a room by exactly one of groupId or recipientId.
type ChatTarget struct {
	GroupID     *GroupIDType `json:"groupId,omitempty"`
	RecipientID *UserIDType  `json:"recipientId,omitempty"`
}

type ChatJoinRequest struct {
	ChatTarget
}

type ChatJoinAck struct {
	Success bool       `json:"success"`
	RoomID  RoomIDType `json:"roomId,omitempty"`
}

type ChatLeaveRequest struct {
	RoomID RoomIDType `json:"roomId"`
}

type ChatSendRequest struct {
	ChatTarget
	Content  string           `json:"content"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

type ChatSendAck struct {
	Success   bool          `json:"success"`
	MessageID MessageIDType `json:"messageId,omitempty"`
	SentAt    int64         `json:"sentAt,omitempty"`
}

type ChatTypingRequest struct {
	ChatTarget
	IsTyping bool `json:"isTyping"`
}

// ChatTypingEvent is broadcast to the other connections in the room.
type ChatTypingEvent struct {
	RoomID   RoomIDType `json:"roomId"`
	UserID   UserIDType `json:"userId"`
	IsTyping bool       `json:"isTyping"`
}

type ChatReadRequest struct {
	MessageID MessageIDType `json:"messageId"`
	GroupID   *GroupIDType  `json:"groupId,omitempty"`
}

type ChatReadEvent struct {
	MessageID MessageIDType `json:"messageId"`
	UserID    UserIDType    `json:"userId"`
	ReadAt    int64         `json:"readAt"`
}

type ChatHistoryRequest struct {
	ChatTarget
	Limit int `json:"limit,omitempty"`
}

type ChatHistoryAck struct {
	Success  bool          `json:"success"`
	Messages []ChatMessage `json:"messages,omitempty"`
}
