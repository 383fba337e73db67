package types

import (
	"errors"
	"fmt"
)

// maxContentLength bounds chat message content.
const maxContentLength = 1000

// Metadata variant tags.
const (
	MetadataText          = "text"
	MetadataImage         = "image"
	MetadataLocation      = "location"
	MetadataMeetupRequest = "meetup-request"
)

// MessageMetadata is the typed metadata variant attached to a message:
// text | image{url} | location{lat,lon} | meetup-request{id}.
type MessageMetadata struct {
	Type     string   `json:"type"`
	URL      string   `json:"url,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	MeetupID string   `json:"meetupId,omitempty"`
}

// Validate checks the variant's required fields.
func (m *MessageMetadata) Validate() error {
	switch m.Type {
	case MetadataText:
		return nil
	case MetadataImage:
		if m.URL == "" {
			return fmt.Errorf("image metadata requires url: %w", ErrValidation)
		}
		return nil
	case MetadataLocation:
		if m.Lat == nil || m.Lon == nil {
			return fmt.Errorf("location metadata requires lat and lon: %w", ErrValidation)
		}
		if *m.Lat < -90 || *m.Lat > 90 || *m.Lon < -180 || *m.Lon > 180 {
			return fmt.Errorf("location metadata out of range: %w", ErrValidation)
		}
		return nil
	case MetadataMeetupRequest:
		if m.MeetupID == "" {
			return fmt.Errorf("meetup-request metadata requires meetupId: %w", ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("unknown metadata type %q: %w", m.Type, ErrValidation)
	}
}

// ChatMessage is a chat message as it travels the wire and the hot cache.
// SentAt is server-assigned, epoch millis.
type ChatMessage struct {
	ID          MessageIDType    `json:"id"`
	SenderID    UserIDType       `json:"senderId"`
	GroupID     *GroupIDType     `json:"groupId,omitempty"`
	RecipientID *UserIDType      `json:"recipientId,omitempty"`
	Content     string           `json:"content"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
	ReadBy      []UserIDType     `json:"readBy,omitempty"`
	SentAt      int64            `json:"sentAt"`
}

// Room returns the derived room identity of the message.
func (m *ChatMessage) Room() (Room, error) {
	switch {
	case m.GroupID != nil:
		return GroupRoom(*m.GroupID), nil
	case m.RecipientID != nil:
		return DMRoom(m.SenderID, *m.RecipientID), nil
	default:
		return Room{}, errors.New("message has neither groupId nor recipientId")
	}
}

// ValidateContent enforces the message content bounds.
func ValidateContent(content string) error {
	if content == "" {
		return fmt.Errorf("content cannot be empty: %w", ErrValidation)
	}
	if len(content) > maxContentLength {
		return fmt.Errorf("content exceeds %d characters: %w", maxContentLength, ErrValidation)
	}
	return nil
}
