package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrame(t *testing.T) {
	f, err := NewFrame(EventLocationUpdate, LocationUpdateEvent{UserID: "alice", Lat: 45.9, Lon: 6.8})
	require.NoError(t, err)
	assert.Equal(t, EventLocationUpdate, f.Event)
	assert.Zero(t, f.AckID)

	var ev LocationUpdateEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, UserIDType("alice"), ev.UserID)
}

func TestAckFrame_EchoesAckID(t *testing.T) {
	f, err := AckFrame(42, PingAck{Success: true})
	require.NoError(t, err)
	assert.Equal(t, EventAck, f.Event)
	assert.Equal(t, int64(42), f.AckID)

	raw, err := f.Encode()
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, int64(42), decoded.AckID)
}

func TestFrame_OmitsEmptyAckID(t *testing.T) {
	f, err := NewFrame(EventChatTyping, ChatTypingEvent{RoomID: "group:g1", UserID: "alice", IsTyping: true})
	require.NoError(t, err)

	raw, err := f.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ackId")
}
