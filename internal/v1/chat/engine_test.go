package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// --- Mocks ---

type mockStore struct {
	mu        sync.Mutex
	friends   map[string]bool // "a|b" with both orders present
	members   map[string]bool // "group|user"
	messages  map[types.MessageIDType]*types.ChatMessage
	recent    []types.ChatMessage
	recentErr error
	insertErr error
	nextID    int
	reads     map[string]bool // "message|user"
}

func newMockStore() *mockStore {
	return &mockStore{
		friends:  make(map[string]bool),
		members:  make(map[string]bool),
		messages: make(map[types.MessageIDType]*types.ChatMessage),
		reads:    make(map[string]bool),
	}
}

func (m *mockStore) befriend(a, b types.UserIDType) {
	m.friends[string(a)+"|"+string(b)] = true
	m.friends[string(b)+"|"+string(a)] = true
}

func (m *mockStore) addMember(g types.GroupIDType, u types.UserIDType) {
	m.members[string(g)+"|"+string(u)] = true
}

func (m *mockStore) InsertMessage(_ context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.nextID++
	msg.ID = types.MessageIDType(fmt.Sprintf("m%d", m.nextID))
	msg.SentAt = time.Now().UnixMilli()
	stored := *msg
	m.messages[msg.ID] = &stored
	return nil
}

func (m *mockStore) MessageByID(_ context.Context, id types.MessageIDType) (*types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *msg
	return &copied, nil
}

func (m *mockStore) MarkMessageRead(_ context.Context, id types.MessageIDType, user types.UserIDType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(id) + "|" + string(user)
	if m.reads[key] {
		return false, nil
	}
	m.reads[key] = true
	return true, nil
}

func (m *mockStore) RecentMessages(_ context.Context, _ types.Room, limit int) ([]types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	if len(m.recent) > limit {
		return m.recent[:limit], nil
	}
	return m.recent, nil
}

func (m *mockStore) AreFriends(_ context.Context, a, b types.UserIDType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.friends[string(a)+"|"+string(b)], nil
}

func (m *mockStore) IsGroupMember(_ context.Context, g types.GroupIDType, u types.UserIDType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[string(g)+"|"+string(u)], nil
}

type mockEnqueuer struct {
	mu   sync.Mutex
	jobs []types.AfterSendJob
}

func (m *mockEnqueuer) EnqueueAfterSend(_ context.Context, job types.AfterSendJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

type mockPublisher struct {
	mu     sync.Mutex
	frames map[types.RoomIDType][]types.Frame
}

func (m *mockPublisher) PublishRoom(_ context.Context, roomID types.RoomIDType, frame types.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		m.frames = make(map[types.RoomIDType][]types.Frame)
	}
	m.frames[roomID] = append(m.frames[roomID], frame)
	return nil
}

type mockRoster struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType][]types.ClientConn
}

func newMockRoster() *mockRoster {
	return &mockRoster{rooms: make(map[types.RoomIDType][]types.ClientConn)}
}

func (m *mockRoster) JoinRoom(conn types.ClientConn, room types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room] = append(m.rooms[room], conn)
	conn.AddRoom(room)
}

func (m *mockRoster) LeaveRoom(conn types.ClientConn, room types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.rooms[room]
	for i, c := range conns {
		if c.ID() == conn.ID() {
			m.rooms[room] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	conn.RemoveRoom(room)
}

func (m *mockRoster) RoomConns(room types.RoomIDType) []types.ClientConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ClientConn(nil), m.rooms[room]...)
}

type mockConn struct {
	id   types.ConnIDType
	user types.UserIDType

	mu    sync.Mutex
	sent  [][]byte
	rooms map[types.RoomIDType]struct{}
}

func newConn(id types.ConnIDType, user types.UserIDType) *mockConn {
	return &mockConn{id: id, user: user, rooms: make(map[types.RoomIDType]struct{})}
}

func (m *mockConn) ID() types.ConnIDType     { return m.id }
func (m *mockConn) UserID() types.UserIDType { return m.user }
func (m *mockConn) DisplayName() string      { return string(m.user) }
func (m *mockConn) Context() context.Context { return context.Background() }
func (m *mockConn) SendAck(types.Frame)      {}
func (m *mockConn) Disconnect()              {}

func (m *mockConn) AllowPing(time.Time, time.Duration) bool { return true }

func (m *mockConn) Send(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, frame)
}

func (m *mockConn) sentEvents(t *testing.T) []types.Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := make([]types.Frame, 0, len(m.sent))
	for _, raw := range m.sent {
		var f types.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		frames = append(frames, f)
	}
	return frames
}

func (m *mockConn) AddRoom(room types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room] = struct{}{}
}

func (m *mockConn) RemoveRoom(room types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room)
}

func (m *mockConn) InRoom(room types.RoomIDType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room]
	return ok
}

func (m *mockConn) Rooms() []types.RoomIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RoomIDType, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// --- Fixture ---

type fixture struct {
	engine *Engine
	hot    *hotstore.Service
	mr     *miniredis.Miniredis
	store  *mockStore
	queue  *mockEnqueuer
	bus    *mockPublisher
	roster *mockRoster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	hot := hotstore.NewFromClient(client, time.Second)

	st := newMockStore()
	q := &mockEnqueuer{}
	pub := &mockPublisher{}
	roster := newMockRoster()

	return &fixture{
		engine: New(hot, st, q, pub, roster, Options{CacheSize: 5, CacheTTL: time.Hour, TypingTTL: 5 * time.Second}),
		hot:    hot,
		mr:     mr,
		store:  st,
		queue:  q,
		bus:    pub,
		roster: roster,
	}
}

func groupTarget(g types.GroupIDType) types.ChatTarget {
	return types.ChatTarget{GroupID: &g}
}

func dmTarget(u types.UserIDType) types.ChatTarget {
	return types.ChatTarget{RecipientID: &u}
}

// --- Join / Leave ---

func TestHandleJoin_GroupMember(t *testing.T) {
	fx := newFixture(t)
	fx.store.addMember("g1", "alice")
	conn := newConn("c1", "alice")

	ack := fx.engine.HandleJoin(context.Background(), conn, types.ChatJoinRequest{ChatTarget: groupTarget("g1")})

	require.True(t, ack.Success)
	assert.Equal(t, types.RoomIDType("group:g1"), ack.RoomID)
	assert.True(t, conn.InRoom("group:g1"))

	rooms, err := fx.hot.SMembers(context.Background(), types.UserRoomsKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"group:g1"}, rooms)

	members, err := fx.hot.SMembers(context.Background(), types.RoomMembersKey("group:g1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestHandleJoin_NonMemberDenied(t *testing.T) {
	fx := newFixture(t)
	conn := newConn("c1", "mallory")

	ack := fx.engine.HandleJoin(context.Background(), conn, types.ChatJoinRequest{ChatTarget: groupTarget("g1")})

	assert.False(t, ack.Success)
	assert.Empty(t, ack.RoomID, "denials carry no detail")
	assert.False(t, conn.InRoom("group:g1"))
}

func TestHandleJoin_DMRequiresFriendship(t *testing.T) {
	fx := newFixture(t)
	conn := newConn("c1", "alice")

	ack := fx.engine.HandleJoin(context.Background(), conn, types.ChatJoinRequest{ChatTarget: dmTarget("bob")})
	assert.False(t, ack.Success)

	fx.store.befriend("alice", "bob")
	ack = fx.engine.HandleJoin(context.Background(), conn, types.ChatJoinRequest{ChatTarget: dmTarget("bob")})
	require.True(t, ack.Success)
	assert.Equal(t, types.RoomIDType("dm:alice_bob"), ack.RoomID, "either side resolves to the canonical room")
}

func TestHandleJoin_BadTarget(t *testing.T) {
	fx := newFixture(t)
	ack := fx.engine.HandleJoin(context.Background(), newConn("c1", "alice"), types.ChatJoinRequest{})
	assert.False(t, ack.Success)
}

func TestHandleJoin_DeliversTypingSnapshot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.addMember("g1", "alice")
	fx.store.addMember("g1", "bob")

	// Bob is mid-keystroke when alice joins.
	require.NoError(t, fx.hot.SetEx(ctx, types.TypingKey("group:g1", "bob"), "1", 5*time.Second))

	conn := newConn("c1", "alice")
	ack := fx.engine.HandleJoin(ctx, conn, types.ChatJoinRequest{ChatTarget: groupTarget("g1")})
	require.True(t, ack.Success)

	frames := conn.sentEvents(t)
	require.Len(t, frames, 1)
	assert.Equal(t, types.EventChatTyping, frames[0].Event)

	var ev types.ChatTypingEvent
	require.NoError(t, json.Unmarshal(frames[0].Data, &ev))
	assert.Equal(t, types.UserIDType("bob"), ev.UserID)
	assert.True(t, ev.IsTyping)
}

func TestHandleLeave(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.addMember("g1", "alice")
	conn := newConn("c1", "alice")

	require.True(t, fx.engine.HandleJoin(ctx, conn, types.ChatJoinRequest{ChatTarget: groupTarget("g1")}).Success)

	ack := fx.engine.HandleLeave(ctx, conn, types.ChatLeaveRequest{RoomID: "group:g1"})
	require.True(t, ack.Success)
	assert.False(t, conn.InRoom("group:g1"))

	rooms, err := fx.hot.SMembers(ctx, types.UserRoomsKey("alice"))
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestHandleLeave_NotJoinedIsNoopSuccess(t *testing.T) {
	fx := newFixture(t)
	ack := fx.engine.HandleLeave(context.Background(), newConn("c1", "alice"), types.ChatLeaveRequest{RoomID: "group:g1"})
	assert.True(t, ack.Success)
}

func TestHandleLeave_MalformedRoomID(t *testing.T) {
	fx := newFixture(t)
	ack := fx.engine.HandleLeave(context.Background(), newConn("c1", "alice"), types.ChatLeaveRequest{RoomID: "nonsense"})
	assert.False(t, ack.Success)
}

// --- Typing ---

func TestHandleTyping_SetsFlagAndBroadcasts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.addMember("g1", "alice")
	fx.store.addMember("g1", "bob")

	alice := newConn("c1", "alice")
	bob := newConn("c2", "bob")
	require.True(t, fx.engine.HandleJoin(ctx, alice, types.ChatJoinRequest{ChatTarget: groupTarget("g1")}).Success)
	require.True(t, fx.engine.HandleJoin(ctx, bob, types.ChatJoinRequest{ChatTarget: groupTarget("g1")}).Success)

	fx.engine.HandleTyping(ctx, alice, types.ChatTypingRequest{ChatTarget: groupTarget("g1"), IsTyping: true})

	assert.True(t, fx.mr.Exists(types.TypingKey("group:g1", "alice")))
	ttl := fx.mr.TTL(types.TypingKey("group:g1", "alice"))
	assert.Equal(t, 5*time.Second, ttl)

	// Bob hears it; alice's own connection does not.
	bobFrames := bob.sentEvents(t)
	require.Len(t, bobFrames, 1)
	assert.Equal(t, types.EventChatTyping, bobFrames[0].Event)
	assert.Empty(t, alice.sentEvents(t))

	// The backplane carries it to other nodes.
	require.Len(t, fx.bus.frames["group:g1"], 1)

	fx.engine.HandleTyping(ctx, alice, types.ChatTypingRequest{ChatTarget: groupTarget("g1"), IsTyping: false})
	assert.False(t, fx.mr.Exists(types.TypingKey("group:g1", "alice")))
}

func TestHandleTyping_RequiresJoinedRoom(t *testing.T) {
	fx := newFixture(t)
	fx.store.addMember("g1", "alice")
	alice := newConn("c1", "alice")

	fx.engine.HandleTyping(context.Background(), alice, types.ChatTypingRequest{ChatTarget: groupTarget("g1"), IsTyping: true})
	assert.False(t, fx.mr.Exists(types.TypingKey("group:g1", "alice")))
}

func TestDisconnected_ClearsTypingEverywhere(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.store.addMember("g1", "alice")
	fx.store.addMember("g1", "bob")
	fx.store.befriend("alice", "bob")

	alice := newConn("c1", "alice")
	bob := newConn("c2", "bob")
	require.True(t, fx.engine.HandleJoin(ctx, alice, types.ChatJoinRequest{ChatTarget: groupTarget("g1")}).Success)
	require.True(t, fx.engine.HandleJoin(ctx, alice, types.ChatJoinRequest{ChatTarget: dmTarget("bob")}).Success)
	require.True(t, fx.engine.HandleJoin(ctx, bob, types.ChatJoinRequest{ChatTarget: groupTarget("g1")}).Success)

	fx.engine.HandleTyping(ctx, alice, types.ChatTypingRequest{ChatTarget: groupTarget("g1"), IsTyping: true})
	fx.engine.HandleTyping(ctx, alice, types.ChatTypingRequest{ChatTarget: dmTarget("bob"), IsTyping: true})

	fx.engine.Disconnected(ctx, alice)

	assert.False(t, fx.mr.Exists(types.TypingKey("group:g1", "alice")))
	assert.False(t, fx.mr.Exists(types.TypingKey("dm:alice_bob", "alice")))

	// Bob heard start then stop in the group room.
	var stops int
	for _, f := range bob.sentEvents(t) {
		var ev types.ChatTypingEvent
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		if !ev.IsTyping {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}
