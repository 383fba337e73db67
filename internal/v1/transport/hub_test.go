package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/slopeline/slopeline/internal/v1/auth"
	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/ratelimit"
	"github.com/slopeline/slopeline/internal/v1/registry"
	"github.com/slopeline/slopeline/internal/v1/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

// --- Fakes ---

type fakeWrite struct {
	messageType int
	data        []byte
}

// fakeSocket is a scripted wsConnection. Inbound frames arrive on in;
// closing the socket ends the read pump.
type fakeSocket struct {
	in        chan []byte
	closeOnce sync.Once

	mu     sync.Mutex
	writes []fakeWrite
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16)}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{messageType, append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.in) })
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)               {}
func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) textFrames(t *testing.T) []types.Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var frames []types.Frame
	for _, w := range f.writes {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var fr types.Frame
		require.NoError(t, json.Unmarshal(w.data, &fr))
		frames = append(frames, fr)
	}
	return frames
}

func (f *fakeSocket) closeFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w.messageType == websocket.CloseMessage {
			n++
		}
	}
	return n
}

type fakeLocation struct {
	mu     sync.Mutex
	starts int
	ends   int
	pings  []types.PingRequest
	subs   []types.SubscribeRequest
}

func (fl *fakeLocation) HandleSessionStart(_ context.Context, _ types.ClientConn, _ types.SessionStartRequest) types.SessionStartAck {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.starts++
	return types.SessionStartAck{Success: true, SessionID: "sess-1", StartTime: 1700000000000}
}

func (fl *fakeLocation) HandleSessionEnd(_ context.Context, _ types.ClientConn, _ types.SessionEndRequest) types.SessionEndAck {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.ends++
	return types.SessionEndAck{Success: true}
}

func (fl *fakeLocation) HandlePing(_ context.Context, _ types.ClientConn, req types.PingRequest) types.PingAck {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.pings = append(fl.pings, req)
	return types.PingAck{Success: true}
}

func (fl *fakeLocation) HandleSubscribe(_ context.Context, _ types.ClientConn, req types.SubscribeRequest) types.BasicAck {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.subs = append(fl.subs, req)
	return types.BasicAck{Success: true}
}

func (fl *fakeLocation) pingCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.pings)
}

type fakeChat struct {
	mu           sync.Mutex
	joins        []types.ChatJoinRequest
	leaves       int
	sends        []types.ChatSendRequest
	typings      []types.ChatTypingRequest
	reads        int
	histories    int
	disconnected []types.ConnIDType
}

func (fc *fakeChat) HandleJoin(_ context.Context, _ types.ClientConn, req types.ChatJoinRequest) types.ChatJoinAck {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.joins = append(fc.joins, req)
	return types.ChatJoinAck{Success: true, RoomID: "group:g1"}
}

func (fc *fakeChat) HandleLeave(_ context.Context, _ types.ClientConn, _ types.ChatLeaveRequest) types.BasicAck {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.leaves++
	return types.BasicAck{Success: true}
}

func (fc *fakeChat) HandleSend(_ context.Context, _ types.ClientConn, req types.ChatSendRequest) types.ChatSendAck {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.sends = append(fc.sends, req)
	return types.ChatSendAck{Success: true, MessageID: "m1", SentAt: 1700000000000}
}

func (fc *fakeChat) HandleTyping(_ context.Context, _ types.ClientConn, req types.ChatTypingRequest) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.typings = append(fc.typings, req)
}

func (fc *fakeChat) HandleRead(_ context.Context, _ types.ClientConn, _ types.ChatReadRequest) types.BasicAck {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.reads++
	return types.BasicAck{Success: true}
}

func (fc *fakeChat) HandleHistory(_ context.Context, _ types.ClientConn, _ types.ChatHistoryRequest) types.ChatHistoryAck {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.histories++
	return types.ChatHistoryAck{Success: true}
}

func (fc *fakeChat) Disconnected(_ context.Context, conn types.ClientConn) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.disconnected = append(fc.disconnected, conn.ID())
}

func (fc *fakeChat) disconnectCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.disconnected)
}

// --- Fixture ---

type hubFixture struct {
	hub      *Hub
	location *fakeLocation
	chat     *fakeChat
	registry *registry.Registry
	hot      *hotstore.Service
	mr       *miniredis.Miniredis
}

func newHubFixture(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	hot := hotstore.NewFromClient(client, time.Second)
	reg := registry.New(hot, registry.Hooks{})

	lim, err := ratelimit.New(false, "", "", nil)
	require.NoError(t, err)

	loc := &fakeLocation{}
	ch := &fakeChat{}
	h := NewHub(&auth.MockValidator{}, reg, lim, loc, ch, opts)
	return &hubFixture{hub: h, location: loc, chat: ch, registry: reg, hot: hot, mr: mr}
}

func testClaims(subject, name string) *authClaims {
	return &authClaims{
		Name:             name,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
}

// addClient builds a registered client without starting its pumps; router
// tests feed it frames directly and read acks off the priority channel.
func (fx *hubFixture) addClient(t *testing.T, subject string) *Client {
	t.Helper()
	c := fx.hub.newClient(newFakeSocket(), testClaims(subject, ""))
	fx.registry.Add(c.ctx, c)
	return c
}

func mustFrame(t *testing.T, event string, ackID int64, payload any) []byte {
	t.Helper()
	frame, err := types.NewFrame(event, payload)
	require.NoError(t, err)
	frame.AckID = ackID
	raw, err := frame.Encode()
	require.NoError(t, err)
	return raw
}

func nextAck(t *testing.T, c *Client) types.Frame {
	t.Helper()
	select {
	case data := <-c.prioritySend:
		var f types.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		require.Equal(t, types.EventAck, f.Event)
		return f
	default:
		t.Fatal("no ack queued")
		return types.Frame{}
	}
}

func requireNoAck(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.prioritySend:
		t.Fatalf("unexpected ack: %s", data)
	default:
	}
}

// --- Connection lifecycle ---

func TestHandleConnection_FullLifecycle(t *testing.T) {
	fx := newHubFixture(t, Options{})
	sock := newFakeSocket()

	fx.hub.HandleConnection(sock, testClaims("alice", "Alice"))
	require.Equal(t, 1, fx.registry.ConnCount())

	// One frame through both pumps: read, route, ack on the socket.
	sock.in <- mustFrame(t, types.EventChatJoin, 7, types.ChatJoinRequest{})

	require.Eventually(t, func() bool {
		for _, f := range sock.textFrames(t) {
			if f.Event == types.EventAck && f.AckID == 7 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Socket death runs the disconnect accounting exactly once.
	_ = sock.Close()
	require.Eventually(t, func() bool {
		return fx.registry.ConnCount() == 0 && fx.chat.disconnectCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return sock.closeFrames() == 1
	}, 2*time.Second, 10*time.Millisecond, "write pump says goodbye with a close frame")
}

func TestShutdown_DisconnectsEveryConnection(t *testing.T) {
	fx := newHubFixture(t, Options{})
	sockA := newFakeSocket()
	sockB := newFakeSocket()
	fx.hub.HandleConnection(sockA, testClaims("alice", ""))
	fx.hub.HandleConnection(sockB, testClaims("bob", ""))
	require.Equal(t, 2, fx.registry.ConnCount())

	require.NoError(t, fx.hub.Shutdown(context.Background()))

	require.Eventually(t, func() bool {
		return fx.registry.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// --- Backplane delivery ---

func TestDeliver_RoomChannel(t *testing.T) {
	fx := newHubFixture(t, Options{})
	alice := fx.addClient(t, "alice")
	bob := fx.addClient(t, "bob")
	fx.registry.JoinRoom(alice, "group:g1")
	fx.registry.JoinRoom(bob, "group:g1")

	frame, err := types.NewFrame(types.EventChatMessage, types.ChatMessage{ID: "m1", Content: "hi"})
	require.NoError(t, err)
	fx.hub.Deliver("room:group:g1", frame)

	assert.Len(t, alice.send, 1)
	assert.Len(t, bob.send, 1)
}

func TestDeliver_UserChannel(t *testing.T) {
	fx := newHubFixture(t, Options{})
	alice := fx.addClient(t, "alice")
	bob := fx.addClient(t, "bob")

	frame, err := types.NewFrame(types.EventLocationUpdate, types.LocationUpdateEvent{UserID: "carol"})
	require.NoError(t, err)
	fx.hub.Deliver("user:alice", frame)

	assert.Len(t, alice.send, 1)
	assert.Empty(t, bob.send)
}

func TestDeliver_UnknownChannelIgnored(t *testing.T) {
	fx := newHubFixture(t, Options{})
	alice := fx.addClient(t, "alice")

	frame, err := types.NewFrame(types.EventChatMessage, types.ChatMessage{})
	require.NoError(t, err)
	fx.hub.Deliver("mystery:channel", frame)

	assert.Empty(t, alice.send)
}

// --- Handshake rejections ---

func rejectingValidator(err error) types.TokenValidator {
	return validatorFunc(func(string) (*auth.CustomClaims, error) { return nil, err })
}

type validatorFunc func(string) (*auth.CustomClaims, error)

func (f validatorFunc) ValidateToken(token string) (*auth.CustomClaims, error) { return f(token) }

func TestServeWs_MissingToken(t *testing.T) {
	fx := newHubFixture(t, Options{})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws", nil)

	fx.hub.ServeWs(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeWs_InvalidToken(t *testing.T) {
	fx := newHubFixture(t, Options{})
	fx.hub.validator = rejectingValidator(errors.New("expired"))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws?token=whatever", nil)

	fx.hub.ServeWs(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeWs_DisallowedOrigin(t *testing.T) {
	fx := newHubFixture(t, Options{AllowedOrigins: []string{"https://app.slopeline.test"}})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws?token=whatever", nil)
	c.Request.Header.Set("Origin", "https://evil.example")

	fx.hub.ServeWs(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
