// Package bus is the cross-node backplane. Every frame published for a room
// or user goes out on a pub/sub channel; every node subscribed to that
// channel delivers the frame to its local connections. Publishes carry the
// origin node id so a node never re-delivers its own frames.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// Envelope wraps a frame crossing the backplane.
type Envelope struct {
	Origin string      `json:"origin"`
	Frame  types.Frame `json:"frame"`
}

// Handler receives frames published by other nodes. channel is the raw
// backplane channel name ("room:..." or "user:...").
type Handler func(channel string, frame types.Frame)

type subscription struct {
	refs   int
	pubsub *redis.PubSub
}

// Service owns this node's backplane subscriptions.
type Service struct {
	hot    *hotstore.Service
	origin string

	mu      sync.Mutex
	subs    map[string]*subscription
	handler Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the backplane service. origin identifies this node in
// published envelopes; pass "" to generate one.
func New(hot *hotstore.Service, origin string) *Service {
	if origin == "" {
		origin = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		hot:    hot,
		origin: origin,
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Origin returns this node's backplane identity.
func (s *Service) Origin() string {
	return s.origin
}

// SetHandler installs the inbound frame handler. Set it before the first
// subscription; frames arriving without a handler are dropped.
func (s *Service) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// PublishRoom sends a frame to every node holding connections in the room.
func (s *Service) PublishRoom(ctx context.Context, roomID types.RoomIDType, frame types.Frame) error {
	return s.publish(ctx, types.RoomChannel(roomID), frame)
}

// PublishUser sends a frame to every node holding the user's connections.
func (s *Service) PublishUser(ctx context.Context, userID types.UserIDType, frame types.Frame) error {
	return s.publish(ctx, types.UserChannel(userID), frame)
}

// publish drops the frame with a warning when the hot store breaker is open;
// realtime traffic is not worth queueing against a dead backplane.
func (s *Service) publish(ctx context.Context, channel string, frame types.Frame) error {
	data, err := json.Marshal(Envelope{Origin: s.origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.hot.Publish(ctx, channel, data); err != nil {
		if hotstore.ErrBreakerOpen(err) {
			metrics.BusDropped.Inc()
			logging.Warn(ctx, "backplane publish dropped, hot store unavailable",
				zap.String("channel", channel), zap.String("event", frame.Event))
			return nil
		}
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	metrics.BusMessages.WithLabelValues("out", channelKind(channel)).Inc()
	return nil
}

// SubscribeRoom adds a reference to the room's channel, opening it on the
// first local member.
func (s *Service) SubscribeRoom(roomID types.RoomIDType) {
	s.subscribe(types.RoomChannel(roomID))
}

// UnsubscribeRoom drops a reference, closing the channel with the last one.
func (s *Service) UnsubscribeRoom(roomID types.RoomIDType) {
	s.unsubscribe(types.RoomChannel(roomID))
}

// SubscribeUser opens the user's direct-delivery channel.
func (s *Service) SubscribeUser(userID types.UserIDType) {
	s.subscribe(types.UserChannel(userID))
}

// UnsubscribeUser drops a reference to the user's direct-delivery channel.
func (s *Service) UnsubscribeUser(userID types.UserIDType) {
	s.unsubscribe(types.UserChannel(userID))
}

func (s *Service) subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if sub, ok := s.subs[channel]; ok {
		sub.refs++
		return
	}

	pubsub := s.hot.Subscribe(s.ctx, channel)
	s.subs[channel] = &subscription{refs: 1, pubsub: pubsub}
	if strings.HasPrefix(channel, "room:") {
		metrics.SubscribedRooms.Inc()
	}

	s.wg.Add(1)
	go s.reader(channel, pubsub)
}

func (s *Service) unsubscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[channel]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs > 0 {
		return
	}
	delete(s.subs, channel)
	if strings.HasPrefix(channel, "room:") {
		metrics.SubscribedRooms.Dec()
	}
	// Closing the pubsub closes its delivery channel, which stops the reader.
	if err := sub.pubsub.Close(); err != nil {
		logging.Warn(s.ctx, "backplane unsubscribe failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (s *Service) reader(channel string, pubsub *redis.PubSub) {
	defer s.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(channel, msg.Payload)
		}
	}
}

func (s *Service) dispatch(channel, payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logging.Warn(s.ctx, "malformed backplane envelope", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.Origin == s.origin {
		return
	}
	metrics.BusMessages.WithLabelValues("in", channelKind(channel)).Inc()

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(channel, env.Frame)
	}
}

// Close tears down every subscription and waits for the readers to stop.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	for channel, sub := range s.subs {
		if strings.HasPrefix(channel, "room:") {
			metrics.SubscribedRooms.Dec()
		}
		_ = sub.pubsub.Close()
	}
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	s.wg.Wait()
}

func channelKind(channel string) string {
	switch {
	case strings.HasPrefix(channel, "room:"):
		return "room"
	case strings.HasPrefix(channel, "user:"):
		return "user"
	default:
		return "other"
	}
}
