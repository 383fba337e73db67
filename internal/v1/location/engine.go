// Package location ingests GPS pings, keeps the live geo index fresh, fans
// updates out to nearby friends, and runs the ski session lifecycle. The hot
// path is the contract: a ping is acknowledged once presence is written, and
// persistence, fan-out and proximity ride behind it as best effort.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/slopeline/slopeline/internal/v1/geo"
	"github.com/slopeline/slopeline/internal/v1/hotstore"
	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/store"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// proximityAlertMeters is the strict threshold under which a friend triggers
// an alert to the pinger.
const proximityAlertMeters = 100.0

// Store is the warm-path surface the engine needs.
type Store interface {
	StartSession(ctx context.Context, userID types.UserIDType, resortID *string) (*store.StartedSession, error)
	EndSession(ctx context.Context, sessionID types.SessionIDType, userID types.UserIDType) (*store.SessionTotals, error)
	FriendIDs(ctx context.Context, userID types.UserIDType) ([]types.UserIDType, error)
	DisplayName(ctx context.Context, userID types.UserIDType) (string, error)
}

// Enqueuer schedules durable persistence of accepted pings.
type Enqueuer interface {
	EnqueuePing(ctx context.Context, job types.PingJob) error
}

// Publisher reaches users hosted on other nodes.
type Publisher interface {
	PublishUser(ctx context.Context, userID types.UserIDType, frame types.Frame) error
}

// Roster resolves a user's connections on this node.
type Roster interface {
	UserConns(user types.UserIDType) []types.ClientConn
}

// Options tune the engine; zero values fall back to defaults.
type Options struct {
	PresenceTTL  time.Duration
	RadiusMeters float64
}

// Engine is the live location engine. Safe for concurrent use.
type Engine struct {
	hot    *hotstore.Service
	store  Store
	queue  Enqueuer
	bus    Publisher
	roster Roster

	presenceTTL  time.Duration
	radiusMeters float64

	mu      sync.Mutex
	watches map[types.UserIDType]set.Set[types.UserIDType]
}

func New(hot *hotstore.Service, st Store, q Enqueuer, pub Publisher, roster Roster, opts Options) *Engine {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 300 * time.Second
	}
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = 500
	}
	return &Engine{
		hot:          hot,
		store:        st,
		queue:        q,
		bus:          pub,
		roster:       roster,
		presenceTTL:  opts.PresenceTTL,
		radiusMeters: opts.RadiusMeters,
		watches:      make(map[types.UserIDType]set.Set[types.UserIDType]),
	}
}

// HandleSessionStart opens a session, auto-closing any the user left active.
func (e *Engine) HandleSessionStart(ctx context.Context, conn types.ClientConn, req types.SessionStartRequest) types.SessionStartAck {
	started, err := e.store.StartSession(ctx, conn.UserID(), req.ResortID)
	if err != nil {
		logging.Error(ctx, "session start failed", zap.Error(err))
		return types.SessionStartAck{}
	}
	metrics.Sessions.WithLabelValues("started").Inc()
	logging.Info(ctx, "session started", zap.String("sessionId", string(started.ID)))
	return types.SessionStartAck{
		Success:   true,
		SessionID: started.ID,
		StartTime: started.StartTime.UnixMilli(),
	}
}

// HandleSessionEnd closes the session and returns its summary. Presence is
// cleared on success and deliberately left alone on failure so the client
// can retry.
func (e *Engine) HandleSessionEnd(ctx context.Context, conn types.ClientConn, req types.SessionEndRequest) types.SessionEndAck {
	if req.SessionID == "" {
		return types.SessionEndAck{}
	}
	totals, err := e.store.EndSession(ctx, req.SessionID, conn.UserID())
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			logging.Debug(ctx, "session end refused", zap.String("sessionId", string(req.SessionID)))
		} else {
			logging.Error(ctx, "session end failed", zap.Error(err))
		}
		return types.SessionEndAck{}
	}

	e.ClearPresence(ctx, conn.UserID())
	metrics.Sessions.WithLabelValues("ended").Inc()
	logging.Info(ctx, "session ended", zap.String("sessionId", string(req.SessionID)))
	return types.SessionEndAck{
		Success: true,
		Summary: &types.SessionSummary{
			TotalVertical:   totals.VerticalM,
			TotalDistance:   totals.DistanceM,
			MaxSpeed:        totals.MaxSpeedMPS,
			DurationSeconds: totals.EndTime.Sub(totals.StartTime).Milliseconds() / 1000,
		},
	}
}

// HandlePing runs the accepted-ping pipeline: validate, write presence,
// enqueue persistence, fan out. Throttling happens upstream in the gateway.
func (e *Engine) HandlePing(ctx context.Context, conn types.ClientConn, req types.PingRequest) types.PingAck {
	if err := validatePing(&req); err != nil {
		metrics.Pings.WithLabelValues("invalid").Inc()
		logging.Debug(ctx, "rejected ping", zap.Error(err))
		return types.PingAck{}
	}
	if req.Timestamp <= 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	user := conn.UserID()
	if err := e.writePresence(ctx, user, &req); err != nil {
		metrics.Pings.WithLabelValues("hot_error").Inc()
		logging.Error(ctx, "presence write failed", zap.Error(err))
		return types.PingAck{}
	}
	metrics.PresenceWrites.Inc()

	job := types.PingJob{
		SessionID: req.SessionID,
		UserID:    user,
		Lat:       req.Lat,
		Lon:       req.Lon,
		Altitude:  req.Altitude,
		Speed:     req.Speed,
		Accuracy:  req.Accuracy,
		Heading:   req.Heading,
		Timestamp: req.Timestamp,
	}
	if err := e.queue.EnqueuePing(ctx, job); err != nil {
		logging.Error(ctx, "ping persistence enqueue failed", zap.Error(err))
	}

	e.fanOut(ctx, conn, &req)

	metrics.Pings.WithLabelValues("accepted").Inc()
	return types.PingAck{Success: true}
}

// HandleSubscribe replaces the caller's declared friend interest. The set
// scopes future notification features; fan-out stays friendship-driven.
func (e *Engine) HandleSubscribe(ctx context.Context, conn types.ClientConn, req types.SubscribeRequest) types.BasicAck {
	user := conn.UserID()
	watch := set.New[types.UserIDType]()
	for _, id := range req.FriendIDs {
		if id != "" && id != user {
			watch.Insert(id)
		}
	}

	e.mu.Lock()
	e.watches[user] = watch
	e.mu.Unlock()

	logging.Debug(ctx, "location interest updated", zap.Int("friends", watch.Len()))
	return types.BasicAck{Success: true}
}

// WatchedFriends returns the user's declared interest set.
func (e *Engine) WatchedFriends(user types.UserIDType) []types.UserIDType {
	e.mu.Lock()
	defer e.mu.Unlock()
	watch, ok := e.watches[user]
	if !ok {
		return nil
	}
	return watch.UnsortedList()
}

// ForgetWatches drops the user's declared interest; called when their last
// local connection leaves.
func (e *Engine) ForgetWatches(user types.UserIDType) {
	e.mu.Lock()
	delete(e.watches, user)
	e.mu.Unlock()
}

// ClearPresence removes the user from the geo index and deletes the latest
// ping hash. Failures are logged; the presence TTL is the backstop.
func (e *Engine) ClearPresence(ctx context.Context, user types.UserIDType) {
	if err := e.hot.GeoRemove(ctx, types.GeoUsersKey, string(user)); err != nil {
		logging.Warn(ctx, "geo index remove failed", zap.Error(err))
	}
	if err := e.hot.Del(ctx, types.LocationKey(user)); err != nil {
		logging.Warn(ctx, "location hash delete failed", zap.Error(err))
	}
}

func validatePing(req *types.PingRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("sessionId required: %w", types.ErrValidation)
	}
	if !geo.ValidLatLon(req.Lat, req.Lon) {
		return fmt.Errorf("coordinates out of range: %w", types.ErrValidation)
	}
	if req.Accuracy < 0 {
		return fmt.Errorf("negative accuracy: %w", types.ErrValidation)
	}
	if req.Speed < 0 {
		return fmt.Errorf("negative speed: %w", types.ErrValidation)
	}
	if req.Heading != nil && !geo.ValidHeading(*req.Heading) {
		return fmt.Errorf("heading out of range: %w", types.ErrValidation)
	}
	return nil
}

// writePresence refreshes both presence records. The geo index shares one
// key fleet-wide, so its TTL slides forward with every accepted ping from
// anyone.
func (e *Engine) writePresence(ctx context.Context, user types.UserIDType, req *types.PingRequest) error {
	if err := e.hot.GeoAdd(ctx, types.GeoUsersKey, req.Lon, req.Lat, string(user)); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"sessionId": string(req.SessionID),
		"userId":    string(user),
		"lat":       req.Lat,
		"lon":       req.Lon,
		"altitude":  req.Altitude,
		"speed":     req.Speed,
		"accuracy":  req.Accuracy,
		"timestamp": req.Timestamp,
	}
	if req.Heading != nil {
		fields["heading"] = *req.Heading
	}
	if err := e.hot.HSetAll(ctx, types.LocationKey(user), fields); err != nil {
		return err
	}

	if err := e.hot.Expire(ctx, types.GeoUsersKey, e.presenceTTL); err != nil {
		return err
	}
	return e.hot.Expire(ctx, types.LocationKey(user), e.presenceTTL)
}

type nearbyFriend struct {
	ID       types.UserIDType
	Name     string
	Distance float64
	Lat      float64
	Lon      float64
}

// nearbyFriends resolves the pinger's friends inside the radius, distance
// ascending. A friend whose presence TTL lapsed is simply absent.
func (e *Engine) nearbyFriends(ctx context.Context, user types.UserIDType, lon, lat float64) ([]nearbyFriend, error) {
	friends, err := e.store.FriendIDs(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load friendships: %w", err)
	}
	if len(friends) == 0 {
		return nil, nil
	}
	friendSet := set.New(friends...)

	entries, err := e.hot.GeoRadius(ctx, types.GeoUsersKey, lon, lat, e.radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("radius query: %w", err)
	}

	var result []nearbyFriend
	for _, entry := range entries {
		id := types.UserIDType(entry.Member)
		if id == user || !friendSet.Has(id) {
			continue
		}
		name, err := e.store.DisplayName(ctx, id)
		if err != nil {
			logging.Warn(ctx, "display name lookup failed", zap.String("friendId", string(id)), zap.Error(err))
			continue
		}
		if name == "" {
			continue
		}
		result = append(result, nearbyFriend{
			ID:       id,
			Name:     name,
			Distance: entry.Distance,
			Lat:      entry.Lat,
			Lon:      entry.Lon,
		})
	}
	return result, nil
}

// fanOut delivers a location update to every online nearby friend, and a
// proximity alert back to the pinger for friends under the threshold.
// Failures here never fail the ping.
func (e *Engine) fanOut(ctx context.Context, conn types.ClientConn, req *types.PingRequest) {
	user := conn.UserID()
	nearby, err := e.nearbyFriends(ctx, user, req.Lon, req.Lat)
	if err != nil {
		logging.Warn(ctx, "nearby friend lookup failed", zap.Error(err))
		return
	}

	for _, f := range nearby {
		handles, err := e.hot.SMembers(ctx, types.ConnectionsKey(f.ID))
		if err != nil {
			logging.Warn(ctx, "connection lookup failed", zap.String("friendId", string(f.ID)), zap.Error(err))
			continue
		}
		if len(handles) == 0 {
			continue
		}

		update := types.LocationUpdateEvent{
			UserID:    user,
			Name:      conn.DisplayName(),
			Lat:       req.Lat,
			Lon:       req.Lon,
			Altitude:  req.Altitude,
			Speed:     req.Speed,
			Distance:  f.Distance,
			Timestamp: req.Timestamp,
		}
		frame, err := types.NewFrame(types.EventLocationUpdate, update)
		if err != nil {
			logging.Error(ctx, "location update frame failed", zap.Error(err))
			continue
		}

		e.deliverLocal(f.ID, frame)
		if err := e.bus.PublishUser(ctx, f.ID, frame); err != nil {
			logging.Warn(ctx, "location update publish failed", zap.String("friendId", string(f.ID)), zap.Error(err))
		}
		metrics.FanoutUpdates.Inc()

		if f.Distance < proximityAlertMeters {
			e.alertProximity(ctx, conn, f)
		}
	}
}

func (e *Engine) alertProximity(ctx context.Context, conn types.ClientConn, f nearbyFriend) {
	frame, err := types.NewFrame(types.EventLocationProximity, types.ProximityEvent{
		FriendID:   f.ID,
		FriendName: f.Name,
		Distance:   f.Distance,
		Lat:        f.Lat,
		Lon:        f.Lon,
	})
	if err != nil {
		logging.Error(ctx, "proximity frame failed", zap.Error(err))
		return
	}
	data, err := frame.Encode()
	if err != nil {
		return
	}
	conn.Send(data)
	metrics.ProximityAlerts.Inc()
}

func (e *Engine) deliverLocal(user types.UserIDType, frame types.Frame) {
	data, err := frame.Encode()
	if err != nil {
		return
	}
	for _, c := range e.roster.UserConns(user) {
		c.Send(data)
	}
}
