// Package hotstore wraps the shared in-memory datastore: geo sets, TTL keys,
// hashes, capped lists, sets and pub/sub. Every call runs through a circuit
// breaker and a bounded per-call timeout; callers decide what a failure means.
package hotstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
)

// GeoEntry is one member returned by a radius query, distance in meters.
type GeoEntry struct {
	Member   string
	Distance float64
	Lon      float64
	Lat      float64
}

// Service handles all interaction with the hot store.
type Service struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New creates a hot store connection and verifies it with a ping.
func New(addr, password string, timeout time.Duration) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to hot store: %w", err)
	}

	if timeout <= 0 {
		timeout = time.Second
	}

	st := gobreaker.Settings{
		Name:        "hotstore",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.Set(stateVal)
			logging.GetLogger().Warn("hot store circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	logging.GetLogger().Info("connected to hot store", zap.String("addr", addr))
	return &Service{
		client:  rdb,
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: timeout,
	}, nil
}

// NewFromClient wraps an existing client; used by tests.
func NewFromClient(client *redis.Client, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Service{
		client:  client,
		cb:      gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "hotstore"}),
		timeout: timeout,
	}
}

// Client returns the underlying Redis client, shared with the rate limiter
// and the job queue.
func (s *Service) Client() *redis.Client {
	return s.client
}

// Close shuts down the connection pool.
func (s *Service) Close() error {
	return s.client.Close()
}

// IsOpen reports whether the circuit breaker is currently rejecting calls.
func (s *Service) IsOpen() bool {
	return s.cb.State() == gobreaker.StateOpen
}

// ErrBreakerOpen reports whether err came from an open circuit breaker.
func ErrBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// do runs fn through the breaker with the per-call timeout applied.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := s.doValue(ctx, op, func(opCtx context.Context) (interface{}, error) {
		return nil, fn(opCtx)
	})
	return err
}

func (s *Service) doValue(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return fn(opCtx)
	})
	if err != nil {
		status := "error"
		if ErrBreakerOpen(err) {
			status = "open"
		}
		metrics.HotOperations.WithLabelValues(op, status).Inc()
		return nil, fmt.Errorf("hot %s: %w", op, err)
	}
	metrics.HotOperations.WithLabelValues(op, "ok").Inc()
	return res, nil
}

// Ping checks connectivity; used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// --- Keys ---

// Set stores a value without expiry.
func (s *Service) Set(ctx context.Context, key, value string) error {
	return s.do(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, 0).Err()
	})
}

// SetEx stores a value with a TTL.
func (s *Service) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, "setex", func(ctx context.Context) error {
		return s.client.SetEx(ctx, key, value, ttl).Err()
	})
}

// Get fetches a value; ok is false when the key does not exist.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.doValue(ctx, "get", func(ctx context.Context) (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		return "", false, err
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Del removes keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	return s.do(ctx, "del", func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// Expire refreshes a key's TTL.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(ctx, "expire", func(ctx context.Context) error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

// Keys lists keys matching a pattern. Callers must keep patterns bounded to
// a single room or user prefix.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	res, err := s.doValue(ctx, "keys", func(ctx context.Context) (interface{}, error) {
		return s.client.Keys(ctx, pattern).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Hashes ---

// HSetAll writes all fields of a hash.
func (s *Service) HSetAll(ctx context.Context, key string, fields map[string]interface{}) error {
	return s.do(ctx, "hset", func(ctx context.Context) error {
		return s.client.HSet(ctx, key, fields).Err()
	})
}

// HGetAll reads all fields of a hash; empty map when the key is absent.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := s.doValue(ctx, "hgetall", func(ctx context.Context) (interface{}, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// --- Geo ---

// GeoAdd upserts a member's position in a geo set.
func (s *Service) GeoAdd(ctx context.Context, key string, lon, lat float64, member string) error {
	return s.do(ctx, "geoadd", func(ctx context.Context) error {
		return s.client.GeoAdd(ctx, key, &redis.GeoLocation{
			Name:      member,
			Longitude: lon,
			Latitude:  lat,
		}).Err()
	})
}

// GeoPos returns a member's position; ok is false when the member is absent.
func (s *Service) GeoPos(ctx context.Context, key, member string) (lon, lat float64, ok bool, err error) {
	res, err := s.doValue(ctx, "geopos", func(ctx context.Context) (interface{}, error) {
		return s.client.GeoPos(ctx, key, member).Result()
	})
	if err != nil {
		return 0, 0, false, err
	}
	positions := res.([]*redis.GeoPos)
	if len(positions) == 0 || positions[0] == nil {
		return 0, 0, false, nil
	}
	return positions[0].Longitude, positions[0].Latitude, true, nil
}

// GeoRadius runs a radius query around (lon, lat), returning members with
// distance (meters) and coordinates, ordered by distance ascending with ties
// broken by member id.
func (s *Service) GeoRadius(ctx context.Context, key string, lon, lat, radiusMeters float64) ([]GeoEntry, error) {
	res, err := s.doValue(ctx, "georadius", func(ctx context.Context) (interface{}, error) {
		return s.client.GeoRadius(ctx, key, lon, lat, &redis.GeoRadiusQuery{
			Radius:    radiusMeters,
			Unit:      "m",
			WithCoord: true,
			WithDist:  true,
			Sort:      "ASC",
		}).Result()
	})
	if err != nil {
		return nil, err
	}

	locations := res.([]redis.GeoLocation)
	entries := make([]GeoEntry, 0, len(locations))
	for _, loc := range locations {
		entries = append(entries, GeoEntry{
			Member:   loc.Name,
			Distance: loc.Dist,
			Lon:      loc.Longitude,
			Lat:      loc.Latitude,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Distance != entries[j].Distance {
			return entries[i].Distance < entries[j].Distance
		}
		return entries[i].Member < entries[j].Member
	})
	return entries, nil
}

// GeoRemove deletes members from a geo set.
func (s *Service) GeoRemove(ctx context.Context, key string, members ...string) error {
	return s.do(ctx, "georem", func(ctx context.Context) error {
		vals := make([]interface{}, len(members))
		for i, m := range members {
			vals[i] = m
		}
		return s.client.ZRem(ctx, key, vals...).Err()
	})
}

// --- Capped lists ---

// PushCapped prepends a value to a list, trims it to limit entries, and
// refreshes the TTL, in one pipeline.
func (s *Service) PushCapped(ctx context.Context, key, value string, limit int64, ttl time.Duration) error {
	return s.do(ctx, "pushcapped", func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, limit-1)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// FillCapped replaces a list's contents. Values are pushed in order, so the
// last value ends up at the head.
func (s *Service) FillCapped(ctx context.Context, key string, values []string, limit int64, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	return s.do(ctx, "fillcapped", func(ctx context.Context) error {
		vals := make([]interface{}, len(values))
		for i, v := range values {
			vals[i] = v
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.LPush(ctx, key, vals...)
		pipe.LTrim(ctx, key, 0, limit-1)
		pipe.Expire(ctx, key, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListRange reads list entries from start to stop inclusive.
func (s *Service) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.doValue(ctx, "lrange", func(ctx context.Context) (interface{}, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// --- Sets ---

// SAdd adds a member to a set.
func (s *Service) SAdd(ctx context.Context, key, member string) error {
	return s.do(ctx, "sadd", func(ctx context.Context) error {
		return s.client.SAdd(ctx, key, member).Err()
	})
}

// SRem removes a member from a set.
func (s *Service) SRem(ctx context.Context, key, member string) error {
	return s.do(ctx, "srem", func(ctx context.Context) error {
		return s.client.SRem(ctx, key, member).Err()
	})
}

// SMembers returns all members of a set.
func (s *Service) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.doValue(ctx, "smembers", func(ctx context.Context) (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SCard returns a set's cardinality.
func (s *Service) SCard(ctx context.Context, key string) (int64, error) {
	res, err := s.doValue(ctx, "scard", func(ctx context.Context) (interface{}, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// --- Pub/Sub ---

// Publish sends a payload on a channel.
func (s *Service) Publish(ctx context.Context, channel string, data []byte) error {
	return s.do(ctx, "publish", func(ctx context.Context) error {
		return s.client.Publish(ctx, channel, data).Err()
	})
}

// Subscribe opens a subscription. Long-lived; not routed through the breaker
// or the per-call timeout. The caller owns the returned subscription.
func (s *Service) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}
