// Package ratelimit guards the WebSocket handshake: a per-IP limit before
// any other work happens, and a per-user limit once the token is verified.
// The counters live in Redis so the limits hold across the fleet; a failing
// store fails open, availability over strictness.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
	"github.com/slopeline/slopeline/internal/v1/metrics"
	"github.com/slopeline/slopeline/internal/v1/types"
)

// Limiter holds the handshake rate limiters. The zero value (or a disabled
// Limiter) allows everything.
type Limiter struct {
	enabled bool
	ip      *limiter.Limiter
	user    *limiter.Limiter
}

// New builds the connect limiter. Rates use the ulule "count-period" format,
// e.g. "60-M" for sixty per minute. When redisClient is nil the counters are
// kept in process memory, which is only correct for a single node.
func New(enabled bool, ipRate, userRate string, redisClient *redis.Client) (*Limiter, error) {
	if !enabled {
		return &Limiter{}, nil
	}

	ipR, err := limiter.NewRateFromFormatted(ipRate)
	if err != nil {
		return nil, err
	}
	userR, err := limiter.NewRateFromFormatted(userRate)
	if err != nil {
		return nil, err
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:ws:",
		})
		if err != nil {
			return nil, err
		}
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store, limits are per-node only")
	}

	return &Limiter{
		enabled: true,
		ip:      limiter.New(store, ipR),
		user:    limiter.New(store, userR),
	}, nil
}

// AllowConnect enforces the per-IP handshake limit. On limit it writes the
// 429 response itself and returns false.
func (l *Limiter) AllowConnect(c *gin.Context) bool {
	if !l.enabled {
		return true
	}

	ctx := c.Request.Context()
	lctx, err := l.ip.Get(ctx, c.ClientIP())
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues("ip", "error").Inc()
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

	if lctx.Reached {
		metrics.RateLimitChecks.WithLabelValues("ip", "limited").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
		return false
	}

	metrics.RateLimitChecks.WithLabelValues("ip", "ok").Inc()
	return true
}

// AllowUser enforces the per-user handshake limit after authentication, so
// one account cannot burn the fleet's upgrade budget from many addresses.
func (l *Limiter) AllowUser(ctx context.Context, user types.UserIDType) bool {
	if !l.enabled {
		return true
	}

	lctx, err := l.user.Get(ctx, "user:"+string(user))
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues("user", "error").Inc()
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}
	if lctx.Reached {
		metrics.RateLimitChecks.WithLabelValues("user", "limited").Inc()
		return false
	}
	metrics.RateLimitChecks.WithLabelValues("user", "ok").Inc()
	return true
}
