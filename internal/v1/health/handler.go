// Package health exposes the process health surface: a status endpoint with
// uptime and version, a trivial liveness probe, and a readiness probe that
// runs the registered dependency checks under a shared budget.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/logging"
)

// checkBudget bounds one readiness pass across all checks.
const checkBudget = 3 * time.Second

// CheckFunc probes one dependency; nil means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Handler serves the health endpoints.
type Handler struct {
	version string
	started time.Time
	checks  []check
}

// NewHandler builds a health handler stamped with the build version.
func NewHandler(version string) *Handler {
	return &Handler{
		version: version,
		started: time.Now(),
	}
}

// Register adds a named readiness check. Not safe to call once the handler
// is serving; register everything during wiring.
func (h *Handler) Register(name string, fn CheckFunc) {
	h.checks = append(h.checks, check{name: name, fn: fn})
}

// Status reports liveness plus uptime and version for humans and dashboards.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"version": h.version,
	})
}

// Liveness answers 200 while the process can serve requests at all.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness runs every registered check and answers 503 when any fails, so
// the load balancer drains this node before its dependencies take traffic
// down with them.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkBudget)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for _, chk := range h.checks {
		if err := chk.fn(ctx); err != nil {
			logging.Warn(ctx, "readiness check failed", zap.String("check", chk.name), zap.Error(err))
			results[chk.name] = "unhealthy"
			ready = false
			continue
		}
		results[chk.name] = "healthy"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}
