package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-dev/catalyst/pkg/version"
)

// Dependency health statuses. A degraded dependency has a graceful fallback
// and keeps the overall status at degraded rather than unhealthy.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// healthCheckTimeout bounds the whole probe.
const healthCheckTimeout = 5 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) HealthCheck

// healthHandler handles GET /api/health: per-dependency status for the
// relational store, the broker, the container runtime, and LLM credential
// presence. The overall status is the worst of the checks; only unhealthy
// turns the HTTP status to 503.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	checks := make(map[string]HealthCheck, len(s.health))
	overall := StatusHealthy
	for name, check := range s.health {
		result := check(ctx)
		checks[name] = result
		overall = worstOf(overall, result.Status)
	}

	httpStatus := http.StatusOK
	if overall == StatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:  overall,
		Mode:    string(s.tasks.Mode()),
		Version: version.Full(),
		Checks:  checks,
	})
}

func worstOf(a, b string) string {
	rank := func(s string) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
