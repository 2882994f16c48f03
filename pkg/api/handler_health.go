package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gemini-legion/legion/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. Only the service's own components are
// checked; the LLM provider is deliberately excluded so an upstream outage
// does not get the process restarted.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if err := s.store.Ping(ctx); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = gin.H{"status": healthStatusUnhealthy, "message": err.Error()}
	} else {
		checks["store"] = gin.H{"status": healthStatusHealthy}
	}

	checks["bus"] = gin.H{
		"status":       healthStatusHealthy,
		"published":    s.bus.Published(),
		"queue_depths": s.bus.QueueDepths(),
	}
	checks["runtime"] = gin.H{
		"status":       healthStatusHealthy,
		"active_turns": s.runtime.Active(),
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "version": version.Revision(), "checks": checks})
}
