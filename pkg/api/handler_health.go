package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modelgrid/inferd/pkg/version"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

const readinessTimeout = 5 * time.Second

// livenessHandler handles GET /healthz. It only proves the process serves
// requests; dependency state belongs to readiness.
func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  statusHealthy,
		Version: version.GitCommit,
	})
}

// readinessHandler handles GET /readyz: the database (when configured) must
// answer and at least one provider must be registered before the gateway
// accepts traffic.
func (s *Server) readinessHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	status := statusHealthy
	checks := make(map[string]HealthCheck)

	if s.db != nil {
		dbHealth, err := s.db.Health(ctx)
		if err != nil {
			status = statusUnhealthy
			checks["database"] = HealthCheck{Status: statusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: statusHealthy, Database: dbHealth}
		}
	}

	if s.registry != nil {
		if n := len(s.registry.All()); n == 0 {
			status = statusUnhealthy
			checks["providers"] = HealthCheck{Status: statusUnhealthy, Message: "no providers registered"}
		} else {
			checks["providers"] = HealthCheck{Status: statusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
