package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the database is checked; connected-agent counts and queue depths
// are on /metrics.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: healthStatusHealthy, Database: healthStatusHealthy}
	httpStatus := http.StatusOK
	if err := s.store.Health(reqCtx); err != nil {
		resp.Status = healthStatusUnhealthy
		resp.Database = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, resp)
}
