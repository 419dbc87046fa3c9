package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nodenexus/nodenexus/pkg/server/batch"
	"github.com/nodenexus/nodenexus/pkg/server/confsvc"
	"github.com/nodenexus/nodenexus/pkg/store"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, batch.ErrNoTargets) {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one target host is required")
	}
	if errors.Is(err, confsvc.ErrAgentOffline) {
		return echo.NewHTTPError(http.StatusConflict, "agent not connected")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
