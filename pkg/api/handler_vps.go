package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/nodenexus/nodenexus/pkg/server/confsvc"
	"github.com/nodenexus/nodenexus/pkg/server/live"
	"github.com/nodenexus/nodenexus/pkg/store"
)

func pathVPSID(c *echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid vps id")
	}
	return id, nil
}

// listVPSHandler handles GET /api/vps. Returns the same view the dashboard
// WebSocket pushes, with each host's latest sample attached.
func (s *Server) listVPSHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	hosts, err := s.store.ListVPS(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	latest, err := s.store.LatestSamples(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, live.BuildServerList(hosts, latest))
}

// getVPSHandler handles GET /api/vps/:id.
func (s *Server) getVPSHandler(c *echo.Context) error {
	id, err := pathVPSID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	host, err := s.store.GetVPS(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	latest, err := s.store.LatestSamples(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	list := live.BuildServerList([]*store.VPS{host}, latest)
	return c.JSON(http.StatusOK, list.Servers[0])
}

// createVPSHandler handles POST /api/vps. Generates the host's agent secret
// (random 128-bit token) and returns it exactly once.
func (s *Server) createVPSHandler(c *echo.Context) error {
	var req CreateVPSRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return mapServiceError(err)
	}
	secret := hex.EncodeToString(buf[:])

	host, err := s.store.CreateVPS(c.Request().Context(), currentUser(c), req.Name, secret)
	if err != nil {
		return mapServiceError(err)
	}

	s.refreshFleet(c)
	return c.JSON(http.StatusCreated, &CreateVPSResponse{
		ID:          host.ID,
		Name:        host.Name,
		AgentSecret: secret,
	})
}

// setConfigOverrideHandler handles PUT /api/vps/:id/config-override.
// The override is saved unconditionally; the push to the agent is
// best-effort and its outcome is reported in the response (and recorded as
// the host's config status either way).
func (s *Server) setConfigOverrideHandler(c *echo.Context) error {
	id, err := pathVPSID(c)
	if err != nil {
		return err
	}
	var req ConfigOverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := s.store.SetConfigOverride(ctx, id, req.Override); err != nil {
		return mapServiceError(err)
	}

	resp := ConfigPushResponse{VPSID: id, Pushed: true}
	if err := s.conf.Push(ctx, id); err != nil {
		resp.Pushed = false
		resp.PushError = pushErrorMessage(err)
	}

	s.refreshFleet(c)
	return c.JSON(http.StatusOK, resp)
}

// retryConfigHandler handles POST /api/vps/:id/retry-config. Unlike the
// override handler there is nothing to save, so an unreachable agent is a
// request failure.
func (s *Server) retryConfigHandler(c *echo.Context) error {
	id, err := pathVPSID(c)
	if err != nil {
		return err
	}
	if err := s.conf.Push(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	s.refreshFleet(c)
	return c.JSON(http.StatusOK, ConfigPushResponse{VPSID: id, Pushed: true})
}

// publicServersHandler handles GET /api/public/servers: the desensitized
// fleet view for unauthenticated status pages.
func (s *Server) publicServersHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	hosts, err := s.store.ListVPS(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	latest, err := s.store.LatestSamples(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, live.Desensitize(live.BuildServerList(hosts, latest)))
}

func (s *Server) refreshFleet(c *echo.Context) {
	if s.fleet != nil {
		s.fleet.Refresh(c.Request().Context())
	}
}

func pushErrorMessage(err error) string {
	if errors.Is(err, confsvc.ErrAgentOffline) {
		return "agent not connected"
	}
	return err.Error()
}
