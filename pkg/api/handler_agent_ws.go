package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nodenexus/nodenexus/pkg/transport"
)

// agentWSHandler handles GET /ws/agent. Upgrades to WebSocket and hands the
// framed stream to the session handler, which blocks for the life of the
// connection. There is no HTTP-level auth here: the agent proves itself with
// the secret in its handshake frame, same as on the gRPC transport.
func (s *Server) agentWSHandler(c *echo.Context) error {
	if s.agents == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent WebSocket not available")
	}

	stream, err := transport.AcceptWebSocket(c.Response(), c.Request())
	if err != nil {
		return err
	}

	if err := s.agents(stream); err != nil {
		s.log.Debug("agent session ended", "remote", c.Request().RemoteAddr, "error", err)
	}
	return nil
}
