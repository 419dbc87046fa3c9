// Package api is the HTTP surface of the server: the REST control plane,
// the dashboard WebSocket endpoint, prometheus /metrics, and health. The
// agent-facing wire protocol does not live here; agents connect through
// pkg/transport.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/server/live"
	"github.com/nodenexus/nodenexus/pkg/store"
	"github.com/nodenexus/nodenexus/pkg/transport"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Health(ctx context.Context) error
	GetVPS(ctx context.Context, id int64) (*store.VPS, error)
	ListVPS(ctx context.Context) ([]*store.VPS, error)
	LatestSamples(ctx context.Context) (map[int64]*protocol.PerformanceSnapshot, error)
	CreateVPS(ctx context.Context, userID int64, name, agentSecret string) (*store.VPS, error)
	SetConfigOverride(ctx context.Context, id int64, override *config.AgentConfig) error
	GetBatchCommand(ctx context.Context, id uuid.UUID) (*store.BatchCommand, error)
	GetChildCommand(ctx context.Context, id uuid.UUID) (*store.ChildCommand, error)
	ChildrenOfBatch(ctx context.Context, batchID uuid.UUID) ([]*store.ChildCommand, error)
}

// BatchService is the batch command orchestrator surface.
type BatchService interface {
	Create(ctx context.Context, userID int64, content, workingDir, alias string, vpsIDs []int64) (*store.BatchCommand, error)
	Terminate(ctx context.Context, batchID uuid.UUID) error
	TerminateChild(ctx context.Context, childID uuid.UUID) error
}

// ConfigService pushes effective agent configs.
type ConfigService interface {
	Push(ctx context.Context, hostID int64) error
}

// Fleet rebuilds and broadcasts the live server list after a mutation.
type Fleet interface {
	Refresh(ctx context.Context)
}

// Options carries the server's collaborators.
type Options struct {
	Log     *slog.Logger
	Store   Store
	Batches BatchService
	Config  ConfigService
	Hub     *live.Hub
	Metrics *metrics.Server
	Tokens  TokenVerifier
	Fleet   Fleet

	// AgentSessions, when set, serves the agent WebSocket transport on
	// /ws/agent. Agents authenticate inside the session handshake, not at
	// the HTTP layer.
	AgentSessions transport.SessionFunc
}

// Server is the HTTP API server.
type Server struct {
	log     *slog.Logger
	store   Store
	batches BatchService
	conf    ConfigService
	hub     *live.Hub
	metrics *metrics.Server
	tokens  TokenVerifier
	fleet   Fleet
	agents  transport.SessionFunc

	echo *echo.Echo
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		log:     opts.Log.With("component", "api"),
		store:   opts.Store,
		batches: opts.Batches,
		conf:    opts.Config,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		tokens:  opts.Tokens,
		fleet:   opts.Fleet,
		agents:  opts.AgentSessions,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
	e.GET("/ws/metrics", s.wsHandler)
	e.GET("/ws/agent", s.agentWSHandler)
	e.GET("/api/public/servers", s.publicServersHandler)

	api := e.Group("/api", s.requireAuth)
	api.POST("/batch_commands", s.createBatchHandler)
	api.GET("/batch_commands/:id", s.getBatchHandler)
	api.POST("/batch_commands/:id/terminate", s.terminateBatchHandler)
	api.POST("/batch_commands/:bid/tasks/:cid/terminate", s.terminateChildHandler)
	api.GET("/vps", s.listVPSHandler)
	api.GET("/vps/:id", s.getVPSHandler)
	api.POST("/vps", s.createVPSHandler)
	api.PUT("/vps/:id/config-override", s.setConfigOverrideHandler)
	api.POST("/vps/:id/retry-config", s.retryConfigHandler)

	s.echo = e
	return s
}

// Router returns the underlying handler for mounting on an http.Server.
func (s *Server) Router() http.Handler {
	return s.echo
}
