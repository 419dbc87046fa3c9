// Package session owns the server side of one agent connection: handshake
// and authentication, the inbound dispatch loop, the outbound pump, and
// teardown. The same handler serves both transports; it only ever sees the
// decoded envelope stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/metrics"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/registry"
	"github.com/nodenexus/nodenexus/pkg/store"
	"github.com/nodenexus/nodenexus/pkg/transport"
)

const (
	// handshakeTimeout bounds how long a fresh connection may sit silent
	// before its first message.
	handshakeTimeout = 10 * time.Second
	// sendTimeout bounds one outbound write. A stream that cannot accept a
	// frame within this window is torn down.
	sendTimeout = 30 * time.Second
)

// errProtocolViolation terminates a session on direction or ordering abuse.
var errProtocolViolation = errors.New("session: protocol violation")

// Store is the persistence surface the handler needs.
type Store interface {
	AuthenticateAgent(ctx context.Context, hs *protocol.AgentHandshake) (*store.VPS, error)
	SetVPSStatus(ctx context.Context, id int64, status string) error
	InsertMonitorResult(ctx context.Context, r *protocol.ServiceMonitorResult) error
	MonitorNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// MonitorUpdate is the monitor result broadcast to dashboard clients,
// carrying display names so the UI renders without extra lookups.
type MonitorUpdate struct {
	protocol.ServiceMonitorResult
	MonitorName string `json:"monitor_name"`
	AgentName   string `json:"agent_name"`
}

// ConfigService resolves effective configs and settles push acks.
type ConfigService interface {
	Resolve(ctx context.Context, hostID int64) (config.AgentConfig, error)
	HandleAck(ctx context.Context, hostID int64, resp *protocol.UpdateConfigResponse) error
	DropPending(hostID int64)
}

// BatchService receives batch command traffic from agents.
type BatchService interface {
	HandleOutput(ctx context.Context, hostID int64, chunk *protocol.BatchCommandOutputStream) error
	HandleResult(ctx context.Context, hostID int64, result *protocol.BatchCommandResult) error
	HandleSessionLost(ctx context.Context, hostID int64)
}

// LiveBus fans telemetry out to dashboard clients.
type LiveBus interface {
	PushMetrics(vpsID int64, snaps []protocol.PerformanceSnapshot)
	PushMonitorResult(result any)
}

// MetricSink queues samples for persistence.
type MetricSink interface {
	EnqueueBatch(samples []store.PerformanceSample)
}

// Deps bundles the handler's collaborators.
type Deps struct {
	Store    Store
	Registry *registry.Registry
	Config   ConfigService
	Batches  BatchService
	Live     LiveBus
	Writer   MetricSink
	Metrics  *metrics.Server
	// FleetChanged is invoked after any connect or disconnect so the live
	// server list can be rebuilt and broadcast. Optional.
	FleetChanged func(ctx context.Context)
}

// Handler serves agent sessions.
type Handler struct {
	log  *slog.Logger
	deps Deps
}

// NewHandler wires a session handler.
func NewHandler(log *slog.Logger, deps Deps) *Handler {
	return &Handler{log: log.With("component", "session"), deps: deps}
}

// Handle owns one transport stream from handshake to teardown. It is the
// transport.SessionFunc for both bindings and blocks until the session ends.
func (h *Handler) Handle(stream transport.AgentStream) error {
	defer stream.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. The first message must be a handshake, within the timeout.
	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	env, err := stream.Recv(hsCtx)
	hsCancel()
	if err != nil {
		return fmt.Errorf("session: reading handshake: %w", err)
	}
	hs, ok := env.Payload.(*protocol.AgentHandshake)
	if !ok {
		h.deps.Metrics.HandshakeFailures.Inc()
		h.reject(ctx, stream, "first message must be a handshake")
		return fmt.Errorf("%w: first message was %s", errProtocolViolation, env.Kind)
	}

	// 2. Authenticate against the stored per-host secret. The error detail
	// stays server-side; the agent only learns that authentication failed.
	vps, err := h.deps.Store.AuthenticateAgent(ctx, hs)
	if err != nil {
		h.deps.Metrics.HandshakeFailures.Inc()
		h.log.Warn("agent handshake rejected",
			"vps_id", hs.HostID, "transport", stream.Kind(), "error", err)
		h.reject(ctx, stream, "authentication failed")
		return fmt.Errorf("session: handshake for host %d: %w", hs.HostID, err)
	}

	// 3. Resolve the initial effective config for the ack.
	cfg, err := h.deps.Config.Resolve(ctx, vps.ID)
	if err != nil {
		h.log.Error("resolving initial config failed, using defaults",
			"vps_id", vps.ID, "error", err)
		cfg = config.DefaultAgentConfig()
	}

	// 4. Install the session, replacing any prior one for this host.
	sess := registry.NewSession(vps.ID, stream.Kind(), cfg)
	if replaced := h.deps.Registry.Register(sess); replaced != nil {
		h.log.Info("agent session replaced",
			"vps_id", vps.ID, "prior_transport", replaced.TransportKind)
	}
	h.deps.Metrics.ConnectedAgents.Set(float64(h.deps.Registry.Len()))
	h.log.Info("agent connected",
		"vps_id", vps.ID, "transport", stream.Kind(), "agent_version", hs.AgentVersion)
	h.fleetChanged(ctx)

	// 5. The ack goes through the sink so message ids stay monotonic across
	// it and everything after.
	initial := cfg
	err = sess.Sender.Enqueue(ctx, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfig:            &initial,
	})
	if err != nil {
		h.teardown(sess)
		return fmt.Errorf("session: queueing handshake ack: %w", err)
	}

	// 6. Outbound pump. It closes the stream on send failure or sink close,
	// which unblocks the read loop below.
	go h.pump(ctx, stream, sess)

	// 7. Inbound dispatch until the stream ends.
	readErr := h.readLoop(ctx, stream, sess, vps)

	h.teardown(sess)
	if readErr == nil || errors.Is(readErr, io.EOF) || errors.Is(readErr, context.Canceled) {
		return nil
	}
	return readErr
}

func (h *Handler) readLoop(ctx context.Context, stream transport.AgentStream, sess *registry.Session, vps *store.VPS) error {
	for {
		env, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		sess.Touch()
		if !env.Kind.ServerBound() {
			return fmt.Errorf("%w: agent sent %s", errProtocolViolation, env.Kind)
		}
		if err := h.dispatch(ctx, vps, env); err != nil {
			if errors.Is(err, errProtocolViolation) {
				return err
			}
			h.log.Warn("handling agent message failed",
				"vps_id", vps.ID, "kind", env.Kind.String(), "error", err)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, vps *store.VPS, env *protocol.Envelope) error {
	hostID := vps.ID
	switch p := env.Payload.(type) {
	case *protocol.AgentHandshake:
		return fmt.Errorf("%w: duplicate handshake", errProtocolViolation)

	case *protocol.Heartbeat:
		// Touch already happened; nothing else to do.
		return nil

	case *protocol.PerformanceSnapshotBatch:
		samples := make([]store.PerformanceSample, 0, len(p.Snapshots))
		for _, snap := range p.Snapshots {
			samples = append(samples, store.PerformanceSample{
				HostID:   hostID,
				Time:     time.UnixMilli(snap.TimestampMs).UTC(),
				Snapshot: snap,
			})
		}
		h.deps.Writer.EnqueueBatch(samples)
		h.deps.Live.PushMetrics(hostID, p.Snapshots)
		return nil

	case *protocol.DockerInfoBatch:
		// Container management is out of scope; the batch is accepted so
		// agents with docker reporting enabled don't error.
		h.log.Debug("docker info received",
			"vps_id", hostID, "containers", len(p.Containers))
		return nil

	case *protocol.GenericMetricsBatch:
		h.log.Debug("generic metrics received",
			"vps_id", hostID, "metrics", len(p.Metrics))
		return nil

	case *protocol.UpdateConfigResponse:
		return h.deps.Config.HandleAck(ctx, hostID, p)

	case *protocol.CommandResponse:
		h.log.Info("command response",
			"vps_id", hostID, "request_id", p.RequestID, "success", p.Success)
		return nil

	case *protocol.BatchCommandOutputStream:
		return h.deps.Batches.HandleOutput(ctx, hostID, p)

	case *protocol.BatchCommandResult:
		return h.deps.Batches.HandleResult(ctx, hostID, p)

	case *protocol.ServiceMonitorResult:
		// The session identity is authoritative for the reporting agent.
		p.AgentID = hostID
		h.deps.Metrics.MonitorResults.Inc()
		if err := h.deps.Store.InsertMonitorResult(ctx, p); err != nil {
			return err
		}
		update := MonitorUpdate{ServiceMonitorResult: *p, AgentName: vps.Name}
		names, err := h.deps.Store.MonitorNames(ctx, []int64{p.MonitorID})
		if err != nil {
			h.log.Warn("looking up monitor name failed",
				"monitor_id", p.MonitorID, "error", err)
		} else {
			update.MonitorName = names[p.MonitorID]
		}
		h.deps.Live.PushMonitorResult(update)
		return nil
	}
	return fmt.Errorf("session: unhandled payload %T", env.Payload)
}

// pump moves queued outbound envelopes onto the stream. A send failure or a
// closed sink closes the stream, which ends the read loop.
func (h *Handler) pump(ctx context.Context, stream transport.AgentStream, sess *registry.Session) {
	for {
		select {
		case env := <-sess.Sender.C():
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := stream.Send(sendCtx, env)
			cancel()
			if err != nil {
				h.log.Warn("outbound send failed",
					"vps_id", sess.HostID, "kind", env.Kind.String(), "error", err)
				_ = stream.Close()
				return
			}
		case <-sess.Sender.Done():
			_ = stream.Close()
			return
		case <-ctx.Done():
			return
		}
	}
}

// teardown releases the session. Removal is token-guarded: if a reconnect or
// the sweeper already owns the entry, whoever removed it did the cleanup.
func (h *Handler) teardown(sess *registry.Session) {
	if !h.deps.Registry.Drop(sess.HostID, sess.Token) {
		h.log.Debug("session already removed", "vps_id", sess.HostID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h.deps.Metrics.ConnectedAgents.Set(float64(h.deps.Registry.Len()))
	if err := h.deps.Store.SetVPSStatus(ctx, sess.HostID, store.VPSStatusOffline); err != nil {
		h.log.Warn("marking host offline failed", "vps_id", sess.HostID, "error", err)
	}
	h.deps.Config.DropPending(sess.HostID)
	h.deps.Batches.HandleSessionLost(ctx, sess.HostID)
	h.fleetChanged(ctx)
	h.log.Info("agent disconnected", "vps_id", sess.HostID)
}

// reject sends a failed handshake ack on a best-effort basis.
func (h *Handler) reject(ctx context.Context, stream transport.AgentStream, reason string) {
	env, err := protocol.NewEnvelope(0, &protocol.ServerHandshakeAck{
		AuthenticationSuccessful: false,
		ErrorMessage:             reason,
	})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_ = stream.Send(sendCtx, env)
}

func (h *Handler) fleetChanged(ctx context.Context) {
	if h.deps.FleetChanged != nil {
		h.deps.FleetChanged(ctx)
	}
}
