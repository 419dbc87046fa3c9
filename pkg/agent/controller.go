package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/transport"
)

// Reconnect backoff bounds. The delay doubles on every failed attempt and
// resets after a successful handshake.
const (
	reconnectInitialDelay = 5 * time.Second
	reconnectMaxDelay     = 300 * time.Second

	handshakeTimeout = 10 * time.Second
)

// ErrAuthRejected means the server refused the handshake credentials.
// Retrying cannot help; the process should exit non-zero.
var ErrAuthRejected = errors.New("agent: server rejected credentials")

// backoff produces the reconnect delay sequence 5s, 10s, 20s, ... capped
// at 300s.
type backoff struct {
	cur time.Duration
}

func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = reconnectInitialDelay
	} else {
		b.cur *= 2
		if b.cur > reconnectMaxDelay {
			b.cur = reconnectMaxDelay
		}
	}
	return b.cur
}

func (b *backoff) Reset() { b.cur = 0 }

// Controller owns the agent's connection lifecycle: dial, handshake, run
// the session tasks, and reconnect with backoff when the session dies.
type Controller struct {
	log       *slog.Logger
	cfg       *config.AgentFileConfig
	version   string
	collector *Collector

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string, opts transport.DialOptions) (transport.AgentStream, error)
}

// NewController creates a controller for the given agent config file.
func NewController(log *slog.Logger, cfg *config.AgentFileConfig, version string) *Controller {
	return &Controller{
		log:       log.With("component", "controller"),
		cfg:       cfg,
		version:   version,
		collector: NewCollector(),
		dial:      transport.Dial,
	}
}

// Run connects and reconnects until the context is cancelled or the server
// rejects the agent's credentials.
func (c *Controller) Run(ctx context.Context) error {
	var b backoff
	for {
		established, err := c.runSession(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b.Reset()
		}
		delay := b.Next()
		c.log.Warn("session ended, reconnecting", "error", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runSession runs one dial-to-teardown cycle. The established flag reports
// whether the handshake completed, which resets the reconnect backoff.
func (c *Controller) runSession(ctx context.Context) (established bool, err error) {
	// 1. Dial the server; the URL scheme picks the transport.
	stream, err := c.dial(ctx, c.cfg.ServerAddress, transport.DialOptions{
		TLSSkipVerify: c.cfg.TLSSkipVerify,
	})
	if err != nil {
		return false, fmt.Errorf("dialing server: %w", err)
	}
	defer stream.Close()

	sess := newSession(stream)

	// 2. Handshake: credentials plus host metadata.
	hs := c.collector.HostInfo(ctx, c.version)
	hs.HostID = c.cfg.VPSID
	hs.AgentSecret = c.cfg.AgentSecret
	if err := sess.send(ctx, &hs); err != nil {
		return false, fmt.Errorf("sending handshake: %w", err)
	}

	// 3. The first agent-bound message must be the handshake ack.
	ackCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	env, err := stream.Recv(ackCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("waiting for handshake ack: %w", err)
	}
	ack, ok := env.Payload.(*protocol.ServerHandshakeAck)
	if !ok {
		return false, fmt.Errorf("expected handshake ack, got %s", env.Kind)
	}
	if !ack.AuthenticationSuccessful {
		return false, fmt.Errorf("%w: %s", ErrAuthRejected, ack.ErrorMessage)
	}

	initial := config.DefaultAgentConfig()
	if ack.InitialConfig != nil {
		initial = *ack.InitialConfig
	}
	initial.Normalize()
	sess.setConfig(initial)
	c.log.Info("session established",
		"transport", stream.Kind(),
		"metrics_interval", initial.MetricsIntervalSeconds,
		"heartbeat_interval", initial.HeartbeatIntervalSeconds)

	// 4. Session tasks: the first one to fail cancels the rest.
	runner := NewCommandRunner(c.log, sess.send)
	monitors := NewMonitorManager(c.log, c.cfg.VPSID, sess.send)
	defer monitors.StopAll()
	monitors.Reconcile(ctx, initial.ServiceMonitorTasks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, sess, runner, monitors) })
	g.Go(func() error { return c.metricsLoop(gctx, sess) })
	g.Go(func() error { return c.heartbeatLoop(gctx, sess) })
	return true, g.Wait()
}

// metricsLoop samples and sends on the configured interval. A config push
// that changes the interval takes effect on the next tick.
func (c *Controller) metricsLoop(ctx context.Context, sess *session) error {
	interval := sess.config().MetricsIntervalSeconds
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := c.collector.Collect(ctx)
			err := sess.send(ctx, &protocol.PerformanceSnapshotBatch{
				Snapshots: []protocol.PerformanceSnapshot{snap},
			})
			if err != nil {
				return fmt.Errorf("sending metrics: %w", err)
			}
			if cur := sess.config().MetricsIntervalSeconds; cur != interval {
				interval = cur
				ticker.Reset(time.Duration(interval) * time.Second)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeatLoop keeps otherwise-quiet sessions visibly alive.
func (c *Controller) heartbeatLoop(ctx context.Context, sess *session) error {
	interval := sess.config().HeartbeatIntervalSeconds
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := sess.send(ctx, &protocol.Heartbeat{TimestampMs: time.Now().UnixMilli()})
			if err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
			if cur := sess.config().HeartbeatIntervalSeconds; cur != interval {
				interval = cur
				ticker.Reset(time.Duration(interval) * time.Second)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session is the shared state of one live connection: the stream, the
// outbound message-id counter, and the current effective config.
type session struct {
	stream transport.AgentStream

	sendMu sync.Mutex
	nextID uint64

	cfgMu sync.RWMutex
	cfg   config.AgentConfig
}

func newSession(stream transport.AgentStream) *session {
	return &session{stream: stream}
}

// send serializes one payload onto the stream with the next monotonic id.
func (s *session) send(ctx context.Context, payload any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.nextID++
	env, err := protocol.NewEnvelope(s.nextID, payload)
	if err != nil {
		return err
	}
	return s.stream.Send(ctx, env)
}

func (s *session) config() config.AgentConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *session) setConfig(cfg config.AgentConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}
