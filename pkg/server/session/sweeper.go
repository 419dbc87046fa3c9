package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nodenexus/nodenexus/pkg/store"
)

// DefaultSweepInterval is how often stale sessions are looked for.
const DefaultSweepInterval = 30 * time.Second

// staleMultiplier: a session is stale when nothing arrived for this many
// heartbeat intervals. Heartbeats are per-session, so a host on a slow
// override gets a proportionally longer grace window.
const staleMultiplier = 3

// Sweeper evicts sessions whose agents went silent without closing the
// connection (half-open TCP, NAT timeout).
type Sweeper struct {
	log      *slog.Logger
	deps     Deps
	interval time.Duration

	// now is swappable for tests.
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a stopped sweeper sharing the handler's collaborators.
func NewSweeper(log *slog.Logger, deps Deps, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		log:      log.With("component", "session_sweeper"),
		deps:     deps,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sweep evicts every stale session once. Exported for tests and for a
// triggered sweep on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	for _, sess := range s.deps.Registry.Sessions() {
		hb := time.Duration(sess.Config().HeartbeatIntervalSeconds) * time.Second
		if hb <= 0 {
			hb = DefaultSweepInterval
		}
		if now.Sub(sess.LastSeen()) <= staleMultiplier*hb {
			continue
		}
		// Token-guarded: a session that reconnected in the meantime has a
		// new entry and must not be evicted.
		if !s.deps.Registry.Drop(sess.HostID, sess.Token) {
			continue
		}
		s.log.Info("evicting stale session",
			"vps_id", sess.HostID, "last_seen", sess.LastSeen(), "transport", sess.TransportKind)

		s.deps.Metrics.ConnectedAgents.Set(float64(s.deps.Registry.Len()))
		if err := s.deps.Store.SetVPSStatus(ctx, sess.HostID, store.VPSStatusOffline); err != nil {
			s.log.Warn("marking host offline failed", "vps_id", sess.HostID, "error", err)
		}
		s.deps.Config.DropPending(sess.HostID)
		s.deps.Batches.HandleSessionLost(ctx, sess.HostID)
		if s.deps.FleetChanged != nil {
			s.deps.FleetChanged(ctx)
		}
	}
}
