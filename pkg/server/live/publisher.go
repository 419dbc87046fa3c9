package live

import (
	"context"
	"log/slog"

	"github.com/nodenexus/nodenexus/pkg/protocol"
	"github.com/nodenexus/nodenexus/pkg/store"
)

// FleetStore is what the publisher reads to rebuild the server list.
type FleetStore interface {
	ListVPS(ctx context.Context) ([]*store.VPS, error)
	LatestSamples(ctx context.Context) (map[int64]*protocol.PerformanceSnapshot, error)
}

// Publisher rebuilds the authoritative full server list from the database
// and pushes it into the hub. Every structural fleet mutation (agent
// connect/disconnect, config change, traffic reset) funnels through Refresh.
type Publisher struct {
	log   *slog.Logger
	store FleetStore
	hub   *Hub
}

// NewPublisher creates a publisher bound to a hub.
func NewPublisher(log *slog.Logger, st FleetStore, hub *Hub) *Publisher {
	return &Publisher{
		log:   log.With("component", "live.publisher"),
		store: st,
		hub:   hub,
	}
}

// Refresh rebuilds and broadcasts the full server list. Failures are logged
// and otherwise swallowed: a missed snapshot heals on the next mutation, and
// callers (session teardown, scheduler ticks) must not fail because the
// dashboard refresh did.
func (p *Publisher) Refresh(ctx context.Context) {
	hosts, err := p.store.ListVPS(ctx)
	if err != nil {
		p.log.Error("listing hosts for server list failed", "error", err)
		return
	}
	latest, err := p.store.LatestSamples(ctx)
	if err != nil {
		p.log.Error("loading latest samples for server list failed", "error", err)
		return
	}
	if err := p.hub.SetServerList(BuildServerList(hosts, latest)); err != nil {
		p.log.Error("publishing server list failed", "error", err)
	}
}
