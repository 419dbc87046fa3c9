// Package metrics exposes the server's internal prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server groups the collectors published on /metrics.
type Server struct {
	registry *prometheus.Registry

	ConnectedAgents   prometheus.Gauge
	WSClients         prometheus.Gauge
	SamplesIngested   prometheus.Counter
	SamplesDropped    prometheus.Counter
	FlushesTotal      prometheus.Counter
	FlushErrors       prometheus.Counter
	BroadcastsTotal   *prometheus.CounterVec
	BatchCommands     prometheus.Counter
	MonitorResults    prometheus.Counter
	HandshakeFailures prometheus.Counter
}

// NewServer creates the collector set on a private registry.
func NewServer() *Server {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Server{
		registry: reg,
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_connected_agents",
			Help: "Number of live agent sessions.",
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_ws_clients",
			Help: "Number of connected browser WebSocket clients.",
		}),
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_samples_ingested_total",
			Help: "Performance samples accepted into the write queue.",
		}),
		SamplesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_samples_dropped_total",
			Help: "Performance samples dropped because the write queue was full.",
		}),
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_metric_flushes_total",
			Help: "Metric writer flush transactions.",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_metric_flush_errors_total",
			Help: "Metric writer flush transactions that failed and were dropped.",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_broadcasts_total",
			Help: "Live bus broadcasts by message type.",
		}, []string{"type"}),
		BatchCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_batch_commands_total",
			Help: "Batch commands accepted.",
		}),
		MonitorResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_monitor_results_total",
			Help: "Service monitor results ingested.",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_handshake_failures_total",
			Help: "Agent handshakes rejected.",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
