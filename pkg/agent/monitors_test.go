package agent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
)

func (s *payloadSink) monitorResults() []*protocol.ServiceMonitorResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.ServiceMonitorResult
	for _, p := range s.payloads {
		if r, ok := p.(*protocol.ServiceMonitorResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	up, _ := probeTCP(context.Background(), ln.Addr().String())
	assert.True(t, up)

	ln.Close()
	up, details := probeTCP(context.Background(), ln.Addr().String())
	assert.False(t, up)
	assert.NotEmpty(t, details)
}

func TestProbeHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, details := probeHTTP(context.Background(), srv.URL)
	assert.True(t, up)
	assert.Equal(t, "HTTP 200", details)

	up, details = probeHTTP(context.Background(), srv.URL+"/broken")
	assert.False(t, up)
	assert.Equal(t, "HTTP 500", details)
}

func TestMonitorManagerReportsResult(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	sink := &payloadSink{}
	m := NewMonitorManager(testLogger(t), 7, sink.send)
	defer m.StopAll()

	m.Reconcile(context.Background(), []config.ServiceMonitorTask{{
		MonitorID:        3,
		MonitorType:      "tcp",
		Target:           ln.Addr().String(),
		FrequencySeconds: 3600,
		TimeoutSeconds:   5,
	}})

	// The first probe fires immediately on assignment.
	require.Eventually(t, func() bool {
		return len(sink.monitorResults()) > 0
	}, 10*time.Second, 10*time.Millisecond)

	r := sink.monitorResults()[0]
	assert.Equal(t, int64(3), r.MonitorID)
	assert.Equal(t, int64(7), r.AgentID, "results carry this host's id")
	assert.True(t, r.IsUp)
}

func TestMonitorManagerReconcileStopsRemoved(t *testing.T) {
	sink := &payloadSink{}
	m := NewMonitorManager(testLogger(t), 7, sink.send)
	defer m.StopAll()

	task := config.ServiceMonitorTask{
		MonitorID:        3,
		MonitorType:      "tcp",
		Target:           "127.0.0.1:1", // nothing listens; probes report down
		FrequencySeconds: 3600,
		TimeoutSeconds:   1,
	}
	m.Reconcile(context.Background(), []config.ServiceMonitorTask{task})
	m.mu.Lock()
	assert.Len(t, m.running, 1)
	m.mu.Unlock()

	m.Reconcile(context.Background(), nil)
	m.mu.Lock()
	assert.Empty(t, m.running)
	m.mu.Unlock()
}

func TestMonitorManagerReconcileKeepsUnchanged(t *testing.T) {
	sink := &payloadSink{}
	m := NewMonitorManager(testLogger(t), 7, sink.send)
	defer m.StopAll()

	task := config.ServiceMonitorTask{
		MonitorID:        3,
		MonitorType:      "tcp",
		Target:           "127.0.0.1:1",
		FrequencySeconds: 3600,
		TimeoutSeconds:   1,
	}
	m.Reconcile(context.Background(), []config.ServiceMonitorTask{task})
	m.mu.Lock()
	before := m.running[3]
	m.mu.Unlock()

	m.Reconcile(context.Background(), []config.ServiceMonitorTask{task})
	m.mu.Lock()
	assert.Same(t, before, m.running[3], "unchanged task keeps its runner")
	m.mu.Unlock()

	// A changed frequency restarts the runner.
	task.FrequencySeconds = 1800
	m.Reconcile(context.Background(), []config.ServiceMonitorTask{task})
	m.mu.Lock()
	assert.NotSame(t, before, m.running[3])
	m.mu.Unlock()
}

func TestProbeUnknownType(t *testing.T) {
	up, details := probe(context.Background(), "carrier-pigeon", "example.com", time.Second)
	assert.False(t, up)
	assert.Contains(t, details, "unknown monitor type")
}
