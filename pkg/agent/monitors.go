package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
)

const defaultProbeFrequency = 60 * time.Second

// MonitorManager runs the service-monitor probes assigned to this host.
// Assignments arrive inside the effective config; Reconcile diffs them
// against what is currently running.
type MonitorManager struct {
	log    *slog.Logger
	hostID int64
	send   sendFunc

	mu      sync.Mutex
	running map[int64]*monitorRunner
}

type monitorRunner struct {
	task config.ServiceMonitorTask
	stop chan struct{}
	done chan struct{}
}

// NewMonitorManager creates a manager with no probes running.
func NewMonitorManager(log *slog.Logger, hostID int64, send sendFunc) *MonitorManager {
	return &MonitorManager{
		log:     log.With("component", "monitors"),
		hostID:  hostID,
		send:    send,
		running: make(map[int64]*monitorRunner),
	}
}

// Reconcile brings the running probe set in line with the assignments:
// removed monitors stop, changed monitors restart with the new definition,
// new monitors start.
func (m *MonitorManager) Reconcile(ctx context.Context, tasks []config.ServiceMonitorTask) {
	wanted := make(map[int64]config.ServiceMonitorTask, len(tasks))
	for _, t := range tasks {
		wanted[t.MonitorID] = t
	}

	m.mu.Lock()
	var stopped []*monitorRunner
	for id, r := range m.running {
		task, keep := wanted[id]
		if keep && taskEqual(task, r.task) {
			delete(wanted, id)
			continue
		}
		delete(m.running, id)
		stopped = append(stopped, r)
	}
	for _, task := range wanted {
		r := &monitorRunner{task: task, stop: make(chan struct{}), done: make(chan struct{})}
		m.running[task.MonitorID] = r
		go m.runProbeLoop(ctx, r)
		m.log.Info("monitor started",
			"monitor_id", task.MonitorID, "type", task.MonitorType, "target", task.Target)
	}
	m.mu.Unlock()

	for _, r := range stopped {
		close(r.stop)
		<-r.done
		m.log.Info("monitor stopped", "monitor_id", r.task.MonitorID)
	}
}

// StopAll halts every probe. Called on session teardown.
func (m *MonitorManager) StopAll() {
	m.Reconcile(context.Background(), nil)
}

func (m *MonitorManager) runProbeLoop(ctx context.Context, r *monitorRunner) {
	defer close(r.done)

	freq := time.Duration(r.task.FrequencySeconds) * time.Second
	if freq <= 0 {
		freq = defaultProbeFrequency
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	// First probe immediately so a new assignment reports within seconds.
	m.probeOnce(ctx, r.task)
	for {
		select {
		case <-ticker.C:
			m.probeOnce(ctx, r.task)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *MonitorManager) probeOnce(ctx context.Context, task config.ServiceMonitorTask) {
	timeout := time.Duration(task.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	up, details := probe(probeCtx, task.MonitorType, task.Target, timeout)
	latency := time.Since(start)

	err := m.send(ctx, &protocol.ServiceMonitorResult{
		MonitorID:   task.MonitorID,
		AgentID:     m.hostID,
		IsUp:        up,
		LatencyMs:   latency.Milliseconds(),
		Details:     details,
		TimestampMs: time.Now().UnixMilli(),
	})
	if err != nil {
		m.log.Warn("sending monitor result failed",
			"monitor_id", task.MonitorID, "error", err)
	}
}

// probe runs one check attempt.
func probe(ctx context.Context, monitorType, target string, timeout time.Duration) (up bool, details string) {
	switch monitorType {
	case "tcp":
		return probeTCP(ctx, target)
	case "http":
		return probeHTTP(ctx, target)
	case "ping":
		return probePing(ctx, target, timeout)
	}
	return false, fmt.Sprintf("unknown monitor type %q", monitorType)
}

func probeTCP(ctx context.Context, target string) (bool, string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, ""
}

func probeHTTP(ctx context.Context, target string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func probePing(ctx context.Context, target string, timeout time.Duration) (bool, string) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "ping", "-n", "1",
			"-w", strconv.FormatInt(timeout.Milliseconds(), 10), target)
	} else {
		secs := int(timeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		cmd = exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), target)
	}
	if err := cmd.Run(); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func taskEqual(a, b config.ServiceMonitorTask) bool {
	return a.MonitorID == b.MonitorID &&
		a.MonitorType == b.MonitorType &&
		a.Target == b.Target &&
		a.FrequencySeconds == b.FrequencySeconds &&
		a.TimeoutSeconds == b.TimeoutSeconds &&
		string(a.MonitorConfig) == string(b.MonitorConfig)
}
