// Package agent is the host-side process: it maintains one session to the
// server (reconnecting with backoff), collects system metrics, executes
// batch commands, and runs the service-monitor probes assigned to it.
package agent

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// Collector samples system metrics. It keeps the previous cumulative
// counters so per-second rates can be derived between consecutive samples;
// the first sample after startup reports zero rates.
type Collector struct {
	lastAt     time.Time
	lastRx     uint64
	lastTx     uint64
	lastDiskRd uint64
	lastDiskWr uint64
	havePrev   bool
	diskRoot   string
}

// NewCollector creates a collector.
func NewCollector() *Collector {
	root := "/"
	if runtime.GOOS == "windows" {
		root = `C:\`
	}
	return &Collector{diskRoot: root}
}

// HostInfo gathers the handshake metadata. Individual probe failures leave
// the corresponding fields empty rather than failing the handshake.
func (c *Collector) HostInfo(ctx context.Context, agentVersion string) protocol.AgentHandshake {
	hs := protocol.AgentHandshake{AgentVersion: agentVersion}

	if info, err := host.InfoWithContext(ctx); err == nil {
		hs.Hostname = info.Hostname
		hs.OS = info.Platform + " " + info.PlatformVersion
		hs.KernelVersion = info.KernelVersion
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		hs.CPUModel = cpus[0].ModelName
		hs.CPUCores = runtime.NumCPU()
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.MemoryTotal = vm.Total
	}
	return hs
}

// Collect takes one sample. Counter-based fields (network, disk IO) are
// cumulative since boot; the server derives traffic deltas from them, and
// the agent additionally reports instantaneous rates computed against the
// previous sample.
func (c *Collector) Collect(ctx context.Context) protocol.PerformanceSnapshot {
	now := time.Now()
	snap := protocol.PerformanceSnapshot{TimestampMs: now.UnixMilli()}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsed = vm.Used
		snap.MemTotal = vm.Total
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		snap.SwapUsed = sw.Used
		snap.SwapTotal = sw.Total
	}
	if du, err := disk.UsageWithContext(ctx, c.diskRoot); err == nil {
		snap.DiskUsed = du.Used
		snap.DiskTotal = du.Total
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.UptimeSeconds = info.Uptime
		snap.Processes = int(info.Procs)
	}
	if misc, err := load.MiscWithContext(ctx); err == nil {
		snap.RunningProcs = misc.ProcsRunning
	}
	if conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp"); err == nil {
		established := 0
		for _, cn := range conns {
			if cn.Status == "ESTABLISHED" {
				established++
			}
		}
		snap.TCPEstablished = established
	}

	var diskRd, diskWr uint64
	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for _, st := range counters {
			diskRd += st.ReadBytes
			diskWr += st.WriteBytes
		}
	}
	var rx, tx uint64
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		rx = counters[0].BytesRecv
		tx = counters[0].BytesSent
	}
	snap.NetRxCum = rx
	snap.NetTxCum = tx

	if c.havePrev {
		elapsed := now.Sub(c.lastAt).Seconds()
		if elapsed > 0 {
			snap.NetRxBps = rateBps(c.lastRx, rx, elapsed)
			snap.NetTxBps = rateBps(c.lastTx, tx, elapsed)
			snap.DiskIOReadBps = rateBps(c.lastDiskRd, diskRd, elapsed)
			snap.DiskIOWriteBps = rateBps(c.lastDiskWr, diskWr, elapsed)
		}
	}
	c.lastAt = now
	c.lastRx, c.lastTx = rx, tx
	c.lastDiskRd, c.lastDiskWr = diskRd, diskWr
	c.havePrev = true

	return snap
}

// rateBps turns a counter delta into a per-second rate. A counter that went
// backwards (interface reset, device replug) reports zero for this interval
// instead of a huge unsigned wraparound.
func rateBps(prev, cur uint64, elapsedSeconds float64) uint64 {
	if cur < prev {
		return 0
	}
	return uint64(float64(cur-prev) / elapsedSeconds)
}
