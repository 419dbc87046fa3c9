package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// AccumulateTraffic folds a run of snapshots into cycle traffic deltas.
// Counters are cumulative since agent boot; a counter smaller than the last
// processed value means the agent restarted, and the full reading counts as
// the delta. Returns the rx/tx bytes to add to the current cycle and the new
// last-processed cumulative values.
func AccumulateTraffic(lastRx, lastTx int64, snaps []protocol.PerformanceSnapshot) (deltaRx, deltaTx, newLastRx, newLastTx int64) {
	newLastRx, newLastTx = lastRx, lastTx
	for _, s := range snaps {
		rx, tx := int64(s.NetRxCum), int64(s.NetTxCum)
		if rx >= newLastRx {
			deltaRx += rx - newLastRx
		} else {
			deltaRx += rx
		}
		if tx >= newLastTx {
			deltaTx += tx - newLastTx
		} else {
			deltaTx += tx
		}
		newLastRx, newLastTx = rx, tx
	}
	return deltaRx, deltaTx, newLastRx, newLastTx
}

// InsertSamplesAndAccount persists a flush batch and advances per-host
// traffic accounting in one transaction. Samples for the same host must be
// in ascending time order within the slice; the writer guarantees this by
// preserving arrival order.
func (s *Store) InsertSamplesAndAccount(ctx context.Context, samples []PerformanceSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: beginning metrics tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := make([][]any, 0, len(samples))
	byHost := make(map[int64][]protocol.PerformanceSnapshot)
	hostOrder := make([]int64, 0, 8)
	for _, sm := range samples {
		p := sm.Snapshot
		rows = append(rows, []any{
			sm.Time.UTC(), sm.HostID, p.CPUPercent,
			int64(p.MemUsed), int64(p.MemTotal),
			int64(p.SwapUsed), int64(p.SwapTotal),
			int64(p.DiskIOReadBps), int64(p.DiskIOWriteBps),
			int64(p.NetRxCum), int64(p.NetTxCum),
			int64(p.NetRxBps), int64(p.NetTxBps),
			int64(p.UptimeSeconds), p.Processes, p.RunningProcs,
			p.TCPEstablished, int64(p.DiskUsed), int64(p.DiskTotal),
		})
		if _, ok := byHost[sm.HostID]; !ok {
			hostOrder = append(hostOrder, sm.HostID)
		}
		byHost[sm.HostID] = append(byHost[sm.HostID], p)
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"performance_metrics"},
		[]string{"time", "vps_id", "cpu_usage_percent",
			"memory_usage_bytes", "memory_total_bytes",
			"swap_usage_bytes", "swap_total_bytes",
			"disk_io_read_bps", "disk_io_write_bps",
			"network_rx_cumulative", "network_tx_cumulative",
			"network_rx_bps", "network_tx_bps",
			"uptime_seconds", "total_processes", "running_processes",
			"tcp_established", "disk_used_bytes", "disk_total_bytes"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("store: inserting performance samples: %w", err)
	}

	// Hosts are visited in first-appearance order within the batch. The
	// ingest pipeline has a single writer, so no two flushes ever hold row
	// locks at the same time.
	for _, hostID := range hostOrder {
		var lastRx, lastTx int64
		err := tx.QueryRow(ctx, `
			SELECT last_processed_cumulative_rx, last_processed_cumulative_tx
			FROM vps WHERE id = $1 FOR UPDATE`, hostID).Scan(&lastRx, &lastTx)
		if err == pgx.ErrNoRows {
			// Host deleted mid-flight; its samples fail the FK anyway,
			// but the copy above already succeeded, so just skip.
			continue
		}
		if err != nil {
			return fmt.Errorf("store: locking vps %d for traffic accounting: %w", hostID, err)
		}

		deltaRx, deltaTx, newRx, newTx := AccumulateTraffic(lastRx, lastTx, byHost[hostID])
		_, err = tx.Exec(ctx, `
			UPDATE vps SET
				traffic_current_cycle_rx = traffic_current_cycle_rx + $2,
				traffic_current_cycle_tx = traffic_current_cycle_tx + $3,
				last_processed_cumulative_rx = $4,
				last_processed_cumulative_tx = $5,
				updated_at = now()
			WHERE id = $1`, hostID, deltaRx, deltaTx, newRx, newTx)
		if err != nil {
			return fmt.Errorf("store: accounting traffic for vps %d: %w", hostID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: committing metrics tx: %w", err)
	}
	return nil
}

// LatestSample returns the most recent sample for a host, or ErrNotFound.
func (s *Store) LatestSample(ctx context.Context, hostID int64) (*PerformanceSample, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT time, vps_id, cpu_usage_percent,
			memory_usage_bytes, memory_total_bytes,
			swap_usage_bytes, swap_total_bytes,
			disk_io_read_bps, disk_io_write_bps,
			network_rx_cumulative, network_tx_cumulative,
			network_rx_bps, network_tx_bps,
			uptime_seconds, total_processes, running_processes,
			tcp_established, disk_used_bytes, disk_total_bytes
		FROM performance_metrics
		WHERE vps_id = $1
		ORDER BY time DESC LIMIT 1`, hostID)
	return scanSample(row)
}

// LatestSamples returns the most recent sample per host, keyed by host id.
// Hosts that never reported are absent from the map.
func (s *Store) LatestSamples(ctx context.Context) (map[int64]*protocol.PerformanceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (vps_id) time, vps_id, cpu_usage_percent,
			memory_usage_bytes, memory_total_bytes,
			swap_usage_bytes, swap_total_bytes,
			disk_io_read_bps, disk_io_write_bps,
			network_rx_cumulative, network_tx_cumulative,
			network_rx_bps, network_tx_bps,
			uptime_seconds, total_processes, running_processes,
			tcp_established, disk_used_bytes, disk_total_bytes
		FROM performance_metrics
		ORDER BY vps_id, time DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: querying latest samples: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*protocol.PerformanceSnapshot)
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		snap := sm.Snapshot
		out[sm.HostID] = &snap
	}
	return out, rows.Err()
}

// SamplesSince returns samples for a host newer than the cutoff, ascending.
func (s *Store) SamplesSince(ctx context.Context, hostID int64, since time.Time) ([]*PerformanceSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT time, vps_id, cpu_usage_percent,
			memory_usage_bytes, memory_total_bytes,
			swap_usage_bytes, swap_total_bytes,
			disk_io_read_bps, disk_io_write_bps,
			network_rx_cumulative, network_tx_cumulative,
			network_rx_bps, network_tx_bps,
			uptime_seconds, total_processes, running_processes,
			tcp_established, disk_used_bytes, disk_total_bytes
		FROM performance_metrics
		WHERE vps_id = $1 AND time > $2
		ORDER BY time ASC`, hostID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: querying samples for vps %d: %w", hostID, err)
	}
	defer rows.Close()

	var out []*PerformanceSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func scanSample(row pgx.Row) (*PerformanceSample, error) {
	var sm PerformanceSample
	var memUsed, memTotal, swapUsed, swapTotal int64
	var readBps, writeBps, rxCum, txCum, rxBps, txBps, uptime int64
	var diskUsed, diskTotal int64
	err := row.Scan(&sm.Time, &sm.HostID, &sm.Snapshot.CPUPercent,
		&memUsed, &memTotal, &swapUsed, &swapTotal,
		&readBps, &writeBps, &rxCum, &txCum, &rxBps, &txBps,
		&uptime, &sm.Snapshot.Processes, &sm.Snapshot.RunningProcs,
		&sm.Snapshot.TCPEstablished, &diskUsed, &diskTotal)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning performance sample: %w", err)
	}
	sm.Snapshot.TimestampMs = sm.Time.UnixMilli()
	sm.Snapshot.MemUsed = uint64(memUsed)
	sm.Snapshot.MemTotal = uint64(memTotal)
	sm.Snapshot.SwapUsed = uint64(swapUsed)
	sm.Snapshot.SwapTotal = uint64(swapTotal)
	sm.Snapshot.DiskIOReadBps = uint64(readBps)
	sm.Snapshot.DiskIOWriteBps = uint64(writeBps)
	sm.Snapshot.NetRxCum = uint64(rxCum)
	sm.Snapshot.NetTxCum = uint64(txCum)
	sm.Snapshot.NetRxBps = uint64(rxBps)
	sm.Snapshot.NetTxBps = uint64(txBps)
	sm.Snapshot.UptimeSeconds = uint64(uptime)
	sm.Snapshot.DiskUsed = uint64(diskUsed)
	sm.Snapshot.DiskTotal = uint64(diskTotal)
	return &sm, nil
}
