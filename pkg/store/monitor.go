package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nodenexus/nodenexus/pkg/protocol"
)

const monitorColumns = `id, user_id, name, monitor_type, target,
	frequency_seconds, timeout_seconds, monitor_config, assignment_type,
	created_at, updated_at`

func scanMonitor(row pgx.Row) (*ServiceMonitor, error) {
	var m ServiceMonitor
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.MonitorType, &m.Target,
		&m.FrequencySeconds, &m.TimeoutSeconds, &m.MonitorConfig, &m.AssignmentType,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning service monitor: %w", err)
	}
	return &m, nil
}

// MonitorsForVPS resolves the probe tasks a host should run: monitors
// assigned to it explicitly, plus monitors assigned to any of its tags.
func (s *Store) MonitorsForVPS(ctx context.Context, vpsID int64) ([]*ServiceMonitor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m.id, m.user_id, m.name, m.monitor_type, m.target,
			m.frequency_seconds, m.timeout_seconds, m.monitor_config, m.assignment_type,
			m.created_at, m.updated_at
		FROM service_monitors m
		LEFT JOIN service_monitor_agents a ON a.monitor_id = m.id
		LEFT JOIN service_monitor_tags mt ON mt.monitor_id = m.id
		LEFT JOIN vps_tags vt ON vt.tag_id = mt.tag_id
		WHERE a.vps_id = $1 OR vt.vps_id = $1
		ORDER BY m.id`, vpsID)
	if err != nil {
		return nil, fmt.Errorf("store: resolving monitors for vps %d: %w", vpsID, err)
	}
	defer rows.Close()

	var out []*ServiceMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMonitor fetches one probe definition.
func (s *Store) GetMonitor(ctx context.Context, id int64) (*ServiceMonitor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+monitorColumns+` FROM service_monitors WHERE id = $1`, id)
	return scanMonitor(row)
}

// InsertMonitorResult appends one probe outcome.
func (s *Store) InsertMonitorResult(ctx context.Context, r *protocol.ServiceMonitorResult) error {
	var latency *int64
	if r.LatencyMs >= 0 {
		latency = &r.LatencyMs
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_monitor_results (time, monitor_id, agent_id, is_up, latency_ms, details)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		time.UnixMilli(r.TimestampMs).UTC(), r.MonitorID, r.AgentID, r.IsUp, latency, r.Details)
	if err != nil {
		return fmt.Errorf("store: inserting monitor result: %w", err)
	}
	return nil
}

// MonitorNames maps monitor ids to display names for broadcast enrichment.
func (s *Store) MonitorNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name FROM service_monitors WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: resolving monitor names: %w", err)
	}
	defer rows.Close()

	names := make(map[int64]string, len(ids))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("store: scanning monitor name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}
