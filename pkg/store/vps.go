package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nodenexus/nodenexus/pkg/config"
	"github.com/nodenexus/nodenexus/pkg/protocol"
)

// encPrefix marks agent secrets stored encrypted at rest.
const encPrefix = "enc:"

// ErrAuthFailed is returned for a bad host id or secret. Callers must not
// distinguish the two cases on the wire.
var ErrAuthFailed = errors.New("store: agent authentication failed")

const vpsColumns = `id, user_id, name, status, agent_secret,
	ip_address, os_type, kernel_version, hostname, cpu_model, cpu_cores,
	memory_total_bytes, country_code, agent_version,
	config_override, config_status, config_error,
	traffic_limit_bytes, traffic_billing_rule,
	traffic_current_cycle_rx, traffic_current_cycle_tx,
	last_processed_cumulative_rx, last_processed_cumulative_tx,
	traffic_last_reset_at, traffic_reset_config_type, traffic_reset_config_value,
	next_traffic_reset_at, created_at, updated_at`

func scanVPS(row pgx.Row) (*VPS, error) {
	var v VPS
	var override []byte
	err := row.Scan(&v.ID, &v.UserID, &v.Name, &v.Status, &v.AgentSecret,
		&v.IPAddress, &v.OSType, &v.KernelVersion, &v.Hostname, &v.CPUModel, &v.CPUCores,
		&v.MemoryTotal, &v.CountryCode, &v.AgentVersion,
		&override, &v.ConfigStatus, &v.ConfigError,
		&v.TrafficLimitBytes, &v.TrafficBillingRule,
		&v.TrafficCycleRx, &v.TrafficCycleTx,
		&v.LastCumulativeRx, &v.LastCumulativeTx,
		&v.TrafficLastResetAt, &v.TrafficResetType, &v.TrafficResetValue,
		&v.NextTrafficResetAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning vps: %w", err)
	}
	if len(override) > 0 {
		var cfg config.AgentConfig
		if err := json.Unmarshal(override, &cfg); err != nil {
			return nil, fmt.Errorf("store: decoding config override for vps %d: %w", v.ID, err)
		}
		v.ConfigOverride = &cfg
	}
	return &v, nil
}

// GetVPS fetches one host row.
func (s *Store) GetVPS(ctx context.Context, id int64) (*VPS, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+vpsColumns+` FROM vps WHERE id = $1`, id)
	return scanVPS(row)
}

// ListVPS returns all host rows ordered by id.
func (s *Store) ListVPS(ctx context.Context) ([]*VPS, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+vpsColumns+` FROM vps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing vps: %w", err)
	}
	defer rows.Close()

	var out []*VPS
	for rows.Next() {
		v, err := scanVPS(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AuthenticateAgent verifies a handshake against the stored per-host secret
// and, on success, records the handshake metadata and flips the host online.
func (s *Store) AuthenticateAgent(ctx context.Context, hs *protocol.AgentHandshake) (*VPS, error) {
	v, err := s.GetVPS(ctx, hs.HostID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAuthFailed
	}
	if err != nil {
		return nil, err
	}

	secret := v.AgentSecret
	if strings.HasPrefix(secret, encPrefix) {
		if s.box == nil {
			return nil, errors.New("store: encrypted agent secret but no secret key configured")
		}
		secret, err = s.box.OpenString(strings.TrimPrefix(secret, encPrefix))
		if err != nil {
			return nil, fmt.Errorf("store: decrypting agent secret for vps %d: %w", v.ID, err)
		}
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(hs.AgentSecret)) != 1 {
		return nil, ErrAuthFailed
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE vps SET
			status = $2,
			agent_version = NULLIF($3, ''),
			hostname = NULLIF($4, ''),
			os_type = NULLIF($5, ''),
			kernel_version = NULLIF($6, ''),
			cpu_model = NULLIF($7, ''),
			cpu_cores = NULLIF($8, 0),
			memory_total_bytes = NULLIF($9, 0),
			ip_address = NULLIF($10, ''),
			country_code = NULLIF($11, ''),
			last_handshake_at = now(),
			updated_at = now()
		WHERE id = $1`,
		v.ID, VPSStatusOnline, hs.AgentVersion, hs.Hostname, hs.OS,
		hs.KernelVersion, hs.CPUModel, hs.CPUCores, int64(hs.MemoryTotal),
		hs.PublicIP, hs.CountryCode)
	if err != nil {
		return nil, fmt.Errorf("store: recording handshake for vps %d: %w", v.ID, err)
	}
	v.Status = VPSStatusOnline
	return v, nil
}

// SetVPSStatus updates the connection status of one host.
func (s *Store) SetVPSStatus(ctx context.Context, id int64, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vps SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: updating vps %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllOffline flips every online host to offline. Called once at startup:
// no session can be live before the listeners are up.
func (s *Store) MarkAllOffline(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vps SET status = $1, updated_at = now() WHERE status = $2`,
		VPSStatusOffline, VPSStatusOnline)
	if err != nil {
		return 0, fmt.Errorf("store: marking hosts offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetConfigOverride replaces the per-host config override. A nil override
// clears it.
func (s *Store) SetConfigOverride(ctx context.Context, id int64, override *config.AgentConfig) error {
	var raw []byte
	if override != nil {
		var err error
		raw, err = json.Marshal(override)
		if err != nil {
			return fmt.Errorf("store: encoding config override: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vps SET config_override = $2, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("store: updating config override for vps %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConfigStatus records the outcome of a config push on the host row.
func (s *Store) SetConfigStatus(ctx context.Context, id int64, status string, pushErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vps SET config_status = $2, config_error = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`, id, status, pushErr)
	if err != nil {
		return fmt.Errorf("store: updating config status for vps %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateVPS inserts a host row, sealing the agent secret when a secret box is
// configured.
func (s *Store) CreateVPS(ctx context.Context, userID int64, name, agentSecret string) (*VPS, error) {
	stored := agentSecret
	if s.box != nil {
		sealed, err := s.box.SealString(agentSecret)
		if err != nil {
			return nil, fmt.Errorf("store: sealing agent secret: %w", err)
		}
		stored = encPrefix + sealed
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO vps (user_id, name, agent_secret)
		VALUES ($1, $2, $3)
		RETURNING `+vpsColumns, userID, name, stored)
	return scanVPS(row)
}

// TagIDsForVPS returns the ids of the tags attached to a host.
func (s *Store) TagIDsForVPS(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tag_id FROM vps_tags WHERE vps_id = $1 ORDER BY tag_id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: listing tags for vps %d: %w", id, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var tagID int64
		if err := rows.Scan(&tagID); err != nil {
			return nil, fmt.Errorf("store: scanning tag id: %w", err)
		}
		ids = append(ids, tagID)
	}
	return ids, rows.Err()
}
