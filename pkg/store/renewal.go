package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const renewalColumns = `vps_id, renewal_cycle, renewal_cycle_custom_days,
	renewal_price, renewal_currency, next_renewal_date, last_renewal_date,
	auto_renew_enabled, reminder_threshold_days, reminder_active,
	last_reminder_generated_at, updated_at`

func scanRenewal(row pgx.Row) (*RenewalInfo, error) {
	var r RenewalInfo
	err := row.Scan(&r.VPSID, &r.RenewalCycle, &r.RenewalCycleCustomDays,
		&r.RenewalPrice, &r.RenewalCurrency, &r.NextRenewalDate, &r.LastRenewalDate,
		&r.AutoRenewEnabled, &r.ReminderThresholdDays, &r.ReminderActive,
		&r.LastReminderGeneratedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning renewal info: %w", err)
	}
	return &r, nil
}

// GetRenewalInfo fetches the renewal row for a host.
func (s *Store) GetRenewalInfo(ctx context.Context, vpsID int64) (*RenewalInfo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+renewalColumns+` FROM vps_renewal_info WHERE vps_id = $1`, vpsID)
	return scanRenewal(row)
}

// UpsertRenewalInfo creates or replaces the renewal bookkeeping for a host.
func (s *Store) UpsertRenewalInfo(ctx context.Context, r *RenewalInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vps_renewal_info (vps_id, renewal_cycle, renewal_cycle_custom_days,
			renewal_price, renewal_currency, next_renewal_date, last_renewal_date,
			auto_renew_enabled, reminder_threshold_days, reminder_active,
			last_reminder_generated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (vps_id) DO UPDATE SET
			renewal_cycle = EXCLUDED.renewal_cycle,
			renewal_cycle_custom_days = EXCLUDED.renewal_cycle_custom_days,
			renewal_price = EXCLUDED.renewal_price,
			renewal_currency = EXCLUDED.renewal_currency,
			next_renewal_date = EXCLUDED.next_renewal_date,
			last_renewal_date = EXCLUDED.last_renewal_date,
			auto_renew_enabled = EXCLUDED.auto_renew_enabled,
			reminder_threshold_days = EXCLUDED.reminder_threshold_days,
			reminder_active = EXCLUDED.reminder_active,
			last_reminder_generated_at = EXCLUDED.last_reminder_generated_at,
			updated_at = now()`,
		r.VPSID, r.RenewalCycle, r.RenewalCycleCustomDays,
		r.RenewalPrice, r.RenewalCurrency, r.NextRenewalDate, r.LastRenewalDate,
		r.AutoRenewEnabled, r.ReminderThresholdDays, r.ReminderActive,
		r.LastReminderGeneratedAt)
	if err != nil {
		return fmt.Errorf("store: upserting renewal info for vps %d: %w", r.VPSID, err)
	}
	return nil
}

// DueRenewals returns auto-renew rows whose next renewal date has passed.
func (s *Store) DueRenewals(ctx context.Context, now time.Time) ([]*RenewalInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+renewalColumns+` FROM vps_renewal_info
		WHERE auto_renew_enabled AND next_renewal_date IS NOT NULL AND next_renewal_date <= $1
		ORDER BY vps_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: querying due renewals: %w", err)
	}
	defer rows.Close()
	return collectRenewals(rows)
}

// RenewalsNeedingReminder returns rows inside their reminder window that do
// not have an active reminder yet.
func (s *Store) RenewalsNeedingReminder(ctx context.Context, now time.Time) ([]*RenewalInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+renewalColumns+` FROM vps_renewal_info
		WHERE NOT reminder_active
		  AND reminder_threshold_days IS NOT NULL
		  AND next_renewal_date IS NOT NULL
		  AND next_renewal_date <= $1 + reminder_threshold_days * INTERVAL '1 day'
		ORDER BY vps_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: querying renewal reminders: %w", err)
	}
	defer rows.Close()
	return collectRenewals(rows)
}

func collectRenewals(rows pgx.Rows) ([]*RenewalInfo, error) {
	var out []*RenewalInfo
	for rows.Next() {
		r, err := scanRenewal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceRenewal moves a renewal forward one cycle and clears the reminder.
func (s *Store) AdvanceRenewal(ctx context.Context, vpsID int64, lastDate, nextDate time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vps_renewal_info SET
			last_renewal_date = $2,
			next_renewal_date = $3,
			reminder_active = false,
			updated_at = now()
		WHERE vps_id = $1`, vpsID, lastDate.UTC(), nextDate.UTC())
	if err != nil {
		return fmt.Errorf("store: advancing renewal for vps %d: %w", vpsID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateReminder flags a renewal reminder as raised.
func (s *Store) ActivateReminder(ctx context.Context, vpsID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vps_renewal_info SET
			reminder_active = true,
			last_reminder_generated_at = $2,
			updated_at = now()
		WHERE vps_id = $1`, vpsID, at.UTC())
	if err != nil {
		return fmt.Errorf("store: activating reminder for vps %d: %w", vpsID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HostsDueTrafficReset returns hosts whose scheduled traffic reset time has
// passed.
func (s *Store) HostsDueTrafficReset(ctx context.Context, now time.Time) ([]*VPS, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vpsColumns+` FROM vps
		WHERE next_traffic_reset_at IS NOT NULL AND next_traffic_reset_at <= $1
		ORDER BY id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: querying hosts due traffic reset: %w", err)
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

// ApplyTrafficReset zeroes the cycle counters and schedules the next reset.
// The last-processed cumulative values are kept so the first sample after the
// reset only contributes its post-reset delta.
func (s *Store) ApplyTrafficReset(ctx context.Context, vpsID int64, at time.Time, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE vps SET
			traffic_current_cycle_rx = 0,
			traffic_current_cycle_tx = 0,
			traffic_last_reset_at = $2,
			next_traffic_reset_at = $3,
			updated_at = now()
		WHERE id = $1`, vpsID, at.UTC(), next)
	if err != nil {
		return fmt.Errorf("store: applying traffic reset for vps %d: %w", vpsID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
