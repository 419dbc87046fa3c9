package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const batchColumns = `id, user_id, status, command_content, working_directory,
	alias, created_at, updated_at, completed_at`

const childColumns = `id, batch_command_id, vps_id, status, exit_code,
	error_message, agent_started_at, agent_completed_at, last_output_at,
	created_at, updated_at`

func scanBatch(row pgx.Row) (*BatchCommand, error) {
	var b BatchCommand
	err := row.Scan(&b.ID, &b.UserID, &b.Status, &b.CommandContent,
		&b.WorkingDirectory, &b.Alias, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning batch command: %w", err)
	}
	return &b, nil
}

func scanChild(row pgx.Row) (*ChildCommand, error) {
	var c ChildCommand
	err := row.Scan(&c.ID, &c.BatchCommandID, &c.VPSID, &c.Status, &c.ExitCode,
		&c.ErrorMessage, &c.AgentStartedAt, &c.AgentCompletedAt, &c.LastOutputAt,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning child command: %w", err)
	}
	return &c, nil
}

// CreateBatchCommand inserts the parent row and one child per target host in
// a single transaction. Returned children follow the order of vpsIDs.
func (s *Store) CreateBatchCommand(ctx context.Context, userID int64, content, workingDir, alias string, vpsIDs []int64) (*BatchCommand, []*ChildCommand, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("store: beginning batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batchID := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO batch_command_tasks (id, user_id, status, command_content, working_directory, alias)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		RETURNING `+batchColumns,
		batchID, userID, BatchStatusPending, content, workingDir, alias)
	batch, err := scanBatch(row)
	if err != nil {
		return nil, nil, err
	}

	children := make([]*ChildCommand, 0, len(vpsIDs))
	for _, vpsID := range vpsIDs {
		row := tx.QueryRow(ctx, `
			INSERT INTO child_command_tasks (id, batch_command_id, vps_id, status)
			VALUES ($1, $2, $3, $4)
			RETURNING `+childColumns,
			uuid.New(), batchID, vpsID, ChildStatusPending)
		child, err := scanChild(row)
		if err != nil {
			return nil, nil, err
		}
		children = append(children, child)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("store: committing batch tx: %w", err)
	}
	return batch, children, nil
}

// GetBatchCommand fetches a parent row.
func (s *Store) GetBatchCommand(ctx context.Context, id uuid.UUID) (*BatchCommand, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batch_command_tasks WHERE id = $1`, id)
	return scanBatch(row)
}

// GetChildCommand fetches one child row.
func (s *Store) GetChildCommand(ctx context.Context, id uuid.UUID) (*ChildCommand, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+childColumns+` FROM child_command_tasks WHERE id = $1`, id)
	return scanChild(row)
}

// ChildrenOfBatch returns all children of a batch ordered by creation.
func (s *Store) ChildrenOfBatch(ctx context.Context, batchID uuid.UUID) ([]*ChildCommand, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+childColumns+` FROM child_command_tasks WHERE batch_command_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("store: listing children of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []*ChildCommand
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetBatchStatus updates the parent status, stamping completed_at when the
// status is terminal.
func (s *Store) SetBatchStatus(ctx context.Context, id uuid.UUID, status string) error {
	terminal := status == BatchStatusCompletedOK ||
		status == BatchStatusCompletedWithErrors ||
		status == BatchStatusTerminated ||
		status == BatchStatusFailedToDispatch
	var completed *time.Time
	if terminal {
		now := time.Now().UTC()
		completed = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_command_tasks
		SET status = $2, completed_at = COALESCE($3, completed_at), updated_at = now()
		WHERE id = $1`, id, status, completed)
	if err != nil {
		return fmt.Errorf("store: updating batch %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ChildUpdate describes a guarded child status transition.
type ChildUpdate struct {
	Status       string
	ExitCode     *int
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	OutputAt     *time.Time
}

// UpdateChildGuarded applies a child transition unless it would regress:
// terminal statuses are never left, and a status never moves to a lower rank.
// Returns the row after the update and whether the transition was applied.
func (s *Store) UpdateChildGuarded(ctx context.Context, id uuid.UUID, upd ChildUpdate) (*ChildCommand, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("store: beginning child update tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+childColumns+` FROM child_command_tasks WHERE id = $1 FOR UPDATE`, id)
	current, err := scanChild(row)
	if err != nil {
		return nil, false, err
	}

	if ChildStatusTerminal(current.Status) ||
		childStatusRank[upd.Status] < childStatusRank[current.Status] {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("store: committing child update tx: %w", err)
		}
		return current, false, nil
	}

	row = tx.QueryRow(ctx, `
		UPDATE child_command_tasks SET
			status = $2,
			exit_code = COALESCE($3, exit_code),
			error_message = COALESCE(NULLIF($4, ''), error_message),
			agent_started_at = COALESCE($5, agent_started_at),
			agent_completed_at = COALESCE($6, agent_completed_at),
			last_output_at = COALESCE($7, last_output_at),
			updated_at = now()
		WHERE id = $1
		RETURNING `+childColumns,
		id, upd.Status, upd.ExitCode, upd.ErrorMessage,
		upd.StartedAt, upd.CompletedAt, upd.OutputAt)
	updated, err := scanChild(row)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("store: committing child update tx: %w", err)
	}
	return updated, true, nil
}

// TouchChildOutput stamps last_output_at without changing status.
func (s *Store) TouchChildOutput(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE child_command_tasks SET last_output_at = $2, updated_at = now() WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("store: touching child %s output: %w", id, err)
	}
	return nil
}

// ChildStatusCounts returns the status histogram of a batch's children.
func (s *Store) ChildStatusCounts(ctx context.Context, batchID uuid.UUID) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM child_command_tasks
		WHERE batch_command_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: counting children of batch %s: %w", batchID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scanning child status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
