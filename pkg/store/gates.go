package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apexhq/apex/pkg/types"
)

// SetGate creates or re-arms an approval gate on a task. Gates are unique per
// (task, name); setting an existing gate resets it to pending.
func (s *Store) SetGate(ctx context.Context, taskID, name string) (*types.Gate, error) {
	if taskID == "" || name == "" {
		return nil, fmt.Errorf("%w: gate needs task id and name", ErrInvalidInput)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gates (task_id, name, status, required_at, responded_at, approver, comment)
		VALUES (?, ?, 'pending', ?, NULL, '', '')
		ON CONFLICT(task_id, name) DO UPDATE SET
			status = 'pending',
			required_at = excluded.required_at,
			responded_at = NULL,
			approver = '',
			comment = ''`,
		taskID, name, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to set gate: %w", err)
	}
	return s.GetGate(ctx, taskID, name)
}

// GetGate returns one gate by (task, name).
func (s *Store) GetGate(ctx context.Context, taskID, name string) (*types.Gate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, name, status, required_at, responded_at, approver, comment
		FROM gates WHERE task_id = ? AND name = ?`, taskID, name)
	g, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gate %s/%s: %w", taskID, name, ErrNotFound)
	}
	return g, err
}

// ApproveGate marks a gate approved and records who answered.
func (s *Store) ApproveGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.respondGate(ctx, taskID, name, types.GateStatusApproved, approver, comment)
}

// RejectGate marks a gate rejected and records who answered.
func (s *Store) RejectGate(ctx context.Context, taskID, name, approver, comment string) error {
	return s.respondGate(ctx, taskID, name, types.GateStatusRejected, approver, comment)
}

func (s *Store) respondGate(ctx context.Context, taskID, name string, status types.GateStatus, approver, comment string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gates SET status = ?, responded_at = ?, approver = ?, comment = ?
		WHERE task_id = ? AND name = ?`,
		string(status), fmtTime(time.Now()), approver, comment, taskID, name)
	if err != nil {
		return fmt.Errorf("failed to respond to gate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("gate %s/%s: %w", taskID, name, ErrNotFound)
	}
	return nil
}

// ListPendingGates returns all unanswered gates, oldest requirement first.
func (s *Store) ListPendingGates(ctx context.Context) ([]*types.Gate, error) {
	return s.queryGates(ctx, `
		SELECT id, task_id, name, status, required_at, responded_at, approver, comment
		FROM gates WHERE status = 'pending' ORDER BY required_at ASC`)
}

// ListGates returns every gate on a task.
func (s *Store) ListGates(ctx context.Context, taskID string) ([]*types.Gate, error) {
	return s.queryGates(ctx, `
		SELECT id, task_id, name, status, required_at, responded_at, approver, comment
		FROM gates WHERE task_id = ? ORDER BY required_at ASC`, taskID)
}

func (s *Store) queryGates(ctx context.Context, query string, args ...any) ([]*types.Gate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("gate query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var gates []*types.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func scanGate(row rowScanner) (*types.Gate, error) {
	var (
		g           types.Gate
		status      string
		requiredAt  string
		respondedAt sql.NullString
	)
	err := row.Scan(&g.ID, &g.TaskID, &g.Name, &status, &requiredAt, &respondedAt, &g.Approver, &g.Comment)
	if err != nil {
		return nil, err
	}
	g.Status = types.GateStatus(status)
	g.RequiredAt = parseTime(requiredAt)
	g.RespondedAt = parseNullTime(respondedAt)
	return &g, nil
}
