package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexhq/apex/pkg/types"
)

// CreateIdleTask records candidate work generated during idleness.
func (s *Store) CreateIdleTask(ctx context.Context, it *types.IdleTask) (*types.IdleTask, error) {
	if it == nil || it.Title == "" {
		return nil, fmt.Errorf("%w: idle task needs a title", ErrInvalidInput)
	}
	rec := *it
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Priority == "" {
		rec.Priority = types.PriorityLow
	}
	if rec.EstimatedEffort == "" {
		rec.EstimatedEffort = types.EffortMedium
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idle_tasks (id, type, title, rationale, priority, estimated_effort,
			suggested_workflow, implemented, promoted_task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Type, rec.Title, rec.Rationale, string(rec.Priority), string(rec.EstimatedEffort),
		rec.SuggestedWorkflow, boolToInt(rec.Implemented), rec.PromotedTaskID, fmtTime(rec.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create idle task: %w", err)
	}
	return &rec, nil
}

// GetIdleTask returns one idle task by id.
func (s *Store) GetIdleTask(ctx context.Context, id string) (*types.IdleTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, title, rationale, priority, estimated_effort,
			suggested_workflow, implemented, promoted_task_id, created_at
		FROM idle_tasks WHERE id = ?`, id)
	it, err := scanIdleTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idle task %s: %w", id, ErrNotFound)
	}
	return it, err
}

// ListIdleTasks returns idle tasks, optionally only unimplemented ones, in
// canonical priority order.
func (s *Store) ListIdleTasks(ctx context.Context, onlyOpen bool) ([]*types.IdleTask, error) {
	query := `
		SELECT id, type, title, rationale, priority, estimated_effort,
			suggested_workflow, implemented, promoted_task_id, created_at
		FROM idle_tasks`
	if onlyOpen {
		query += ` WHERE implemented = 0`
	}
	query += ` ORDER BY
		CASE priority WHEN 'urgent' THEN 1 WHEN 'high' THEN 2 WHEN 'normal' THEN 3 WHEN 'low' THEN 4 ELSE 5 END,
		created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("idle task query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var idle []*types.IdleTask
	for rows.Next() {
		it, err := scanIdleTask(rows)
		if err != nil {
			return nil, err
		}
		idle = append(idle, it)
	}
	return idle, rows.Err()
}

// MarkIdleTaskImplemented flags an idle task as done and records the real
// task it was promoted into, if any.
func (s *Store) MarkIdleTaskImplemented(ctx context.Context, id, promotedTaskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idle_tasks SET implemented = 1, promoted_task_id = ? WHERE id = ?`,
		promotedTaskID, id)
	if err != nil {
		return fmt.Errorf("failed to mark idle task implemented: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idle task %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanIdleTask(row rowScanner) (*types.IdleTask, error) {
	var (
		it          types.IdleTask
		priority    string
		effort      string
		implemented int
		createdAt   string
	)
	err := row.Scan(&it.ID, &it.Type, &it.Title, &it.Rationale, &priority, &effort,
		&it.SuggestedWorkflow, &implemented, &it.PromotedTaskID, &createdAt)
	if err != nil {
		return nil, err
	}
	it.Priority = types.TaskPriority(priority)
	it.EstimatedEffort = types.TaskEffort(effort)
	it.Implemented = implemented != 0
	it.CreatedAt = parseTime(createdAt)
	return &it, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
