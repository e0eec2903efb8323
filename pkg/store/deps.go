package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// queryer abstracts *sql.DB and *sql.Tx for the traversal helpers.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// AddDependency inserts the edge task -> blockingTask. Duplicate edges are
// ignored; edges that would make the graph cyclic are rejected with
// ErrInvalidDependency.
func (s *Store) AddDependency(ctx context.Context, taskID, blockingTaskID string) error {
	if taskID == blockingTaskID {
		return fmt.Errorf("%w: task %s cannot depend on itself", ErrInvalidDependency, taskID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cyclic, err := wouldCreateCycle(ctx, tx, taskID, blockingTaskID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%w: edge %s -> %s forms a cycle", ErrInvalidDependency, taskID, blockingTaskID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, blocking_task_id, created_at)
		VALUES (?, ?, ?)`, taskID, blockingTaskID, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert dependency: %w", err)
	}
	return tx.Commit()
}

// RemoveDependency deletes the edge task -> blockingTask if present.
func (s *Store) RemoveDependency(ctx context.Context, taskID, blockingTaskID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM task_dependencies WHERE task_id = ? AND blocking_task_id = ?`,
		taskID, blockingTaskID)
	if err != nil {
		return fmt.Errorf("failed to remove dependency: %w", err)
	}
	return nil
}

// GetDependencies returns the ids this task waits on.
func (s *Store) GetDependencies(ctx context.Context, taskID string) ([]string, error) {
	return queryIDs(ctx, s.db, `
		SELECT blocking_task_id FROM task_dependencies
		WHERE task_id = ? ORDER BY created_at ASC`, taskID)
}

// GetDependents returns the ids of tasks waiting on this one.
func (s *Store) GetDependents(ctx context.Context, taskID string) ([]string, error) {
	return queryIDs(ctx, s.db, `
		SELECT task_id FROM task_dependencies
		WHERE blocking_task_id = ? ORDER BY created_at ASC`, taskID)
}

// IsTaskReady reports whether the task is pending with every dependency in a
// terminal, non-failed state (completed or cancelled).
func (s *Store) IsTaskReady(ctx context.Context, taskID string) (bool, error) {
	var ready bool
	err := s.db.QueryRowContext(ctx, `
		SELECT status = 'pending' AND `+noBlockerExists+`
		FROM tasks WHERE id = ?`, taskID).Scan(&ready)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("readiness query failed: %w", err)
	}
	return ready, nil
}

// unresolvedBlockers returns the subset of a task's dependencies that are not
// yet completed or cancelled.
func (s *Store) unresolvedBlockers(ctx context.Context, taskID string) ([]string, error) {
	return queryIDs(ctx, s.db, `
		SELECT d.blocking_task_id FROM task_dependencies d
		LEFT JOIN tasks b ON b.id = d.blocking_task_id
		WHERE d.task_id = ?
		  AND (b.id IS NULL OR b.status NOT IN ('completed', 'cancelled'))
		ORDER BY d.created_at ASC`, taskID)
}

// wouldCreateCycle reports whether adding taskID -> blockingTaskID closes a
// cycle: it walks the existing dependency graph transitively from the
// prospective blocker looking for a path back to taskID.
func wouldCreateCycle(ctx context.Context, q queryer, taskID, blockingTaskID string) (bool, error) {
	visited := map[string]bool{}
	frontier := []string{blockingTaskID}
	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		next, err := queryIDs(ctx, q, `
			SELECT blocking_task_id FROM task_dependencies WHERE task_id = ?`, current)
		if err != nil {
			return false, err
		}
		frontier = append(frontier, next...)
	}
	return false, nil
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("id query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
