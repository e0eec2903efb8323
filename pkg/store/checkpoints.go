package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apexhq/apex/pkg/types"
)

// SaveCheckpoint writes a checkpoint row, upserting on id. A zero Sequence is
// assigned the next sequence number for the task inside the same transaction.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp == nil || cp.TaskID == "" || cp.ID == "" {
		return fmt.Errorf("%w: checkpoint needs id and task id", ErrInvalidInput)
	}

	conversation, err := json.Marshal(cp.ConversationState)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	var stageState, metadata any
	if cp.StageState != nil {
		data, err := json.Marshal(cp.StageState)
		if err != nil {
			return fmt.Errorf("failed to marshal stage state: %w", err)
		}
		stageState = string(data)
	}
	if cp.Metadata != nil {
		data, err := json.Marshal(cp.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if cp.Sequence == 0 {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM checkpoints WHERE task_id = ?`, cp.TaskID).Scan(&max); err != nil {
			return fmt.Errorf("failed to read checkpoint sequence: %w", err)
		}
		cp.Sequence = int(max.Int64) + 1
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, sequence, stage, stage_index, conversation, stage_state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage,
			stage_index = excluded.stage_index,
			conversation = excluded.conversation,
			stage_state = excluded.stage_state,
			metadata = excluded.metadata`,
		cp.ID, cp.TaskID, cp.Sequence, cp.Stage, cp.StageIndex,
		string(conversation), stageState, metadata, fmtTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

// GetCheckpoint returns one checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, sequence, stage, stage_index, conversation, stage_state, metadata, created_at
		FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cp, err
}

// GetLatestCheckpoint returns the newest checkpoint for a task, the one used
// for resume. Returns ErrNotFound when the task has no checkpoints.
func (s *Store) GetLatestCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, sequence, stage, stage_index, conversation, stage_state, metadata, created_at
		FROM checkpoints WHERE task_id = ?
		ORDER BY sequence DESC LIMIT 1`, taskID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no checkpoint for task %s: %w", taskID, ErrNotFound)
	}
	return cp, err
}

// ListCheckpoints returns all checkpoints for a task ordered by creation.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sequence, stage, stage_index, conversation, stage_state, metadata, created_at
		FROM checkpoints WHERE task_id = ?
		ORDER BY sequence ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*types.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// DeleteCheckpoint removes one checkpoint by id.
func (s *Store) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", id, err)
	}
	return nil
}

// DeleteAllCheckpoints removes every checkpoint of a task.
func (s *Store) DeleteAllCheckpoints(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints for %s: %w", taskID, err)
	}
	return nil
}

// DeleteCheckpointsBefore removes checkpoints created before the cutoff,
// returning how many were removed. Used by the session store's cleanup pass.
func (s *Store) DeleteCheckpointsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("checkpoint cleanup failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanCheckpoint(row rowScanner) (*types.Checkpoint, error) {
	var (
		cp                   types.Checkpoint
		conversation         string
		stageState, metadata sql.NullString
		createdAt            string
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.Sequence, &cp.Stage, &cp.StageIndex,
		&conversation, &stageState, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conversation), &cp.ConversationState); err != nil {
		return nil, fmt.Errorf("corrupt conversation for checkpoint %s: %w", cp.ID, err)
	}
	if stageState.Valid && stageState.String != "" {
		if err := json.Unmarshal([]byte(stageState.String), &cp.StageState); err != nil {
			return nil, fmt.Errorf("corrupt stage state for checkpoint %s: %w", cp.ID, err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for checkpoint %s: %w", cp.ID, err)
		}
	}
	cp.CreatedAt = parseTime(createdAt)
	return &cp, nil
}
