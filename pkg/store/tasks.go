package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexhq/apex/pkg/types"
)

// orderByPriority is the canonical task ordering: priority rank, then effort
// rank, then creation time ascending. Unknown priorities sort last, unknown
// efforts rank as medium. Keep in sync with types.PriorityRank/EffortRank.
const orderByPriority = `
	CASE priority WHEN 'urgent' THEN 1 WHEN 'high' THEN 2 WHEN 'normal' THEN 3 WHEN 'low' THEN 4 ELSE 5 END,
	CASE effort WHEN 'xs' THEN 1 WHEN 'small' THEN 2 WHEN 'medium' THEN 3 WHEN 'large' THEN 4 WHEN 'xl' THEN 5 ELSE 3 END,
	created_at ASC`

const taskColumns = `id, project_path, workflow, title, description, parent_task_id, subtask_ids,
	priority, effort, autonomy, status, current_stage, stage_index,
	retry_count, max_retries, resume_attempts,
	created_at, updated_at, completed_at, paused_at, resume_after, pause_reason, error,
	input_tokens, output_tokens, total_tokens, estimated_cost,
	workspace, session_data, last_checkpoint`

// noBlockerExists filters to tasks whose every dependency is completed or
// cancelled. Dependencies on unknown task ids block forever by design: a
// dangling edge means the blocker was never created, not that it finished.
const noBlockerExists = `NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		LEFT JOIN tasks b ON b.id = d.blocking_task_id
		WHERE d.task_id = tasks.id
		  AND (b.id IS NULL OR b.status NOT IN ('completed', 'cancelled'))
	)`

// CreateTask inserts a task and its dependency edges atomically. A missing ID
// is assigned; counters and timestamps are initialized. Input whose
// dependency set would form a cycle is rejected with ErrInvalidDependency and
// nothing is written.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidInput)
	}
	if err := validateTask(task); err != nil {
		return nil, err
	}

	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = types.PriorityNormal
	}
	if t.Effort == "" {
		t.Effort = types.EffortMedium
	}
	if t.Autonomy == "" {
		t.Autonomy = types.AutonomyReview
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Dependency edges must stay acyclic. Check each edge against the graph
	// as it would exist after this insert.
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return nil, fmt.Errorf("%w: task %s cannot depend on itself", ErrInvalidDependency, t.ID)
		}
		cyclic, err := wouldCreateCycle(ctx, tx, t.ID, dep)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, fmt.Errorf("%w: edge %s -> %s forms a cycle", ErrInvalidDependency, t.ID, dep)
		}
	}

	subtasks, workspace, session, err := marshalTaskJSON(&t)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, project_path, workflow, title, description, parent_task_id, subtask_ids,
			priority, effort, autonomy, status, current_stage, stage_index,
			retry_count, max_retries, resume_attempts,
			created_at, updated_at, completed_at, paused_at, resume_after, pause_reason, error,
			input_tokens, output_tokens, total_tokens, estimated_cost,
			workspace, session_data, last_checkpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectPath, t.Workflow, t.Title, t.Description, t.ParentTaskID, subtasks,
		string(t.Priority), string(t.Effort), string(t.Autonomy), string(t.Status), t.CurrentStage, t.StageIndex,
		t.RetryCount, t.MaxRetries, t.ResumeAttempts,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtNullTime(t.CompletedAt), fmtNullTime(t.PausedAt),
		fmtNullTime(t.ResumeAfter), nullString(string(t.PauseReason)), t.Error,
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.TotalTokens, t.Usage.EstimatedCost,
		workspace, session, fmtNullTime(t.LastCheckpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_dependencies (task_id, blocking_task_id, created_at)
			VALUES (?, ?, ?)`, t.ID, dep, fmtTime(now)); err != nil {
			return nil, fmt.Errorf("failed to insert dependency: %w", err)
		}
	}

	// Register this task as a subtask of its parent.
	if t.ParentTaskID != "" {
		if err := appendSubtask(ctx, tx, t.ParentTaskID, t.ID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return s.GetTask(ctx, t.ID)
}

func validateTask(t *types.Task) error {
	if t.Priority != "" && types.PriorityRank(t.Priority) == 5 {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, t.Priority)
	}
	switch t.Effort {
	case "", types.EffortXS, types.EffortSmall, types.EffortMedium, types.EffortLarge, types.EffortXL:
	default:
		return fmt.Errorf("%w: unknown effort %q", ErrInvalidInput, t.Effort)
	}
	switch t.Status {
	case "", types.TaskStatusPending, types.TaskStatusInProgress, types.TaskStatusPaused,
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, t.Status)
	}
	return nil
}

func appendSubtask(ctx context.Context, tx *sql.Tx, parentID, childID string, now time.Time) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT subtask_ids FROM tasks WHERE id = ?`, parentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Parent not persisted yet; the caller wires subtask ids explicitly.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load parent %s: %w", parentID, err)
	}
	var ids []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fmt.Errorf("corrupt subtask_ids on %s: %w", parentID, err)
		}
	}
	for _, id := range ids {
		if id == childID {
			return nil
		}
	}
	ids = append(ids, childID)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET subtask_ids = ?, updated_at = ? WHERE id = ?`,
		string(data), fmtTime(now), parentID)
	return err
}

// GetTask returns a task with logs, artifacts, dependency set and unresolved
// blockers eagerly loaded. Returns ErrNotFound for unknown ids.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if task.DependsOn, err = s.GetDependencies(ctx, id); err != nil {
		return nil, err
	}
	if task.BlockedBy, err = s.unresolvedBlockers(ctx, id); err != nil {
		return nil, err
	}
	if task.Logs, err = s.taskLogs(ctx, id); err != nil {
		return nil, err
	}
	if task.Artifacts, err = s.taskArtifacts(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskUpdate is a partial update: only non-nil fields are written. Pointer
// time fields set to the zero time clear the column to NULL; PauseReason set
// to the empty string clears it. UpdatedAt is bumped to now unless provided.
type TaskUpdate struct {
	Title          *string
	Description    *string
	Status         *types.TaskStatus
	Priority       *types.TaskPriority
	Effort         *types.TaskEffort
	CurrentStage   *string
	StageIndex     *int
	RetryCount     *int
	ResumeAttempts *int
	CompletedAt    *time.Time
	PausedAt       *time.Time
	ResumeAfter    *time.Time
	PauseReason    *types.PauseReason
	Error          *string
	Usage          *types.TaskUsage
	Workspace      *types.WorkspaceInfo
	SessionData    *types.SessionData
	LastCheckpoint *time.Time
	SubtaskIDs     *[]string
	UpdatedAt      *time.Time
}

// UpdateTask applies a partial update atomically.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	set := make([]string, 0, 16)
	args := make([]any, 0, 16)

	add := func(clause string, v any) {
		set = append(set, clause)
		args = append(args, v)
	}

	if upd.Title != nil {
		add("title = ?", *upd.Title)
	}
	if upd.Description != nil {
		add("description = ?", *upd.Description)
	}
	if upd.Status != nil {
		add("status = ?", string(*upd.Status))
	}
	if upd.Priority != nil {
		add("priority = ?", string(*upd.Priority))
	}
	if upd.Effort != nil {
		add("effort = ?", string(*upd.Effort))
	}
	if upd.CurrentStage != nil {
		add("current_stage = ?", *upd.CurrentStage)
	}
	if upd.StageIndex != nil {
		add("stage_index = ?", *upd.StageIndex)
	}
	if upd.RetryCount != nil {
		add("retry_count = ?", *upd.RetryCount)
	}
	if upd.ResumeAttempts != nil {
		add("resume_attempts = ?", *upd.ResumeAttempts)
	}
	if upd.CompletedAt != nil {
		add("completed_at = ?", fmtNullTime(*upd.CompletedAt))
	}
	if upd.PausedAt != nil {
		add("paused_at = ?", fmtNullTime(*upd.PausedAt))
	}
	if upd.ResumeAfter != nil {
		add("resume_after = ?", fmtNullTime(*upd.ResumeAfter))
	}
	if upd.PauseReason != nil {
		add("pause_reason = ?", nullString(string(*upd.PauseReason)))
	}
	if upd.Error != nil {
		add("error = ?", *upd.Error)
	}
	if upd.Usage != nil {
		add("input_tokens = ?", upd.Usage.InputTokens)
		add("output_tokens = ?", upd.Usage.OutputTokens)
		add("total_tokens = ?", upd.Usage.TotalTokens)
		add("estimated_cost = ?", upd.Usage.EstimatedCost)
	}
	if upd.Workspace != nil {
		data, err := json.Marshal(upd.Workspace)
		if err != nil {
			return fmt.Errorf("failed to marshal workspace: %w", err)
		}
		add("workspace = ?", string(data))
	}
	if upd.SessionData != nil {
		data, err := json.Marshal(upd.SessionData)
		if err != nil {
			return fmt.Errorf("failed to marshal session data: %w", err)
		}
		add("session_data = ?", string(data))
	}
	if upd.LastCheckpoint != nil {
		add("last_checkpoint = ?", fmtNullTime(*upd.LastCheckpoint))
	}
	if upd.SubtaskIDs != nil {
		data, err := json.Marshal(*upd.SubtaskIDs)
		if err != nil {
			return err
		}
		add("subtask_ids = ?", string(data))
	}

	if len(set) == 0 && upd.UpdatedAt == nil {
		return nil
	}

	if upd.UpdatedAt != nil {
		add("updated_at = ?", fmtTime(*upd.UpdatedAt))
	} else {
		add("updated_at = ?", fmtTime(time.Now()))
	}

	query := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus transitions a task with the status-specific side effects:
// completed sets completed_at and zeroes resume_attempts, paused sets
// paused_at and records the message as the pause reason, failed/cancelled
// record the message as the error.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status types.TaskStatus, stage, message string) error {
	now := time.Now().UTC()
	upd := TaskUpdate{Status: &status}
	if stage != "" {
		upd.CurrentStage = &stage
	}
	switch status {
	case types.TaskStatusCompleted:
		upd.CompletedAt = &now
		zero := 0
		upd.ResumeAttempts = &zero
	case types.TaskStatusPaused:
		upd.PausedAt = &now
		reason := types.PauseReason(message)
		if reason == "" {
			reason = types.PauseReasonOther
		}
		upd.PauseReason = &reason
	case types.TaskStatusFailed, types.TaskStatusCancelled:
		upd.Error = &message
	case types.TaskStatusPending:
		// Re-queue: clear any stale pause bookkeeping.
		var zeroTime time.Time
		empty := types.PauseReason("")
		upd.PausedAt = &zeroTime
		upd.ResumeAfter = &zeroTime
		upd.PauseReason = &empty
	}
	return s.UpdateTask(ctx, id, upd)
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Status          types.TaskStatus
	ProjectPath     string
	CreatedAfter    time.Time
	OrderByPriority bool
	Limit           int
	Offset          int
}

// ListTasks returns tasks matching the filter, without eager-loaded children.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	var where []string
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ProjectPath != "" {
		where = append(where, "project_path = ?")
		args = append(args, filter.ProjectPath)
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, fmtTime(filter.CreatedAfter))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	if filter.OrderByPriority {
		query += " ORDER BY" + orderByPriority
	} else {
		query += " ORDER BY created_at ASC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return s.queryTasks(ctx, query, args...)
}

// GetReadyTasks returns pending tasks with no unresolved blocking dependency,
// in canonical priority order when requested.
func (s *Store) GetReadyTasks(ctx context.Context, limit int, byPriority bool) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'pending' AND ` + noBlockerExists
	if byPriority {
		query += " ORDER BY" + orderByPriority
	} else {
		query += " ORDER BY created_at ASC"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTasks(ctx, query)
}

// GetPausedTasksForResume returns paused tasks whose pause reason allows
// automatic resume and whose resume_after, if set, has passed.
func (s *Store) GetPausedTasksForResume(ctx context.Context) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'paused'
		  AND pause_reason IN ('usage_limit', 'budget', 'capacity', 'container_failure')
		  AND (resume_after IS NULL OR resume_after <= ?)
		ORDER BY` + orderByPriority
	return s.queryTasks(ctx, query, fmtTime(time.Now()))
}

// FindHighestPriorityParentTask returns the best resumable paused task that
// has subtasks, or ErrNotFound. Parents resume before leaves because they
// gate their subtasks.
func (s *Store) FindHighestPriorityParentTask(ctx context.Context) (*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'paused'
		  AND pause_reason IN ('usage_limit', 'budget', 'capacity', 'container_failure')
		  AND (resume_after IS NULL OR resume_after <= ?)
		  AND subtask_ids IS NOT NULL AND subtask_ids != '[]' AND subtask_ids != ''
		ORDER BY` + orderByPriority + `
		LIMIT 1`
	tasks, err := s.queryTasks(ctx, query, fmtTime(time.Now()))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrNotFound
	}
	return tasks[0], nil
}

// GetOrphanedTasks returns in-progress tasks whose updated_at is older than
// the staleness cutoff, oldest first.
func (s *Store) GetOrphanedTasks(ctx context.Context, staleness time.Duration) ([]*types.Task, error) {
	cutoff := time.Now().Add(-staleness)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = 'in-progress' AND updated_at < ?
		ORDER BY updated_at ASC`
	return s.queryTasks(ctx, query, fmtTime(cutoff))
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteTask removes a task and all of its children: dependencies in both
// directions, logs, artifacts, gates and checkpoints.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = ? OR blocking_task_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed cascade delete: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM task_logs WHERE task_id = ?`,
		`DELETE FROM task_artifacts WHERE task_id = ?`,
		`DELETE FROM gates WHERE task_id = ?`,
		`DELETE FROM checkpoints WHERE task_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed cascade delete: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return tx.Commit()
}

// AddTaskLog appends a log entry to a task.
func (s *Store) AddTaskLog(ctx context.Context, entry *types.LogEntry) error {
	var metadata any
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
		metadata = string(data)
	}
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, level, stage, agent, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Level, entry.Stage, entry.Agent, entry.Message, metadata, fmtTime(at))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// AddArtifact attaches an artifact to a task.
func (s *Store) AddArtifact(ctx context.Context, a *types.Artifact) error {
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_artifacts (task_id, name, type, path, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.Name, a.Type, a.Path, a.Content, fmtTime(at))
	if err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

func (s *Store) taskLogs(ctx context.Context, taskID string) ([]*types.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, level, stage, agent, message, metadata, created_at
		FROM task_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.LogEntry
	for rows.Next() {
		var e types.LogEntry
		var metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Level, &e.Stage, &e.Agent, &e.Message, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt log metadata: %w", err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) taskArtifacts(ctx context.Context, taskID string) ([]*types.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, name, type, path, content, created_at
		FROM task_artifacts WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*types.Artifact
	for rows.Next() {
		var a types.Artifact
		var createdAt string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.Type, &a.Path, &a.Content, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                              types.Task
		subtasks                       string
		priority, effort, autonomy     string
		status                         string
		createdAt, updatedAt           string
		completedAt, pausedAt          sql.NullString
		resumeAfter, pauseReason       sql.NullString
		workspace, session, checkpoint sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectPath, &t.Workflow, &t.Title, &t.Description, &t.ParentTaskID, &subtasks,
		&priority, &effort, &autonomy, &status, &t.CurrentStage, &t.StageIndex,
		&t.RetryCount, &t.MaxRetries, &t.ResumeAttempts,
		&createdAt, &updatedAt, &completedAt, &pausedAt, &resumeAfter, &pauseReason, &t.Error,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.TotalTokens, &t.Usage.EstimatedCost,
		&workspace, &session, &checkpoint)
	if err != nil {
		return nil, err
	}

	t.Priority = types.TaskPriority(priority)
	t.Effort = types.TaskEffort(effort)
	t.Autonomy = types.TaskAutonomy(autonomy)
	t.Status = types.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.CompletedAt = parseNullTime(completedAt)
	t.PausedAt = parseNullTime(pausedAt)
	t.ResumeAfter = parseNullTime(resumeAfter)
	t.LastCheckpoint = parseNullTime(checkpoint)
	if pauseReason.Valid {
		t.PauseReason = types.PauseReason(pauseReason.String)
	}

	if subtasks != "" {
		if err := json.Unmarshal([]byte(subtasks), &t.SubtaskIDs); err != nil {
			return nil, fmt.Errorf("corrupt subtask_ids for %s: %w", t.ID, err)
		}
	}
	if workspace.Valid && workspace.String != "" {
		if err := json.Unmarshal([]byte(workspace.String), &t.Workspace); err != nil {
			return nil, fmt.Errorf("corrupt workspace for %s: %w", t.ID, err)
		}
	}
	if session.Valid && session.String != "" {
		if err := json.Unmarshal([]byte(session.String), &t.SessionData); err != nil {
			return nil, fmt.Errorf("corrupt session_data for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func marshalTaskJSON(t *types.Task) (subtasks string, workspace, session any, err error) {
	ids := t.SubtaskIDs
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", nil, nil, err
	}
	subtasks = string(data)

	if t.Workspace != nil {
		data, err := json.Marshal(t.Workspace)
		if err != nil {
			return "", nil, nil, err
		}
		workspace = string(data)
	}
	if t.SessionData != nil {
		data, err := json.Marshal(t.SessionData)
		if err != nil {
			return "", nil, nil, err
		}
		session = string(data)
	}
	return subtasks, workspace, session, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
