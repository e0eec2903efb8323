package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/workflow"
)

const (
	// defaultMaxCheckpointAge is how old a checkpoint may be and still be
	// resumable.
	defaultMaxCheckpointAge = 24 * time.Hour

	// cleanupRetention is how long checkpoints are kept before CleanupCheckpoints
	// removes them.
	cleanupRetention = 7 * 24 * time.Hour

	// conversationTailLen is how many trailing messages are embedded on the
	// task row as a resume hint.
	conversationTailLen = 3

	// summaryMaxLen bounds the generated context summary.
	summaryMaxLen = 1000
)

// Options configures session recovery behavior.
type Options struct {
	Enabled                bool
	MaxCheckpointAge       time.Duration
	SummarizationThreshold int
}

// SessionStore persists and restores task execution sessions. Checkpoints are
// written twice: a row in the task database (authoritative) and a sidecar
// JSON file under <dataDir>/checkpoints/ that can be inspected or salvaged by
// hand when the database is gone.
type SessionStore struct {
	store     *store.Store
	workflows *workflow.Registry
	broker    *events.Broker
	dir       string
	opts      Options
	logger    zerolog.Logger
}

// RestoredSession is the outcome of RestoreSession.
type RestoredSession struct {
	Task        *types.Task
	Checkpoint  *types.Checkpoint
	ResumePoint *types.ResumePoint
	Summary     string
	CanResume   bool
	Reason      string // why CanResume is false
}

// NewSessionStore creates a session store writing sidecars under
// <dataDir>/checkpoints/.
func NewSessionStore(s *store.Store, workflows *workflow.Registry, broker *events.Broker, dataDir string, opts Options) (*SessionStore, error) {
	dir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create checkpoint directory: %w", err)
	}
	if opts.MaxCheckpointAge <= 0 {
		opts.MaxCheckpointAge = defaultMaxCheckpointAge
	}
	if opts.SummarizationThreshold <= 0 {
		opts.SummarizationThreshold = 50
	}
	return &SessionStore{
		store:     s,
		workflows: workflows,
		broker:    broker,
		dir:       dir,
		opts:      opts,
		logger:    log.WithComponent("session"),
	}, nil
}

// CreateCheckpoint snapshots a task's conversation and stage state. The
// checkpoint id is taskID + "-" + unix milliseconds, so ids sort
// chronologically per task. The task row's session hints are refreshed in the
// same call.
func (ss *SessionStore) CreateCheckpoint(ctx context.Context, task *types.Task, conversation []types.ConversationMessage, stageState map[string]any) (*types.Checkpoint, error) {
	if !ss.opts.Enabled {
		return nil, nil
	}
	if task == nil {
		return nil, fmt.Errorf("checkpoint needs a task")
	}

	now := time.Now().UTC()
	cp := &types.Checkpoint{
		ID:                fmt.Sprintf("%s-%d", task.ID, now.UnixMilli()),
		TaskID:            task.ID,
		Stage:             task.CurrentStage,
		StageIndex:        task.StageIndex,
		ConversationState: conversation,
		StageState:        stageState,
		CreatedAt:         now,
	}
	if err := ss.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("cannot save checkpoint: %w", err)
	}

	if err := ss.writeSidecar(cp); err != nil {
		// The row is authoritative; a sidecar failure is not fatal.
		ss.logger.Warn().Err(err).Str("checkpoint", cp.ID).Msg("cannot write checkpoint sidecar")
	}

	sessionData := &types.SessionData{
		LastCheckpoint:   cp.CreatedAt,
		ContextSummary:   ss.SummarizeContext(conversation),
		ConversationTail: tail(conversation, conversationTailLen),
		StageState:       stageState,
		ResumePoint: &types.ResumePoint{
			Stage:     cp.Stage,
			StepIndex: cp.StageIndex,
		},
	}
	err := ss.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		SessionData:    sessionData,
		LastCheckpoint: &cp.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot record checkpoint on task: %w", err)
	}

	metrics.CheckpointsSaved.Inc()
	ss.logger.Debug().
		Str("task_id", task.ID).
		Str("checkpoint", cp.ID).
		Int("sequence", cp.Sequence).
		Msg("checkpoint created")
	return cp, nil
}

// RestoreSession loads the latest checkpoint for a task and decides whether
// execution can pick up from it. The decision and its reason are returned
// rather than logged away.
func (ss *SessionStore) RestoreSession(ctx context.Context, taskID string) (*RestoredSession, error) {
	task, err := ss.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	out := &RestoredSession{Task: task}
	if !ss.opts.Enabled {
		out.Reason = "session recovery disabled"
		return out, nil
	}

	cp, err := ss.store.GetLatestCheckpoint(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		out.Reason = "no checkpoint"
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Checkpoint = cp

	switch {
	case time.Since(cp.CreatedAt) > ss.opts.MaxCheckpointAge:
		out.Reason = fmt.Sprintf("checkpoint older than %s", ss.opts.MaxCheckpointAge)
	case len(cp.ConversationState) == 0:
		out.Reason = "empty conversation"
	case !ss.stageKnown(task.Workflow, cp.Stage):
		out.Reason = fmt.Sprintf("unknown stage %q", cp.Stage)
	default:
		out.CanResume = true
		out.Summary = ss.SummarizeContext(cp.ConversationState)
		out.ResumePoint = &types.ResumePoint{
			Stage:     cp.Stage,
			StepIndex: cp.StageIndex,
		}
	}

	if out.CanResume {
		ss.broker.Publish(events.Event{
			Type:    events.EventSessionRecovered,
			TaskID:  taskID,
			Message: fmt.Sprintf("session restored from checkpoint %s", cp.ID),
		})
	}
	return out, nil
}

// AutoResume restores a paused or orphaned task's session and, when it is
// resumable, moves the task back to pending. Returns the restored session.
func (ss *SessionStore) AutoResume(ctx context.Context, taskID string) (*RestoredSession, error) {
	restored, err := ss.RestoreSession(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !restored.CanResume {
		return restored, nil
	}

	prev := restored.Task.Status
	if err := ss.store.UpdateTaskStatus(ctx, taskID, types.TaskStatusPending, "", "auto-resume"); err != nil {
		return nil, fmt.Errorf("cannot mark task pending: %w", err)
	}

	ss.broker.Publish(events.Event{
		Type:    events.EventTaskSessionResumed,
		TaskID:  taskID,
		Message: "task session resumed",
		Data: events.SessionResumedPayload{
			TaskID:         taskID,
			ResumeReason:   "auto_resume",
			ContextSummary: restored.Summary,
			PreviousStatus: prev,
			SessionData:    restored.Task.SessionData,
			Timestamp:      time.Now().UTC(),
		},
	})
	return restored, nil
}

// SummarizeContext produces a compact textual summary of a conversation.
// Short conversations are not summarized. The summary carries the message
// count, up to five key-decision sentences, and the tail of the assistant's
// recent output, bounded to 1000 characters.
func (ss *SessionStore) SummarizeContext(conversation []types.ConversationMessage) string {
	if len(conversation) <= ss.opts.SummarizationThreshold {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation of %d messages.", len(conversation))

	decisions := keyDecisions(conversation, 5)
	if len(decisions) > 0 {
		b.WriteString(" Key decisions: ")
		b.WriteString(strings.Join(decisions, " "))
	}

	recent := recentAssistantText(conversation, conversationTailLen)
	if recent != "" {
		b.WriteString(" Recent progress: ")
		b.WriteString(recent)
	}

	summary := b.String()
	if len(summary) > summaryMaxLen {
		summary = summary[:summaryMaxLen]
	}
	return summary
}

// CleanupCheckpoints deletes checkpoints older than the retention period and
// sidecar files whose task row no longer exists. Returns how many checkpoint
// rows were removed.
func (ss *SessionStore) CleanupCheckpoints(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-cleanupRetention)
	removed, err := ss.store.DeleteCheckpointsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(ss.dir)
	if err != nil {
		return removed, fmt.Errorf("cannot read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		if ss.sidecarLive(ctx, id) {
			continue
		}
		if err := os.Remove(filepath.Join(ss.dir, entry.Name())); err != nil {
			ss.logger.Warn().Err(err).Str("sidecar", entry.Name()).Msg("cannot remove sidecar")
		}
	}

	if removed > 0 {
		ss.logger.Info().Int64("removed", removed).Msg("checkpoints cleaned up")
	}
	return removed, nil
}

// DeleteTaskCheckpoints removes all checkpoint rows and sidecars of a task.
func (ss *SessionStore) DeleteTaskCheckpoints(ctx context.Context, taskID string) error {
	cps, err := ss.store.ListCheckpoints(ctx, taskID)
	if err != nil {
		return err
	}
	if err := ss.store.DeleteAllCheckpoints(ctx, taskID); err != nil {
		return err
	}
	for _, cp := range cps {
		_ = os.Remove(ss.sidecarPath(cp.ID))
	}
	return nil
}

// sidecarLive reports whether the checkpoint row behind a sidecar still
// exists and its task row too.
func (ss *SessionStore) sidecarLive(ctx context.Context, checkpointID string) bool {
	cp, err := ss.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return false
	}
	if _, err := ss.store.GetTask(ctx, cp.TaskID); err != nil {
		return false
	}
	return true
}

func (ss *SessionStore) stageKnown(workflowName, stage string) bool {
	if stage == "" {
		return false
	}
	wf, err := ss.workflows.Get(workflowName)
	if err != nil {
		return false
	}
	for _, s := range wf.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

func (ss *SessionStore) writeSidecar(cp *types.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	path := ss.sidecarPath(cp.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (ss *SessionStore) sidecarPath(checkpointID string) string {
	return filepath.Join(ss.dir, checkpointID+".json")
}

// keyDecisions extracts up to max sentences from assistant messages that look
// like committed decisions.
func keyDecisions(conversation []types.ConversationMessage, max int) []string {
	markers := []string{"decided", "chosen", "implemented", "completed"}
	var out []string
	for _, msg := range conversation {
		if msg.Role != "assistant" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type != "text" {
				continue
			}
			for _, sentence := range splitSentences(block.Text) {
				lower := strings.ToLower(sentence)
				for _, marker := range markers {
					if strings.Contains(lower, marker) {
						out = append(out, strings.TrimSpace(sentence))
						break
					}
				}
				if len(out) >= max {
					return out
				}
			}
		}
	}
	return out
}

// recentAssistantText concatenates the text of the last n assistant messages.
func recentAssistantText(conversation []types.ConversationMessage, n int) string {
	var texts []string
	for i := len(conversation) - 1; i >= 0 && len(texts) < n; i-- {
		msg := conversation[i]
		if msg.Role != "assistant" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				texts = append(texts, block.Text)
				break
			}
		}
	}
	// Restore chronological order.
	for i, j := 0, len(texts)-1; i < j; i, j = i+1, j-1 {
		texts[i], texts[j] = texts[j], texts[i]
	}
	joined := strings.Join(texts, " ")
	if len(joined) > summaryMaxLen {
		joined = joined[:summaryMaxLen]
	}
	return joined
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

func tail(msgs []types.ConversationMessage, n int) []types.ConversationMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
