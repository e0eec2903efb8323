package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/workflow"
)

type sessionFixture struct {
	store    *store.Store
	sessions *SessionStore
	broker   *events.Broker
	dir      string
}

func newFixture(t *testing.T, opts Options) *sessionFixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	dataDir := t.TempDir()
	ss, err := NewSessionStore(s, workflow.NewRegistry(), broker, dataDir, opts)
	require.NoError(t, err)

	return &sessionFixture{
		store:    s,
		sessions: ss,
		broker:   broker,
		dir:      filepath.Join(dataDir, "checkpoints"),
	}
}

func (f *sessionFixture) createTask(t *testing.T, stage string) *types.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), &types.Task{
		Title:        "session test",
		Workflow:     "feature",
		CurrentStage: stage,
	})
	require.NoError(t, err)
	return task
}

func conversation(n int) []types.ConversationMessage {
	msgs := make([]types.ConversationMessage, n)
	for i := range msgs {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = types.ConversationMessage{
			Role:    role,
			Content: []types.ContentBlock{{Type: "text", Text: fmt.Sprintf("message %d", i)}},
		}
	}
	return msgs
}

func TestCreateCheckpointWritesRowAndSidecar(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()
	task := f.createTask(t, "implementation")

	cp, err := f.sessions.CreateCheckpoint(ctx, task, conversation(4), map[string]any{"step": "writing"})
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "implementation", cp.Stage)
	assert.Equal(t, 1, cp.Sequence)

	// Authoritative row.
	got, err := f.store.GetLatestCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Len(t, got.ConversationState, 4)

	// Sidecar on disk.
	_, err = os.Stat(filepath.Join(f.dir, cp.ID+".json"))
	assert.NoError(t, err)

	// Task row carries the resume hints.
	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, task.SessionData)
	require.NotNil(t, task.SessionData.ResumePoint)
	assert.Equal(t, "implementation", task.SessionData.ResumePoint.Stage)
	assert.Len(t, task.SessionData.ConversationTail, 3)
	assert.False(t, task.LastCheckpoint.IsZero())
}

func TestCreateCheckpointDisabled(t *testing.T) {
	f := newFixture(t, Options{Enabled: false})
	task := f.createTask(t, "implementation")

	cp, err := f.sessions.CreateCheckpoint(context.Background(), task, conversation(2), nil)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRestoreSessionHappyPath(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()
	task := f.createTask(t, "testing")

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	_, err := f.sessions.CreateCheckpoint(ctx, task, conversation(4), nil)
	require.NoError(t, err)

	restored, err := f.sessions.RestoreSession(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, restored.CanResume)
	assert.Empty(t, restored.Reason)
	require.NotNil(t, restored.ResumePoint)
	assert.Equal(t, "testing", restored.ResumePoint.Stage)

	require.Eventually(t, func() bool {
		select {
		case event := <-sub:
			return event.Type == events.EventSessionRecovered
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestRestoreSessionReasons(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: false})
		task := f.createTask(t, "testing")
		restored, err := f.sessions.RestoreSession(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, restored.CanResume)
		assert.Equal(t, "session recovery disabled", restored.Reason)
	})

	t.Run("no checkpoint", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: true})
		task := f.createTask(t, "testing")
		restored, err := f.sessions.RestoreSession(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, restored.CanResume)
		assert.Equal(t, "no checkpoint", restored.Reason)
	})

	t.Run("too old", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: true, MaxCheckpointAge: time.Hour})
		task := f.createTask(t, "testing")
		cp := &types.Checkpoint{
			ID: task.ID + "-old", TaskID: task.ID, Stage: "testing",
			ConversationState: conversation(2),
			CreatedAt:         time.Now().UTC().Add(-2 * time.Hour),
		}
		require.NoError(t, f.store.SaveCheckpoint(ctx, cp))

		restored, err := f.sessions.RestoreSession(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, restored.CanResume)
		assert.Contains(t, restored.Reason, "older than")
	})

	t.Run("empty conversation", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: true})
		task := f.createTask(t, "testing")
		cp := &types.Checkpoint{ID: task.ID + "-empty", TaskID: task.ID, Stage: "testing"}
		require.NoError(t, f.store.SaveCheckpoint(ctx, cp))

		restored, err := f.sessions.RestoreSession(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, restored.CanResume)
		assert.Equal(t, "empty conversation", restored.Reason)
	})

	t.Run("unknown stage", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: true})
		task := f.createTask(t, "testing")
		cp := &types.Checkpoint{
			ID: task.ID + "-odd", TaskID: task.ID, Stage: "daydreaming",
			ConversationState: conversation(2),
		}
		require.NoError(t, f.store.SaveCheckpoint(ctx, cp))

		restored, err := f.sessions.RestoreSession(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, restored.CanResume)
		assert.Contains(t, restored.Reason, "daydreaming")
	})

	t.Run("missing task", func(t *testing.T) {
		f := newFixture(t, Options{Enabled: true})
		_, err := f.sessions.RestoreSession(ctx, "no-such-task")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAutoResumeMovesTaskToPending(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()
	task := f.createTask(t, "implementation")

	_, err := f.sessions.CreateCheckpoint(ctx, task, conversation(4), nil)
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPaused, "", string(types.PauseReasonUsageLimit)))

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	restored, err := f.sessions.AutoResume(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, restored.CanResume)

	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)

	require.Eventually(t, func() bool {
		select {
		case event := <-sub:
			if event.Type != events.EventTaskSessionResumed {
				return false
			}
			payload, ok := event.Data.(events.SessionResumedPayload)
			return ok && payload.PreviousStatus == types.TaskStatusPaused
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestAutoResumeNotResumableLeavesTaskAlone(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()
	task := f.createTask(t, "implementation")
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPaused, "", string(types.PauseReasonManual)))

	restored, err := f.sessions.AutoResume(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, restored.CanResume)

	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, task.Status)
}

func TestSummarizeContext(t *testing.T) {
	f := newFixture(t, Options{Enabled: true, SummarizationThreshold: 10})

	// At or below threshold: no summary.
	assert.Empty(t, f.sessions.SummarizeContext(conversation(9)))
	assert.Empty(t, f.sessions.SummarizeContext(conversation(10)))

	msgs := conversation(12)
	msgs[5] = types.ConversationMessage{
		Role:    "assistant",
		Content: []types.ContentBlock{{Type: "text", Text: "Decided to use a single writer. Other text here."}},
	}
	summary := f.sessions.SummarizeContext(msgs)
	assert.Contains(t, summary, "Conversation of 12 messages")
	assert.Contains(t, summary, "Decided to use a single writer")
	assert.Contains(t, summary, "Recent progress")
	assert.LessOrEqual(t, len(summary), 1000)
}

func TestCleanupCheckpointsRemovesOrphanSidecars(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()

	task := f.createTask(t, "implementation")
	cp, err := f.sessions.CreateCheckpoint(ctx, task, conversation(2), nil)
	require.NoError(t, err)

	// A sidecar with no backing row.
	orphan := filepath.Join(f.dir, "ghost-checkpoint.json")
	require.NoError(t, os.WriteFile(orphan, []byte("{}"), 0o644))

	_, err = f.sessions.CleanupCheckpoints(ctx)
	require.NoError(t, err)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.dir, cp.ID+".json"))
	assert.NoError(t, err)
}

func TestDeleteTaskCheckpoints(t *testing.T) {
	f := newFixture(t, Options{Enabled: true})
	ctx := context.Background()

	task := f.createTask(t, "implementation")
	cp, err := f.sessions.CreateCheckpoint(ctx, task, conversation(2), nil)
	require.NoError(t, err)

	require.NoError(t, f.sessions.DeleteTaskCheckpoints(ctx, task.ID))

	_, err = f.store.GetLatestCheckpoint(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.dir, cp.ID+".json"))
	assert.True(t, os.IsNotExist(err))
}
