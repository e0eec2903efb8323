package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/types"
)

func testConversation(n int) []types.ConversationMessage {
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

func TestSaveCheckpointAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, &types.Task{Title: "checkpointed"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		cp := &types.Checkpoint{
			ID:                fmt.Sprintf("%s-%d", task.ID, i),
			TaskID:            task.ID,
			Stage:             "implementation",
			ConversationState: testConversation(2),
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		assert.Equal(t, i, cp.Sequence)
	}

	latest, err := s.GetLatestCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Sequence)
	assert.Equal(t, task.ID+"-3", latest.ID)
}

func TestSaveCheckpointUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, &types.Task{Title: "upserted"})
	require.NoError(t, err)

	cp := &types.Checkpoint{
		ID:                task.ID + "-1",
		TaskID:            task.ID,
		Stage:             "planning",
		ConversationState: testConversation(2),
		StageState:        map[string]any{"step": "outline"},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	cp.Stage = "implementation"
	cp.StageState = map[string]any{"step": "coding"}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "implementation", got.Stage)
	assert.Equal(t, "coding", got.StageState["step"])

	// The upsert did not create a second row.
	cps, err := s.ListCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, &types.Task{Title: "conversational"})
	require.NoError(t, err)

	conversation := []types.ConversationMessage{
		{Role: "user", Content: []types.ContentBlock{{Type: "text", Text: "write a parser"}}},
		{Role: "assistant", Content: []types.ContentBlock{
			{Type: "text", Text: "starting"},
			{Type: "tool_use", ToolName: "write_file", ToolID: "t1", Input: map[string]any{"path": "parser.go"}},
		}},
		{Role: "user", Content: []types.ContentBlock{
			{Type: "tool_result", ToolID: "t1", Output: "ok", IsError: false},
		}},
	}
	cp := &types.Checkpoint{
		ID:                task.ID + "-rt",
		TaskID:            task.ID,
		Stage:             "implementation",
		StageIndex:        1,
		ConversationState: conversation,
		Metadata:          map[string]any{"model": "large"},
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.GetLatestCheckpoint(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.ConversationState, 3)
	assert.Equal(t, "tool_use", got.ConversationState[1].Content[1].Type)
	assert.Equal(t, "write_file", got.ConversationState[1].Content[1].ToolName)
	assert.Equal(t, "ok", got.ConversationState[2].Content[0].Output)
	assert.Equal(t, "large", got.Metadata["model"])
	assert.Equal(t, 1, got.StageIndex)
}

func TestGetLatestCheckpointNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLatestCheckpoint(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCheckpointsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, &types.Task{Title: "aging"})
	require.NoError(t, err)

	old := &types.Checkpoint{
		ID: task.ID + "-old", TaskID: task.ID, Stage: "planning",
		ConversationState: testConversation(1),
		CreatedAt:         time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	recent := &types.Checkpoint{
		ID: task.ID + "-recent", TaskID: task.ID, Stage: "planning",
		ConversationState: testConversation(1),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, old))
	require.NoError(t, s.SaveCheckpoint(ctx, recent))

	n, err := s.DeleteCheckpointsBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetCheckpoint(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCheckpoint(ctx, recent.ID)
	assert.NoError(t, err)
}
