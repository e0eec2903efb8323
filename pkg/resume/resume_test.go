package resume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
)

type resumeFixture struct {
	store   *store.Store
	broker  *events.Broker
	tracker *usage.Tracker
	ctl     *Controller
}

func newResumeFixture(t *testing.T, limits types.ModeThresholds, maxAttempts int) *resumeFixture {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	tracker := usage.NewTracker(limits, config.TimeBasedUsageConfig{}, nil)
	return &resumeFixture{
		store:   s,
		broker:  broker,
		tracker: tracker,
		ctl:     NewController(s, broker, tracker, maxAttempts),
	}
}

func (f *resumeFixture) pauseTask(t *testing.T, title string, priority types.TaskPriority, reason types.PauseReason, attempts int) *types.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.store.CreateTask(context.Background(), &types.Task{Title: title, Priority: priority})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPaused, "", string(reason)))
	if attempts > 0 {
		require.NoError(t, f.store.UpdateTask(ctx, task.ID, store.TaskUpdate{ResumeAttempts: &attempts}))
	}
	task, err = f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return task
}

func TestResumeBatchRespectsHeadroom(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{MaxConcurrentTasks: 2}, 3)
	ctx := context.Background()

	a := f.pauseTask(t, "a", types.PriorityHigh, types.PauseReasonUsageLimit, 0)
	b := f.pauseTask(t, "b", types.PriorityNormal, types.PauseReasonCapacity, 0)
	c := f.pauseTask(t, "c", types.PriorityLow, types.PauseReasonBudget, 0)

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	f.ctl.resumeBatch(types.RestoreMidnightReset)

	statuses := map[string]types.TaskStatus{}
	for _, task := range []*types.Task{a, b, c} {
		got, err := f.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		statuses[got.Title] = got.Status
	}
	// Headroom of 2: the two highest-priority tasks resume, the third waits.
	assert.Equal(t, types.TaskStatusPending, statuses["a"])
	assert.Equal(t, types.TaskStatusPending, statuses["b"])
	assert.Equal(t, types.TaskStatusPaused, statuses["c"])

	// One aggregate event follows the per-task ones.
	var batch *events.AutoResumedPayload
	deadline := time.After(time.Second)
	for batch == nil {
		select {
		case event := <-sub:
			if event.Type == events.EventTasksAutoResumed {
				payload := event.Data.(events.AutoResumedPayload)
				batch = &payload
			}
		case <-deadline:
			t.Fatal("no tasks:auto-resumed event")
		}
	}
	assert.Equal(t, types.RestoreMidnightReset, batch.Reason)
	assert.Equal(t, 2, batch.ResumedCount)
}

func TestResumeBatchParentTakesWholeBatch(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{MaxConcurrentTasks: 2}, 3)
	ctx := context.Background()

	leaf := f.pauseTask(t, "urgent leaf", types.PriorityUrgent, types.PauseReasonCapacity, 0)
	parent := f.pauseTask(t, "low parent", types.PriorityLow, types.PauseReasonCapacity, 0)
	subtasks := []string{leaf.ID}
	require.NoError(t, f.store.UpdateTask(ctx, parent.ID, store.TaskUpdate{SubtaskIDs: &subtasks}))

	f.ctl.resumeBatch(types.RestoreCapacityDropped)

	// The paused parent resumes alone even with headroom to spare; the leaf
	// waits for a later restore.
	got, err := f.store.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)

	got, err = f.store.GetTask(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, got.Status)
}

func TestResumeBatchSkipsManualPauses(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{}, 3)
	ctx := context.Background()

	manual := f.pauseTask(t, "hands off", types.PriorityHigh, types.PauseReasonManual, 0)
	f.ctl.resumeBatch(types.RestoreCapacityDropped)

	got, err := f.store.GetTask(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPaused, got.Status)
}

func TestResumeIncrementsAttemptsAndClearsPause(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{}, 3)
	ctx := context.Background()

	task := f.pauseTask(t, "bookkept", types.PriorityNormal, types.PauseReasonUsageLimit, 1)
	require.NoError(t, f.ctl.ResumeTask(ctx, task.ID, "manual"))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Equal(t, 2, got.ResumeAttempts)
	assert.Empty(t, string(got.PauseReason))
	assert.True(t, got.PausedAt.IsZero())
}

func TestResumeCapExceededFailsTask(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{}, 3)
	ctx := context.Background()

	task := f.pauseTask(t, "worn out", types.PriorityNormal, types.PauseReasonUsageLimit, 3)

	err := f.ctl.ResumeTask(ctx, task.ID, "manual")
	assert.ErrorIs(t, err, ErrNotResumable)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "max resume attempts exceeded")
}

func TestResumeTaskRejectsNonPaused(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{}, 3)
	ctx := context.Background()

	task, err := f.store.CreateTask(ctx, &types.Task{Title: "still pending"})
	require.NoError(t, err)

	err = f.ctl.ResumeTask(ctx, task.ID, "manual")
	assert.ErrorIs(t, err, ErrNotResumable)

	err = f.ctl.ResumeTask(ctx, "no-such-task", "manual")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCapacityRestoredEventTriggersBatch(t *testing.T) {
	f := newResumeFixture(t, types.ModeThresholds{}, 3)
	ctx := context.Background()

	task := f.pauseTask(t, "event driven", types.PriorityNormal, types.PauseReasonCapacity, 0)

	f.ctl.Start()
	defer f.ctl.Stop()

	f.broker.Publish(events.Event{
		Type: events.EventCapacityRestored,
		Data: events.CapacityRestoredPayload{Reason: types.RestoreModeSwitch},
	})

	require.Eventually(t, func() bool {
		got, err := f.store.GetTask(ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusPending
	}, 2*time.Second, 20*time.Millisecond)
}
