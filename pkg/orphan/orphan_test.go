package orphan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
)

func newOrphanStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// makeOrphan creates a task stuck in in-progress with a stale updated_at.
func makeOrphan(t *testing.T, s *store.Store, title string, age time.Duration, retries, maxRetries int) *types.Task {
	t.Helper()
	ctx := context.Background()
	task, err := s.CreateTask(ctx, &types.Task{Title: title, MaxRetries: maxRetries})
	require.NoError(t, err)

	inProgress := types.TaskStatusInProgress
	staleAt := time.Now().UTC().Add(-age)
	require.NoError(t, s.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:     &inProgress,
		RetryCount: &retries,
		UpdatedAt:  &staleAt,
	}))
	task, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return task
}

func newTestBroker(t *testing.T) (*events.Broker, events.Subscriber) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(sub) })
	return broker, sub
}

func collectEvents(sub events.Subscriber, n int) []events.Event {
	var out []events.Event
	deadline := time.After(time.Second)
	for len(out) < n {
		select {
		case event := <-sub:
			out = append(out, event)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestRecoverOrphansRequeuesByDefault(t *testing.T) {
	s := newOrphanStore(t)
	broker, sub := newTestBroker(t)
	ctx := context.Background()

	task := makeOrphan(t, s, "abandoned", 2*time.Hour, 0, 3)
	d := NewDetector(s, broker, types.RecoverPending, time.Hour)

	n, err := d.RecoverOrphans(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)

	evs := collectEvents(sub, 2)
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventOrphanDetected, evs[0].Type)
	detected := evs[0].Data.(events.OrphanDetectedPayload)
	assert.Equal(t, ReasonStartup, detected.Reason)
	require.Len(t, detected.Tasks, 1)

	assert.Equal(t, events.EventOrphanRecovered, evs[1].Type)
	recovered := evs[1].Data.(events.OrphanRecoveredPayload)
	assert.Equal(t, "reset_pending", recovered.Action)
	assert.Equal(t, types.TaskStatusPending, recovered.NewStatus)
}

func TestRecoverOrphansFailPolicy(t *testing.T) {
	s := newOrphanStore(t)
	broker, sub := newTestBroker(t)
	ctx := context.Background()

	task := makeOrphan(t, s, "doomed", 2*time.Hour, 0, 3)
	d := NewDetector(s, broker, types.RecoverFail, time.Hour)

	n, err := d.RecoverOrphans(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, "orphaned after restart", got.Error)

	evs := collectEvents(sub, 2)
	require.Len(t, evs, 2)
	recovered := evs[1].Data.(events.OrphanRecoveredPayload)
	assert.Equal(t, "marked_failed", recovered.Action)
}

func TestRecoverOrphansRetryPolicy(t *testing.T) {
	s := newOrphanStore(t)
	broker, sub := newTestBroker(t)
	ctx := context.Background()

	withBudget := makeOrphan(t, s, "retryable", 2*time.Hour, 1, 3)
	exhausted := makeOrphan(t, s, "spent", 2*time.Hour, 3, 3)

	d := NewDetector(s, broker, types.RecoverRetry, time.Hour)
	n, err := d.RecoverOrphans(ctx, ReasonPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	evs := collectEvents(sub, 3)
	require.Len(t, evs, 3)
	actions := make(map[string]string)
	for _, event := range evs[1:] {
		recovered := event.Data.(events.OrphanRecoveredPayload)
		actions[recovered.TaskID] = recovered.Action
	}
	assert.Equal(t, "retry", actions[withBudget.ID])
	assert.Equal(t, "marked_failed", actions[exhausted.ID])

	got, err := s.GetTask(ctx, withBudget.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)

	got, err = s.GetTask(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "no retries left")
}

func TestRecoverOrphansSkipsLiveTasks(t *testing.T) {
	s := newOrphanStore(t)
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	live := makeOrphan(t, s, "still executing", 2*time.Hour, 0, 3)
	dead := makeOrphan(t, s, "really gone", 2*time.Hour, 0, 3)

	d := NewDetector(s, broker, types.RecoverPending, time.Hour)
	d.SetRunningCheck(func(taskID string) bool { return taskID == live.ID })

	n, err := d.RecoverOrphans(ctx, ReasonPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetTask(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)

	got, err = s.GetTask(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, got.Status)
}

func TestRecoverOrphansIdempotent(t *testing.T) {
	s := newOrphanStore(t)
	broker, _ := newTestBroker(t)
	ctx := context.Background()

	makeOrphan(t, s, "one-shot", 2*time.Hour, 0, 3)
	d := NewDetector(s, broker, types.RecoverPending, time.Hour)

	n, err := d.RecoverOrphans(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The healed task is no longer in-progress; nothing left to sweep.
	n, err = d.RecoverOrphans(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverOrphansIgnoresFreshTasks(t *testing.T) {
	s := newOrphanStore(t)
	broker, sub := newTestBroker(t)
	ctx := context.Background()

	makeOrphan(t, s, "recently touched", 10*time.Minute, 0, 3)
	d := NewDetector(s, broker, types.RecoverPending, time.Hour)

	n, err := d.RecoverOrphans(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, collectEvents(sub, 1))
}

func TestStartStopPeriodic(t *testing.T) {
	s := newOrphanStore(t)
	broker, _ := newTestBroker(t)

	d := NewDetector(s, broker, types.RecoverPending, time.Hour)
	d.StartPeriodic(10 * time.Millisecond)
	d.StartPeriodic(10 * time.Millisecond) // idempotent
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	d.Stop() // idempotent

	// Zero interval never starts.
	d2 := NewDetector(s, broker, types.RecoverPending, time.Hour)
	d2.StartPeriodic(0)
	d2.Stop()
}
