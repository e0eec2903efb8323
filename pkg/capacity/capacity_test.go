package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
)

func TestExhaustedAxes(t *testing.T) {
	th := types.ModeThresholds{
		MaxTokensPerTask:   1000,
		MaxCostPerTask:     2.0,
		MaxConcurrentTasks: 3,
		DailyBudget:        10.0,
	}
	tests := []struct {
		name string
		snap types.UsageSnapshot
		want []types.CapacityAxis
	}{
		{"nothing exhausted", types.UsageSnapshot{Thresholds: th}, nil},
		{"tokens at limit", types.UsageSnapshot{CurrentTokens: 1000, Thresholds: th}, []types.CapacityAxis{types.AxisTokens}},
		{"cost over limit", types.UsageSnapshot{CurrentCost: 2.5, Thresholds: th}, []types.CapacityAxis{types.AxisCost}},
		{"concurrency full", types.UsageSnapshot{ActiveTasks: 3, Thresholds: th}, []types.CapacityAxis{types.AxisConcurrency}},
		{"daily budget spent", types.UsageSnapshot{DailySpent: 10.0, Thresholds: th}, []types.CapacityAxis{types.AxisDailyBudget}},
		{
			"everything exhausted",
			types.UsageSnapshot{CurrentTokens: 9999, CurrentCost: 99, ActiveTasks: 9, DailySpent: 99, Thresholds: th},
			[]types.CapacityAxis{types.AxisTokens, types.AxisCost, types.AxisConcurrency, types.AxisDailyBudget},
		},
		{
			"zero thresholds mean unlimited",
			types.UsageSnapshot{CurrentTokens: 9999, CurrentCost: 99, ActiveTasks: 9, DailySpent: 99},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exhaustedAxes(&tt.snap)
			assert.Len(t, got, len(tt.want))
			for _, axis := range tt.want {
				assert.True(t, got[axis], "expected %s exhausted", axis)
			}
		})
	}
}

func drainRestored(t *testing.T, sub events.Subscriber) *events.CapacityRestoredPayload {
	t.Helper()
	select {
	case event := <-sub:
		require.Equal(t, events.EventCapacityRestored, event.Type)
		payload, ok := event.Data.(events.CapacityRestoredPayload)
		require.True(t, ok)
		return &payload
	case <-time.After(time.Second):
		t.Fatal("no capacity:restored event")
		return nil
	}
}

func TestCheckPublishesOnTransitionOnly(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tracker := usage.NewTracker(types.ModeThresholds{MaxConcurrentTasks: 1}, config.TimeBasedUsageConfig{}, nil)
	m := NewMonitor(tracker, broker)

	// Exhaust concurrency, then seed the monitor's view of it.
	tracker.TrackTaskStart("t1")
	m.Check(types.RestoreCapacityDropped)
	select {
	case event := <-sub:
		t.Fatalf("unexpected event while exhausted: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// Still exhausted: no event.
	m.Check(types.RestoreCapacityDropped)
	select {
	case event := <-sub:
		t.Fatalf("unexpected event while still exhausted: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	// Transition to available: exactly one event.
	tracker.TrackTaskCompletion("t1", types.TaskUsage{})
	m.Check(types.RestoreCapacityDropped)
	payload := drainRestored(t, sub)
	assert.Equal(t, types.RestoreCapacityDropped, payload.Reason)
	require.NotNil(t, payload.CurrentUsage)
	assert.Equal(t, 0, payload.CurrentUsage.ActiveTasks)

	// Available again: edge already consumed, no further event.
	m.Check(types.RestoreCapacityDropped)
	select {
	case event := <-sub:
		t.Fatalf("duplicate restore event: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForceRestoreAlwaysPublishes(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tracker := usage.NewTracker(types.ModeThresholds{}, config.TimeBasedUsageConfig{}, nil)
	m := NewMonitor(tracker, broker)

	m.ForceRestore()
	payload := drainRestored(t, sub)
	assert.Equal(t, types.RestoreManual, payload.Reason)

	m.ForceRestore()
	drainRestored(t, sub)
}

func TestStartStop(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	tracker := usage.NewTracker(types.ModeThresholds{DailyBudget: 5}, config.TimeBasedUsageConfig{}, nil)
	m := NewMonitor(tracker, broker)

	m.Start()
	m.Start() // idempotent

	st := m.Status()
	assert.True(t, st.Running)
	assert.True(t, st.HasMidnightTimer)

	m.Stop()
	m.Stop() // idempotent
	assert.False(t, m.Status().Running)
}

func TestStartSeedsExhaustedSet(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tracker := usage.NewTracker(types.ModeThresholds{MaxConcurrentTasks: 1}, config.TimeBasedUsageConfig{}, nil)
	tracker.TrackTaskStart("busy")

	m := NewMonitor(tracker, broker)
	m.Start()
	defer m.Stop()

	st := m.Status()
	require.Len(t, st.ExhaustedAxes, 1)
	assert.Equal(t, types.AxisConcurrency, st.ExhaustedAxes[0])

	// The seeded axis produces a restore once it clears.
	tracker.TrackTaskCompletion("busy", types.TaskUsage{})
	m.Check(types.RestoreCapacityDropped)
	drainRestored(t, sub)
}
