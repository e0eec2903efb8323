package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/types"
)

// Default day hours used when time-based usage is enabled but no hour lists
// are configured.
var defaultDayHours = []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21}

// Tracker is the in-memory usage accumulator. It tracks per-task token and
// cost consumption for active tasks, the daily spend, and the current usage
// mode. All methods are safe for concurrent use; the tracker itself is not
// persisted (active usage is re-accumulated from task rows on restart).
type Tracker struct {
	mu sync.Mutex

	active       map[string]types.TaskUsage
	dailySpent   float64
	tasksStarted int64
	tasksDone    int64

	globals  types.ModeThresholds
	timeCfg  config.TimeBasedUsageConfig
	lastMode types.UsageMode

	broker *events.Broker
	now    func() time.Time
}

// NewTracker creates a tracker with the given global limits and time-based
// usage configuration. broker may be nil (no mode-change events).
func NewTracker(globals types.ModeThresholds, timeCfg config.TimeBasedUsageConfig, broker *events.Broker) *Tracker {
	t := &Tracker{
		active:  make(map[string]types.TaskUsage),
		globals: globals,
		timeCfg: timeCfg,
		broker:  broker,
		now:     time.Now,
	}
	t.lastMode = t.modeAt(t.now())
	return t
}

// TrackTaskStart registers a task as active. Starting the same task twice is
// a no-op.
func (t *Tracker) TrackTaskStart(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[taskID]; ok {
		return
	}
	t.active[taskID] = types.TaskUsage{}
	t.tasksStarted++
	t.publishGauges()
}

// RecordUsage accumulates a usage delta onto an active task. Deltas for tasks
// not currently active are dropped.
func (t *Tracker) RecordUsage(taskID string, delta types.TaskUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.active[taskID]
	if !ok {
		return
	}
	u.Add(delta)
	t.active[taskID] = u
	t.publishGauges()
}

// TrackTaskCompletion removes a task from the active set and folds its cost
// into the daily spend. final, when non-zero, replaces whatever was
// accumulated via RecordUsage.
func (t *Tracker) TrackTaskCompletion(taskID string, final types.TaskUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.active[taskID]
	if !ok {
		return
	}
	if final != (types.TaskUsage{}) {
		u = final
	}
	delete(t.active, taskID)
	t.dailySpent += u.EstimatedCost
	t.tasksDone++
	t.publishGauges()
}

// GetCurrentUsage returns an immutable snapshot of the accumulator, including
// the thresholds for the mode in effect right now.
func (t *Tracker) GetCurrentUsage() types.UsageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() types.UsageSnapshot {
	now := t.now()
	mode := t.observeModeLocked(now)

	var tokens int64
	var cost float64
	for _, u := range t.active {
		tokens += u.TotalTokens
		cost += u.EstimatedCost
	}
	return types.UsageSnapshot{
		CurrentTokens: tokens,
		CurrentCost:   cost,
		ActiveTasks:   len(t.active),
		DailySpent:    t.dailySpent,
		Mode:          mode,
		Thresholds:    t.thresholdsFor(mode),
		TasksStarted:  t.tasksStarted,
		TasksDone:     t.tasksDone,
		TakenAt:       now.UTC(),
	}
}

// CanStartTask reports whether a new task may be dispatched under the current
// mode's thresholds, with a human-readable reason when it may not.
func (t *Tracker) CanStartTask() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	th := t.thresholdsFor(t.observeModeLocked(t.now()))
	if th.MaxConcurrentTasks > 0 && len(t.active) >= th.MaxConcurrentTasks {
		return false, fmt.Sprintf("concurrency limit reached (%d/%d)", len(t.active), th.MaxConcurrentTasks)
	}
	if th.DailyBudget > 0 && t.dailySpent >= th.DailyBudget {
		return false, fmt.Sprintf("daily budget exhausted ($%.2f of $%.2f)", t.dailySpent, th.DailyBudget)
	}
	return true, ""
}

// ExceedsTaskLimits checks one task's cumulative usage against the per-task
// caps of the current mode. The returned pause reason distinguishes the token
// cap from the cost cap.
func (t *Tracker) ExceedsTaskLimits(u types.TaskUsage) (bool, types.PauseReason) {
	t.mu.Lock()
	th := t.thresholdsFor(t.observeModeLocked(t.now()))
	t.mu.Unlock()

	if th.MaxTokensPerTask > 0 && u.TotalTokens >= th.MaxTokensPerTask {
		return true, types.PauseReasonUsageLimit
	}
	if th.MaxCostPerTask > 0 && u.EstimatedCost >= th.MaxCostPerTask {
		return true, types.PauseReasonBudget
	}
	return false, ""
}

// GetCurrentMode returns the mode in effect at the current wall-clock time,
// publishing usage:mode-changed if it differs from the last observation.
func (t *Tracker) GetCurrentMode() types.UsageMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeModeLocked(t.now())
}

func (t *Tracker) observeModeLocked(now time.Time) types.UsageMode {
	mode := t.modeAt(now)
	if mode != t.lastMode {
		prev := t.lastMode
		t.lastMode = mode
		logger := log.WithComponent("usage")
		logger.Info().
			Str("from", string(prev)).Str("to", string(mode)).
			Msg("usage mode changed")
		if t.broker != nil {
			t.broker.Publish(events.Event{
				Type:    events.EventUsageModeChanged,
				Message: fmt.Sprintf("usage mode changed from %s to %s", prev, mode),
				Data: map[string]any{
					"previousMode": prev,
					"currentMode":  mode,
				},
			})
		}
	}
	return mode
}

// modeAt computes the mode for a wall-clock instant without recording an
// observation. Local time decides; weekends use weekend mode unless the
// fallback is "day".
func (t *Tracker) modeAt(now time.Time) types.UsageMode {
	if !t.timeCfg.Enabled {
		return types.ModeDay
	}
	now = now.Local()
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if t.timeCfg.WeekendFallback == "day" {
			return types.ModeDay
		}
		return types.ModeWeekend
	}
	if containsHour(t.nightHours(), now.Hour()) {
		return types.ModeNight
	}
	if containsHour(t.dayHours(), now.Hour()) {
		return types.ModeDay
	}
	return types.ModeNight
}

func (t *Tracker) dayHours() []int {
	if len(t.timeCfg.DayModeHours) > 0 {
		return t.timeCfg.DayModeHours
	}
	return defaultDayHours
}

func (t *Tracker) nightHours() []int {
	return t.timeCfg.NightModeHours
}

// thresholdsFor merges the mode-specific profile over the global limits.
// Zero-valued profile fields keep the global value.
func (t *Tracker) thresholdsFor(mode types.UsageMode) types.ModeThresholds {
	th := t.globals
	var override *types.ModeThresholds
	switch mode {
	case types.ModeDay:
		override = t.timeCfg.DayModeThresholds
	case types.ModeNight, types.ModeWeekend:
		override = t.timeCfg.NightModeThresholds
	}
	if override == nil {
		return th
	}
	if override.MaxTokensPerTask > 0 {
		th.MaxTokensPerTask = override.MaxTokensPerTask
	}
	if override.MaxCostPerTask > 0 {
		th.MaxCostPerTask = override.MaxCostPerTask
	}
	if override.MaxConcurrentTasks > 0 {
		th.MaxConcurrentTasks = override.MaxConcurrentTasks
	}
	if override.DailyBudget > 0 {
		th.DailyBudget = override.DailyBudget
	}
	return th
}

// GetNextModeSwitch returns the next hour boundary at which the computed mode
// differs from the current one. The zero time means the mode never changes
// (time-based usage disabled).
func (t *Tracker) GetNextModeSwitch() time.Time {
	if !t.timeCfg.Enabled {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().Local()
	current := t.modeAt(now)
	boundary := now.Truncate(time.Hour)
	// Hour-by-hour scan covers weekend transitions as well; a week bounds it.
	for i := 1; i <= 7*24; i++ {
		next := boundary.Add(time.Duration(i) * time.Hour)
		if t.modeAt(next) != current {
			return next
		}
	}
	return time.Time{}
}

// GetNextMidnight returns the next local midnight, when dailySpent resets.
func (t *Tracker) GetNextMidnight() time.Time {
	now := t.now().Local()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// ResetDailySpent zeroes the daily spend. Called by the capacity monitor at
// midnight.
func (t *Tracker) ResetDailySpent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailySpent = 0
	t.publishGauges()
}

// ActiveTaskUsage returns the accumulated usage for one active task.
func (t *Tracker) ActiveTaskUsage(taskID string) (types.TaskUsage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.active[taskID]
	return u, ok
}

func (t *Tracker) publishGauges() {
	var tokens int64
	var cost float64
	for _, u := range t.active {
		tokens += u.TotalTokens
		cost += u.EstimatedCost
	}
	metrics.UsageTokens.Set(float64(tokens))
	metrics.UsageCost.Set(cost)
	metrics.DailySpent.Set(t.dailySpent)
}

func containsHour(hours []int, h int) bool {
	for _, hour := range hours {
		if hour == h {
			return true
		}
	}
	return false
}
