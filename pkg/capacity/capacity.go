package capacity

import (
	"fmt"
	"sync"
	"time"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
	"github.com/rs/zerolog"
)

// checkInterval is how often the monitor samples the usage tracker.
const checkInterval = 30 * time.Second

// Monitor watches the usage tracker and announces when previously exhausted
// capacity becomes available again, so paused tasks can be resumed. Three
// triggers feed it: the periodic sample, the next mode switch, and the
// midnight daily-budget reset.
type Monitor struct {
	tracker *usage.Tracker
	broker  *events.Broker
	logger  zerolog.Logger

	mu        sync.Mutex
	running   bool
	exhausted map[types.CapacityAxis]bool
	lastUsage *types.UsageSnapshot

	stopCh chan struct{}
	doneCh chan struct{}

	modeTimer     *time.Timer
	midnightTimer *time.Timer
}

// NewMonitor creates a capacity monitor over the given tracker and broker.
func NewMonitor(tracker *usage.Tracker, broker *events.Broker) *Monitor {
	return &Monitor{
		tracker:   tracker,
		broker:    broker,
		logger:    log.WithComponent("capacity"),
		exhausted: make(map[types.CapacityAxis]bool),
	}
}

// Start launches the monitoring loop and arms the mode-switch and midnight
// timers. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	// Seed the exhausted set so the first restore is detected, not invented.
	snap := m.tracker.GetCurrentUsage()
	m.exhausted = exhaustedAxes(&snap)
	m.lastUsage = &snap

	m.armModeTimerLocked()
	m.armMidnightTimerLocked()

	go m.run()
	m.logger.Info().Msg("capacity monitor started")
}

// Stop halts the loop and disarms timers. Idempotent; returns after the loop
// has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.modeTimer != nil {
		m.modeTimer.Stop()
		m.modeTimer = nil
	}
	if m.midnightTimer != nil {
		m.midnightTimer.Stop()
		m.midnightTimer = nil
	}
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("capacity monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		m.mu.Lock()
		var modeC, midnightC <-chan time.Time
		if m.modeTimer != nil {
			modeC = m.modeTimer.C
		}
		if m.midnightTimer != nil {
			midnightC = m.midnightTimer.C
		}
		stopCh := m.stopCh
		m.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(types.RestoreCapacityDropped)
		case <-modeC:
			m.logger.Info().Msg("mode switch boundary reached")
			m.Check(types.RestoreModeSwitch)
			m.mu.Lock()
			m.armModeTimerLocked()
			m.mu.Unlock()
		case <-midnightC:
			m.logger.Info().Msg("midnight reset")
			m.tracker.ResetDailySpent()
			m.Check(types.RestoreMidnightReset)
			m.mu.Lock()
			m.armMidnightTimerLocked()
			m.mu.Unlock()
		}
	}
}

// Check samples the tracker once and publishes capacity:restored when any
// previously exhausted axis has fallen back under its threshold. Safe to call
// directly; reason tags what prompted the check.
func (m *Monitor) Check(reason types.RestoreReason) {
	snap := m.tracker.GetCurrentUsage()

	m.mu.Lock()
	current := exhaustedAxes(&snap)
	var restored []types.CapacityAxis
	for axis := range m.exhausted {
		if !current[axis] {
			restored = append(restored, axis)
		}
	}
	prev := m.lastUsage
	m.exhausted = current
	m.lastUsage = &snap
	m.mu.Unlock()

	if len(restored) == 0 {
		return
	}

	m.logger.Info().
		Str("reason", string(reason)).
		Int("axes", len(restored)).
		Msg("capacity restored")

	m.broker.Publish(events.Event{
		Type:    events.EventCapacityRestored,
		Message: fmt.Sprintf("capacity restored (%s)", reason),
		Data: events.CapacityRestoredPayload{
			Reason:        reason,
			Timestamp:     time.Now().UTC(),
			PreviousUsage: prev,
			CurrentUsage:  &snap,
			Mode:          snap.Mode,
		},
	})
}

// ForceRestore publishes a manual capacity:restored event regardless of the
// exhausted set. Operator escape hatch.
func (m *Monitor) ForceRestore() {
	snap := m.tracker.GetCurrentUsage()
	m.mu.Lock()
	prev := m.lastUsage
	m.exhausted = exhaustedAxes(&snap)
	m.lastUsage = &snap
	m.mu.Unlock()

	m.broker.Publish(events.Event{
		Type:    events.EventCapacityRestored,
		Message: "capacity restore forced",
		Data: events.CapacityRestoredPayload{
			Reason:        types.RestoreManual,
			Timestamp:     time.Now().UTC(),
			PreviousUsage: prev,
			CurrentUsage:  &snap,
			Mode:          snap.Mode,
		},
	})
}

// Status reports the monitor's current state for the status surface.
func (m *Monitor) Status() types.CapacityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := types.CapacityStatus{
		Running:            m.running,
		NextModeSwitch:     m.tracker.GetNextModeSwitch(),
		NextMidnight:       m.tracker.GetNextMidnight(),
		HasModeSwitchTimer: m.modeTimer != nil,
		HasMidnightTimer:   m.midnightTimer != nil,
		LastUsage:          m.lastUsage,
	}
	for axis := range m.exhausted {
		st.ExhaustedAxes = append(st.ExhaustedAxes, axis)
	}
	return st
}

func (m *Monitor) armModeTimerLocked() {
	if !m.running {
		return
	}
	next := m.tracker.GetNextModeSwitch()
	if next.IsZero() {
		m.modeTimer = nil
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = time.Second
	}
	if m.modeTimer != nil {
		m.modeTimer.Stop()
	}
	m.modeTimer = time.NewTimer(d)
}

func (m *Monitor) armMidnightTimerLocked() {
	if !m.running {
		return
	}
	d := time.Until(m.tracker.GetNextMidnight())
	if d < 0 {
		d = time.Second
	}
	if m.midnightTimer != nil {
		m.midnightTimer.Stop()
	}
	m.midnightTimer = time.NewTimer(d)
}

// exhaustedAxes maps a snapshot onto the set of exhausted capacity axes.
// Zero-valued thresholds mean unlimited.
func exhaustedAxes(s *types.UsageSnapshot) map[types.CapacityAxis]bool {
	out := make(map[types.CapacityAxis]bool)
	th := s.Thresholds
	if th.MaxTokensPerTask > 0 && s.CurrentTokens >= th.MaxTokensPerTask {
		out[types.AxisTokens] = true
	}
	if th.MaxCostPerTask > 0 && s.CurrentCost >= th.MaxCostPerTask {
		out[types.AxisCost] = true
	}
	if th.MaxConcurrentTasks > 0 && s.ActiveTasks >= th.MaxConcurrentTasks {
		out[types.AxisConcurrency] = true
	}
	if th.DailyBudget > 0 && s.DailySpent >= th.DailyBudget {
		out[types.AxisDailyBudget] = true
	}
	return out
}
