package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
)

// Probe is one named liveness check. A nil error means healthy.
type Probe func(ctx context.Context) error

// Monitor performs periodic health checks and keeps the daemon journal.
// Check counters and the restart history live in the journal so they survive
// process restarts; in-memory state is only the latest sample.
type Monitor struct {
	store    *store.Store
	journal  *Journal
	interval time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	probes      map[string]Probe
	lastCheck   time.Time
	lastCheckOK bool
	memoryBytes uint64
	taskCount   int
	onFailure   func()

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a health monitor. The journal must be open; the monitor
// takes ownership and closes it on Close.
func NewMonitor(s *store.Store, journal *Journal, interval time.Duration) *Monitor {
	m := &Monitor{
		store:    s,
		journal:  journal,
		interval: interval,
		logger:   log.WithComponent("health"),
		probes:   make(map[string]Probe),
	}
	m.probes["store"] = func(ctx context.Context) error {
		return s.Ping(ctx)
	}
	return m
}

// AddProbe registers an extra named liveness check.
func (m *Monitor) AddProbe(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// OnFailure registers a callback invoked after a failed check. The watchdog
// uses this to trigger restarts.
func (m *Monitor) OnFailure(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// Start launches the periodic check loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
	m.logger.Info().Dur("interval", m.interval).Msg("health monitor started")
}

// Stop halts the loop. Idempotent; returns after the loop has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info().Msg("health monitor stopped")
}

// Close stops the loop and closes the journal.
func (m *Monitor) Close() error {
	m.Stop()
	return m.journal.Close()
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			m.PerformHealthCheck(ctx)
			cancel()
		}
	}
}

// PerformHealthCheck runs every probe once, records the outcome in the
// journal and returns whether all probes passed.
func (m *Monitor) PerformHealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	probes := make(map[string]Probe, len(m.probes))
	for name, probe := range m.probes {
		probes[name] = probe
	}
	onFailure := m.onFailure
	m.mu.Unlock()

	ok := true
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			ok = false
			m.logger.Warn().Err(err).Str("probe", name).Msg("health probe failed")
			metrics.UpdateComponent(name, false, err.Error())
		} else {
			metrics.UpdateComponent(name, true, "")
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	taskCount := m.sampleTaskCount(ctx)

	m.mu.Lock()
	m.lastCheck = time.Now().UTC()
	m.lastCheckOK = ok
	m.memoryBytes = mem.Alloc
	if taskCount >= 0 {
		m.taskCount = taskCount
	}
	m.mu.Unlock()

	if err := m.journal.IncrementCheck(ok); err != nil {
		m.logger.Warn().Err(err).Msg("cannot record health check")
	}
	if ok {
		metrics.HealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		metrics.HealthChecksTotal.WithLabelValues("failure").Inc()
		if onFailure != nil {
			onFailure()
		}
	}
	return ok
}

// RecordRestart appends a restart record to the journal.
func (m *Monitor) RecordRestart(reason string, exitCode int, byWatchdog bool) {
	rec := types.RestartRecord{
		Reason:     reason,
		ExitCode:   exitCode,
		ByWatchdog: byWatchdog,
		At:         time.Now().UTC(),
	}
	if err := m.journal.AppendRestart(rec); err != nil {
		m.logger.Error().Err(err).Msg("cannot record restart")
		return
	}
	if byWatchdog {
		metrics.DaemonRestarts.Inc()
	}
	m.logger.Info().Str("reason", reason).Bool("byWatchdog", byWatchdog).Msg("restart recorded")
}

// RestartsSince counts journal restarts at or after the cutoff.
func (m *Monitor) RestartsSince(cutoff time.Time) int {
	n, err := m.journal.RestartsSince(cutoff)
	if err != nil {
		m.logger.Warn().Err(err).Msg("cannot read restart history")
		return 0
	}
	return n
}

// LastRestart returns the most recent restart record, if any.
func (m *Monitor) LastRestart() (types.RestartRecord, bool) {
	rec, found, err := m.journal.LastRestart()
	if err != nil {
		m.logger.Warn().Err(err).Msg("cannot read restart history")
		return types.RestartRecord{}, false
	}
	return rec, found
}

// Report assembles the full health picture: journal counters, restart
// history, and the latest in-memory sample.
func (m *Monitor) Report() (types.HealthMetrics, error) {
	succeeded, failed, err := m.journal.CheckCounts()
	if err != nil {
		return types.HealthMetrics{}, fmt.Errorf("cannot read check counters: %w", err)
	}
	restarts, err := m.journal.Restarts()
	if err != nil {
		return types.HealthMetrics{}, fmt.Errorf("cannot read restart history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return types.HealthMetrics{
		ChecksSucceeded: succeeded,
		ChecksFailed:    failed,
		LastCheck:       m.lastCheck,
		LastCheckOK:     m.lastCheckOK,
		Restarts:        restarts,
		MemoryBytes:     m.memoryBytes,
		TaskCount:       m.taskCount,
		Healthy:         m.lastCheck.IsZero() || m.lastCheckOK,
	}, nil
}

// sampleTaskCount returns the number of live (non-terminal) tasks, or -1 when
// the store cannot answer.
func (m *Monitor) sampleTaskCount(ctx context.Context) int {
	counts, err := m.store.CountTasksByStatus(ctx)
	if err != nil {
		return -1
	}
	total := 0
	for status, n := range counts {
		if !status.IsTerminal() {
			total += n
		}
	}
	return total
}
