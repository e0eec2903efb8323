package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/capacity"
	"github.com/apexhq/apex/pkg/config"
	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/health"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/orphan"
	"github.com/apexhq/apex/pkg/resume"
	"github.com/apexhq/apex/pkg/runner"
	"github.com/apexhq/apex/pkg/session"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
	"github.com/apexhq/apex/pkg/watchdog"
	"github.com/apexhq/apex/pkg/workflow"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrInvalidState is returned when Start or Stop is called in a state that
// does not allow it. No side effects occur.
var ErrInvalidState = errors.New("invalid daemon state")

// Daemon is the supervisor: it owns every component, starts them in
// dependency order, stops them in reverse, and aggregates their status. A
// Daemon can go through multiple start/stop cycles; the watchdog uses that
// for core restarts.
type Daemon struct {
	projectDir string
	dataDir    string
	cfg        *config.Config
	executor   runner.Executor
	version    string
	logger     zerolog.Logger

	mu    sync.Mutex
	state State

	broker     *events.Broker
	store      *store.Store
	workflows  *workflow.Registry
	tracker    *usage.Tracker
	sessions   *session.SessionStore
	runner     *runner.Runner
	capacity   *capacity.Monitor
	healthMon  *health.Monitor
	resumeCtl  *resume.Controller
	orphans    *orphan.Detector
	dog        *watchdog.Watchdog
	httpServer *http.Server
	startedAt  time.Time
}

// Status is the aggregated daemon state served on /status.
type Status struct {
	State      State                    `json:"state"`
	Version    string                   `json:"version,omitempty"`
	ProjectDir string                   `json:"projectDir"`
	StartedAt  time.Time                `json:"startedAt,omitempty"`
	Uptime     string                   `json:"uptime,omitempty"`
	Runner     runner.Metrics           `json:"runner"`
	Tasks      map[types.TaskStatus]int `json:"tasks,omitempty"`
	Usage      *types.UsageSnapshot     `json:"usage,omitempty"`
	Capacity   *types.CapacityStatus    `json:"capacity,omitempty"`
	Health     *types.HealthMetrics     `json:"health,omitempty"`
}

// New creates a daemon rooted at projectDir. Components are built on Start so
// a stopped daemon holds no file handles.
func New(projectDir string, cfg *config.Config, executor runner.Executor, version string) (*Daemon, error) {
	dataDir := filepath.Join(projectDir, ".apex")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}
	return &Daemon{
		projectDir: projectDir,
		dataDir:    dataDir,
		cfg:        cfg,
		executor:   executor,
		version:    version,
		logger:     log.WithComponent("daemon"),
		state:      StateStopped,
	}, nil
}

// DataDir returns the daemon's data directory (<project>/.apex).
func (d *Daemon) DataDir() string { return d.dataDir }

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start brings up every component in dependency order: store, workflows,
// sessions, runner, capacity, resume, health, watchdog, HTTP. Only valid from
// stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, state)
	}
	d.state = StateStarting
	d.mu.Unlock()

	if err := d.startComponents(ctx); err != nil {
		d.teardown()
		d.mu.Lock()
		d.state = StateStopped
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.state = StateRunning
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	d.broker.Publish(events.Event{
		Type:    events.EventDaemonStarted,
		Message: "daemon started",
	})
	d.logger.Info().Str("project", d.projectDir).Msg("daemon running")
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	cfg := d.cfg

	d.broker = events.NewBroker()
	d.broker.Start()

	s, err := store.Open(d.dataDir)
	if err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}
	d.store = s

	d.workflows = workflow.NewRegistry()
	if err := d.workflows.LoadFile(filepath.Join(d.dataDir, "workflows.yaml")); err != nil {
		d.logger.Warn().Err(err).Msg("cannot load workflows file")
	}

	d.tracker = usage.NewTracker(cfg.Limits, cfg.Daemon.TimeBasedUsage, d.broker)

	journal, err := health.OpenJournal(d.dataDir)
	if err != nil {
		return fmt.Errorf("cannot open daemon journal: %w", err)
	}
	d.healthMon = health.NewMonitor(s, journal, cfg.HealthCheckInterval())

	d.sessions, err = session.NewSessionStore(s, d.workflows, d.broker, d.dataDir, session.Options{
		Enabled:                cfg.Daemon.SessionRecovery.Enabled,
		MaxCheckpointAge:       cfg.MaxCheckpointAge(),
		SummarizationThreshold: cfg.Daemon.SessionRecovery.ContextSummarizationThreshold,
	})
	if err != nil {
		return err
	}

	if cfg.Daemon.OrphanDetection.Enabled {
		d.orphans = orphan.NewDetector(s, d.broker,
			cfg.Daemon.OrphanDetection.RecoveryPolicy, cfg.OrphanStaleness())
	}

	d.runner = runner.New(s, d.sessions, d.tracker, d.broker, d.orphans,
		d.workflows, d.executor, cfg.PollInterval())
	if err := d.runner.Start(ctx); err != nil {
		return fmt.Errorf("cannot start runner: %w", err)
	}

	d.capacity = capacity.NewMonitor(d.tracker, d.broker)
	d.capacity.Start()

	if cfg.Daemon.SessionRecovery.AutoResume {
		d.resumeCtl = resume.NewController(s, d.broker, d.tracker,
			cfg.Daemon.SessionRecovery.MaxResumeAttempts)
		d.resumeCtl.Start()
	}

	if cfg.Daemon.HealthCheck.Enabled {
		d.healthMon.Start()
	}

	if cfg.Daemon.Watchdog.Enabled {
		d.dog = watchdog.New(d.broker, d.healthMon, d, watchdog.Options{
			MaxRestarts:   cfg.Daemon.Watchdog.MaxRestarts,
			RestartDelay:  cfg.WatchdogRestartDelay(),
			RestartWindow: cfg.WatchdogRestartWindow(),
		})
		d.dog.Start()
	}

	if d.orphans != nil && cfg.Daemon.OrphanDetection.PeriodicCheck {
		d.orphans.StartPeriodic(cfg.OrphanPeriodicInterval())
	}

	d.startHTTP(cfg.Daemon.ListenAddr)
	metrics.UpdateComponent("daemon", true, "")
	return nil
}

// Stop brings the daemon down in reverse start order. Only valid from
// running.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.state != StateRunning {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, state)
	}
	d.state = StateStopping
	d.mu.Unlock()

	d.broker.Publish(events.Event{
		Type:    events.EventDaemonStopped,
		Message: "daemon stopping",
	})
	d.teardown()

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
	d.logger.Info().Msg("daemon stopped")
	return nil
}

func (d *Daemon) teardown() {
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.httpServer.Shutdown(ctx)
		cancel()
		d.httpServer = nil
	}
	if d.dog != nil {
		d.dog.Stop()
		d.dog = nil
	}
	if d.healthMon != nil {
		if err := d.healthMon.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("cannot close health monitor")
		}
	}
	if d.resumeCtl != nil {
		d.resumeCtl.Stop()
		d.resumeCtl = nil
	}
	if d.capacity != nil {
		d.capacity.Stop()
		d.capacity = nil
	}
	if d.runner != nil {
		d.runner.Stop()
	}
	if d.orphans != nil {
		d.orphans.Stop()
		d.orphans = nil
	}
	if d.broker != nil {
		d.broker.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("cannot close store")
		}
		d.store = nil
	}
	metrics.UpdateComponent("daemon", false, "stopped")
}

// RestartCore stops and restarts the component tree. Called by the watchdog.
func (d *Daemon) RestartCore(reason string) error {
	d.logger.Warn().Str("reason", reason).Msg("core restart requested")
	if err := d.Stop(); err != nil {
		return err
	}
	return d.Start(context.Background())
}

// ReportError publishes a daemon:error event, waking the watchdog.
func (d *Daemon) ReportError(err error) {
	if d.broker == nil {
		return
	}
	d.broker.Publish(events.Event{
		Type:    events.EventDaemonError,
		Message: err.Error(),
	})
}

// Events returns the daemon's event broker. Nil while stopped.
func (d *Daemon) Events() *events.Broker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broker
}

// Status aggregates the state of every component.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	state := d.state
	startedAt := d.startedAt
	s := d.store
	run := d.runner
	tracker := d.tracker
	capMon := d.capacity
	healthMon := d.healthMon
	d.mu.Unlock()

	st := Status{
		State:      state,
		Version:    d.version,
		ProjectDir: d.projectDir,
	}
	if state != StateRunning {
		return st
	}

	st.StartedAt = startedAt
	st.Uptime = time.Since(startedAt).Round(time.Second).String()
	if run != nil {
		st.Runner = run.Metrics()
	}
	if s != nil {
		if counts, err := s.CountTasksByStatus(ctx); err == nil {
			st.Tasks = counts
			for status, n := range counts {
				metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
	if tracker != nil {
		snap := tracker.GetCurrentUsage()
		st.Usage = &snap
	}
	if capMon != nil {
		capStatus := capMon.Status()
		st.Capacity = &capStatus
	}
	if healthMon != nil {
		if report, err := healthMon.Report(); err == nil {
			st.Health = &report
		}
	}
	return st
}
