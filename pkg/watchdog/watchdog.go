package watchdog

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/health"
	"github.com/apexhq/apex/pkg/log"
)

// Target is what the watchdog restarts: the supervisor's core stop+start.
type Target interface {
	RestartCore(reason string) error
}

// Options configures restart limiting.
type Options struct {
	MaxRestarts   int
	RestartDelay  time.Duration
	RestartWindow time.Duration
}

// Watchdog restarts the daemon core after daemon:error events and failed
// health checks. Restarts are rate-limited over a sliding window; the window
// is evaluated against the persistent restart journal so a crash loop cannot
// reset it by crashing.
type Watchdog struct {
	broker *events.Broker
	health *health.Monitor
	target Target
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	running    bool
	restarting bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	sub        events.Subscriber
}

// New creates a watchdog. It does not start watching until Start.
func New(broker *events.Broker, healthMon *health.Monitor, target Target, opts Options) *Watchdog {
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = 5 * time.Minute
	}
	return &Watchdog{
		broker: broker,
		health: healthMon,
		target: target,
		opts:   opts,
		logger: log.WithComponent("watchdog"),
	}
}

// Start subscribes to daemon:error and hooks health-check failures.
// Idempotent.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.sub = w.broker.Subscribe()

	if w.health != nil {
		w.health.OnFailure(func() {
			go w.maybeRestart("health check failed")
		})
	}

	go w.run()
	w.logger.Info().
		Int("max_restarts", w.opts.MaxRestarts).
		Dur("window", w.opts.RestartWindow).
		Msg("watchdog started")
}

// Stop halts the watchdog. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	w.mu.Unlock()

	<-done
	w.broker.Unsubscribe(w.sub)
	w.logger.Info().Msg("watchdog stopped")
}

func (w *Watchdog) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.sub:
			if !ok {
				return
			}
			if event.Type != events.EventDaemonError {
				continue
			}
			// Restart on its own goroutine: RestartCore stops this watchdog,
			// which waits for this loop to exit.
			go w.maybeRestart(event.Message)
		}
	}
}

// CanRestart reports whether a restart is allowed right now: either the last
// restart is older than the window, or fewer than maxRestarts have happened
// within it.
func (w *Watchdog) CanRestart() bool {
	if w.health == nil {
		return true
	}
	last, found := w.health.LastRestart()
	if !found || time.Since(last.At) > w.opts.RestartWindow {
		return true
	}
	return w.health.RestartsSince(time.Now().Add(-w.opts.RestartWindow)) < w.opts.MaxRestarts
}

func (w *Watchdog) maybeRestart(reason string) {
	w.mu.Lock()
	if !w.running || w.restarting {
		w.mu.Unlock()
		return
	}
	if !w.CanRestart() {
		w.mu.Unlock()
		w.logger.Error().
			Str("reason", reason).
			Int("max_restarts", w.opts.MaxRestarts).
			Msg("restart limit reached, not restarting")
		return
	}
	w.restarting = true
	stopCh := w.stopCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.restarting = false
		w.mu.Unlock()
	}()

	w.logger.Warn().
		Str("reason", reason).
		Dur("delay", w.opts.RestartDelay).
		Msg("restarting daemon core")

	select {
	case <-stopCh:
		return
	case <-time.After(w.opts.RestartDelay):
	}

	// Record first: RestartCore tears down this watchdog and the health
	// monitor's journal handle along with the rest of the core.
	if w.health != nil {
		w.health.RecordRestart(reason, 0, true)
	}
	if err := w.target.RestartCore(reason); err != nil {
		w.logger.Error().Err(err).Msg("core restart failed")
	}
}
