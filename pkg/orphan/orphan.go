package orphan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
)

const (
	// ReasonStartup tags the orphan sweep run before the first poll tick.
	ReasonStartup = "startup_check"
	// ReasonPeriodic tags sweeps run by the optional periodic re-check.
	ReasonPeriodic = "periodic_check"
)

// Detector finds tasks stuck in in-progress with no live executor behind
// them (the process died mid-task) and heals them according to the configured
// policy. Sweeps are idempotent: a healed task is no longer in-progress, so
// an immediate second sweep finds nothing.
type Detector struct {
	store     *store.Store
	broker    *events.Broker
	policy    types.RecoveryPolicy
	staleness time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	isRunning func(taskID string) bool

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDetector creates a detector with the given policy and staleness
// threshold.
func NewDetector(s *store.Store, broker *events.Broker, policy types.RecoveryPolicy, staleness time.Duration) *Detector {
	if staleness <= 0 {
		staleness = time.Hour
	}
	return &Detector{
		store:     s,
		broker:    broker,
		policy:    policy,
		staleness: staleness,
		logger:    log.WithComponent("orphan"),
	}
}

// SetRunningCheck installs the runner's liveness predicate so tasks with an
// active executor are never treated as orphans.
func (d *Detector) SetRunningCheck(fn func(taskID string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isRunning = fn
}

// RecoverOrphans runs one sweep and returns how many tasks were healed.
func (d *Detector) RecoverOrphans(ctx context.Context, reason string) (int, error) {
	candidates, err := d.store.GetOrphanedTasks(ctx, d.staleness)
	if err != nil {
		return 0, fmt.Errorf("cannot list orphaned tasks: %w", err)
	}

	d.mu.Lock()
	isRunning := d.isRunning
	d.mu.Unlock()

	var orphans []*types.Task
	for _, task := range candidates {
		if isRunning != nil && isRunning(task.ID) {
			continue
		}
		orphans = append(orphans, task)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	d.logger.Warn().
		Int("count", len(orphans)).
		Str("reason", reason).
		Dur("staleness", d.staleness).
		Msg("orphaned tasks detected")

	d.broker.Publish(events.Event{
		Type:    events.EventOrphanDetected,
		Message: fmt.Sprintf("%d orphaned tasks detected", len(orphans)),
		Data: events.OrphanDetectedPayload{
			Tasks:              orphans,
			DetectedAt:         time.Now().UTC(),
			Reason:             reason,
			StalenessThreshold: d.staleness,
		},
	})

	recovered := 0
	for _, task := range orphans {
		if err := d.recoverOne(ctx, task); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot recover orphan")
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (d *Detector) recoverOne(ctx context.Context, task *types.Task) error {
	var (
		newStatus types.TaskStatus
		action    string
		message   string
	)

	switch d.policy {
	case types.RecoverFail:
		newStatus = types.TaskStatusFailed
		action = "marked_failed"
		message = "orphaned after restart"
	case types.RecoverRetry:
		if task.RetryCount < task.MaxRetries {
			retries := task.RetryCount + 1
			if err := d.store.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &retries}); err != nil {
				return err
			}
			newStatus = types.TaskStatusPending
			action = "retry"
			message = fmt.Sprintf("orphan retry %d/%d", retries, task.MaxRetries)
		} else {
			newStatus = types.TaskStatusFailed
			action = "marked_failed"
			message = "orphaned with no retries left"
		}
	default: // RecoverPending
		newStatus = types.TaskStatusPending
		action = "reset_pending"
		message = "task orphaned: requeued for execution"
	}

	if err := d.store.UpdateTaskStatus(ctx, task.ID, newStatus, "", message); err != nil {
		return err
	}

	metrics.OrphansRecovered.Inc()
	d.logger.Info().
		Str("task_id", task.ID).
		Str("action", action).
		Str("status", string(newStatus)).
		Msg("orphan recovered")

	d.broker.Publish(events.Event{
		Type:    events.EventOrphanRecovered,
		TaskID:  task.ID,
		Message: message,
		Data: events.OrphanRecoveredPayload{
			TaskID:         task.ID,
			PreviousStatus: types.TaskStatusInProgress,
			NewStatus:      newStatus,
			Action:         action,
			Message:        message,
			Timestamp:      time.Now().UTC(),
		},
	})
	return nil
}

// StartPeriodic launches a periodic re-check loop. Idempotent.
func (d *Detector) StartPeriodic(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := d.RecoverOrphans(ctx, ReasonPeriodic); err != nil {
					d.logger.Error().Err(err).Msg("periodic orphan sweep failed")
				}
				cancel()
			}
		}
	}()
	d.logger.Info().Dur("interval", interval).Msg("periodic orphan check started")
}

// Stop halts the periodic loop. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()
	<-done
}
