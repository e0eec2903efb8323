package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/apexhq/apex/pkg/events"
	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/metrics"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
)

// ErrNotResumable is returned when a task cannot be resumed in its current
// state.
var ErrNotResumable = errors.New("task not resumable")

// timerInterval is how often the controller rechecks resume_after deadlines.
// Tasks paused with an explicit resume time become eligible without any
// capacity event, so a periodic scan covers them.
const timerInterval = 30 * time.Second

// Controller brings paused tasks back to pending when capacity returns. It
// subscribes to capacity:restored and additionally scans on a timer for
// tasks whose resume_after deadline has passed. Parents resume before leaves;
// every resume is bounded by the concurrency headroom at that moment.
type Controller struct {
	store             *store.Store
	broker            *events.Broker
	tracker           *usage.Tracker
	maxResumeAttempts int
	logger            zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	sub     events.Subscriber
}

// NewController creates a resume controller.
func NewController(s *store.Store, broker *events.Broker, tracker *usage.Tracker, maxResumeAttempts int) *Controller {
	if maxResumeAttempts <= 0 {
		maxResumeAttempts = 3
	}
	return &Controller{
		store:             s,
		broker:            broker,
		tracker:           tracker,
		maxResumeAttempts: maxResumeAttempts,
		logger:            log.WithComponent("resume"),
	}
}

// Start subscribes to the broker and launches the control loop. Idempotent.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.sub = c.broker.Subscribe()
	go c.run()
	c.logger.Info().Msg("resume controller started")
}

// Stop unsubscribes and halts the loop. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	<-done
	c.broker.Unsubscribe(c.sub)
	c.logger.Info().Msg("resume controller stopped")
}

func (c *Controller) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case event, ok := <-c.sub:
			if !ok {
				return
			}
			if event.Type != events.EventCapacityRestored {
				continue
			}
			reason := types.RestoreCapacityDropped
			if payload, ok := event.Data.(events.CapacityRestoredPayload); ok {
				reason = payload.Reason
			}
			c.resumeBatch(reason)
		case <-ticker.C:
			// Deadline-driven resumes only run when there is headroom anyway.
			c.resumeBatch(types.RestoreCapacityDropped)
		}
	}
}

// resumeBatch resumes as many eligible paused tasks as the current
// concurrency headroom allows, parents first, and publishes one aggregate
// tasks:auto-resumed event when anything was attempted.
func (c *Controller) resumeBatch(reason types.RestoreReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	budget := c.headroom()
	if budget <= 0 {
		return
	}

	var (
		attempted int
		resumed   int
		errs      []string
	)

	// Parents gate their subtasks: when a paused parent exists it takes the
	// whole batch, and leaves wait for a later restore.
	parent, err := c.store.FindHighestPriorityParentTask(ctx)
	switch {
	case err == nil:
		attempted++
		if err := c.resumeOne(ctx, parent, string(reason)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", parent.ID, err))
		} else {
			resumed++
		}
	case errors.Is(err, store.ErrNotFound):
		tasks, err := c.store.GetPausedTasksForResume(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("cannot query paused tasks")
			return
		}
		for _, task := range tasks {
			if budget <= 0 {
				break
			}
			attempted++
			if err := c.resumeOne(ctx, task, string(reason)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", task.ID, err))
				continue
			}
			resumed++
			budget--
		}
	default:
		c.logger.Error().Err(err).Msg("cannot query paused parents")
		return
	}

	if attempted == 0 {
		return
	}

	c.logger.Info().
		Str("reason", string(reason)).
		Int("attempted", attempted).
		Int("resumed", resumed).
		Msg("auto-resume batch done")

	c.broker.Publish(events.Event{
		Type:    events.EventTasksAutoResumed,
		Message: fmt.Sprintf("%d of %d paused tasks resumed", resumed, attempted),
		Data: events.AutoResumedPayload{
			Reason:       reason,
			TotalTasks:   attempted,
			ResumedCount: resumed,
			Errors:       errs,
			Timestamp:    time.Now().UTC(),
		},
	})
}

// ResumeTask resumes one task by id, regardless of its pause reason. Used by
// the CLI's manual resume. Manual resumes do not count against the attempt
// cap's enforcement but still increment it.
func (c *Controller) ResumeTask(ctx context.Context, taskID, reason string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusPaused {
		return fmt.Errorf("%w: task %s is %s", ErrNotResumable, taskID, task.Status)
	}
	return c.resumeOne(ctx, task, reason)
}

// resumeOne enforces the attempt cap and moves one paused task to pending.
func (c *Controller) resumeOne(ctx context.Context, task *types.Task, reason string) error {
	if task.ResumeAttempts >= c.maxResumeAttempts {
		msg := "max resume attempts exceeded"
		if err := c.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusFailed, "", msg); err != nil {
			return err
		}
		c.broker.Publish(events.Event{
			Type:    events.EventTaskFailed,
			TaskID:  task.ID,
			Message: msg,
		})
		c.logger.Warn().
			Str("task_id", task.ID).
			Int("attempts", task.ResumeAttempts).
			Msg("resume cap exceeded, task failed")
		return fmt.Errorf("%w: %s", ErrNotResumable, msg)
	}

	attempts := task.ResumeAttempts + 1
	if err := c.store.UpdateTask(ctx, task.ID, store.TaskUpdate{ResumeAttempts: &attempts}); err != nil {
		return err
	}
	if err := c.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPending, "", ""); err != nil {
		return err
	}

	metrics.TasksResumed.Inc()
	c.logger.Info().
		Str("task_id", task.ID).
		Str("reason", reason).
		Int("attempt", attempts).
		Msg("task resumed")

	c.broker.Publish(events.Event{
		Type:    events.EventTaskSessionResumed,
		TaskID:  task.ID,
		Message: fmt.Sprintf("task resumed (%s)", reason),
		Data: events.SessionResumedPayload{
			TaskID:         task.ID,
			ResumeReason:   reason,
			PreviousStatus: task.Status,
			SessionData:    task.SessionData,
			Timestamp:      time.Now().UTC(),
		},
	})
	return nil
}

// headroom is how many more tasks may run right now.
func (c *Controller) headroom() int {
	snap := c.tracker.GetCurrentUsage()
	if snap.Thresholds.MaxConcurrentTasks <= 0 {
		return 1
	}
	return snap.Thresholds.MaxConcurrentTasks - snap.ActiveTasks
}
