package runner

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
	"github.com/apexhq/apex/pkg/orphan"
	"github.com/apexhq/apex/pkg/session"
	"github.com/apexhq/apex/pkg/store"
	"github.com/apexhq/apex/pkg/types"
	"github.com/apexhq/apex/pkg/usage"
	"github.com/apexhq/apex/pkg/workflow"
)

const (
	defaultPollInterval = time.Second

	// stopTimeout bounds how long Stop waits for in-flight executors. Tasks
	// still running after it are abandoned in-progress and healed by the
	// orphan sweep on next start.
	stopTimeout = 5 * time.Second
)

// Metrics is a point-in-time snapshot of runner counters.
type Metrics struct {
	Processed int64     `json:"processed"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Paused    int64     `json:"paused"`
	Active    int       `json:"active"`
	Polls     int64     `json:"polls"`
	StartedAt time.Time `json:"startedAt"`
}

// Runner drives the task queue: one poll loop picks ready tasks in canonical
// order and dispatches each to the executor on its own goroutine. All shared
// state (the running set, counters) sits behind one mutex; the loop itself is
// the only goroutine that dispatches, so a task id can never be picked twice.
type Runner struct {
	store     *store.Store
	sessions  *session.SessionStore
	tracker   *usage.Tracker
	broker    *events.Broker
	orphans   *orphan.Detector
	workflows *workflow.Registry
	executor  Executor
	logger    zerolog.Logger

	pollInterval time.Duration

	mu          sync.Mutex
	running     bool
	active      map[string]context.CancelFunc
	createdMark time.Time
	processed   int64
	succeeded int64
	failed    int64
	paused    int64
	polls     int64
	startedAt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a runner. orphans may be nil (no startup sweep).
func New(s *store.Store, sessions *session.SessionStore, tracker *usage.Tracker, broker *events.Broker, orphans *orphan.Detector, workflows *workflow.Registry, executor Executor, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	r := &Runner{
		store:        s,
		sessions:     sessions,
		tracker:      tracker,
		broker:       broker,
		orphans:      orphans,
		workflows:    workflows,
		executor:     executor,
		logger:       log.WithComponent("runner"),
		pollInterval: pollInterval,
		active:       make(map[string]context.CancelFunc),
	}
	if orphans != nil {
		orphans.SetRunningCheck(r.IsRunning)
	}
	return r
}

// Start runs the orphan sweep and launches the poll loop. Idempotent.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.startedAt = time.Now().UTC()
	r.createdMark = r.startedAt
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	// Heal leftovers from a previous life before dispatching anything new.
	if r.orphans != nil {
		if n, err := r.orphans.RecoverOrphans(ctx, orphan.ReasonStartup); err != nil {
			r.logger.Error().Err(err).Msg("startup orphan sweep failed")
		} else if n > 0 {
			r.logger.Info().Int("recovered", n).Msg("startup orphan sweep done")
		}
	}

	go r.run()
	r.logger.Info().Dur("poll_interval", r.pollInterval).Msg("runner started")
	return nil
}

// Stop halts the poll loop and waits up to stopTimeout for in-flight
// executors. Idempotent.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	for _, cancel := range r.active {
		cancel()
	}
	done := r.doneCh
	r.mu.Unlock()

	<-done

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		r.logger.Info().Msg("runner stopped")
	case <-time.After(stopTimeout):
		r.logger.Warn().
			Int("abandoned", r.RunningCount()).
			Msg("runner stopped with executors still in flight")
	}
}

// IsRunning reports whether a task currently has a live executor.
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[taskID]
	return ok
}

// RunningCount returns the number of live executors.
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Metrics returns a snapshot of the runner's counters.
func (r *Runner) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		Processed: r.processed,
		Succeeded: r.succeeded,
		Failed:    r.failed,
		Paused:    r.paused,
		Active:    len(r.active),
		Polls:     r.polls,
		StartedAt: r.startedAt,
	}
}

func (r *Runner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick dispatches at most one task per poll: admission check, then the single
// highest-priority ready task.
func (r *Runner) tick() {
	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	r.polls++
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.announceCreated(ctx)

	ok, reason := r.tracker.CanStartTask()
	if !ok {
		r.logger.Debug().Str("reason", reason).Msg("dispatch blocked")
		return
	}

	ready, err := r.store.GetReadyTasks(ctx, 1, true)
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot query ready tasks")
		return
	}
	if len(ready) == 0 {
		return
	}

	task := ready[0]
	if r.IsRunning(task.ID) {
		return
	}
	if err := r.dispatch(ctx, task); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("dispatch failed")
	}
}

// announceCreated publishes task:created for rows that appeared since the
// previous poll. The CLI writes the store directly, so creation is observed
// here rather than on the write path.
func (r *Runner) announceCreated(ctx context.Context) {
	r.mu.Lock()
	mark := r.createdMark
	r.mu.Unlock()

	tasks, err := r.store.ListTasks(ctx, store.TaskFilter{CreatedAfter: mark})
	if err != nil {
		r.logger.Error().Err(err).Msg("cannot query new tasks")
		return
	}
	for _, task := range tasks {
		if task.CreatedAt.After(mark) {
			mark = task.CreatedAt
		}
		r.broker.Publish(events.Event{
			Type:    events.EventTaskCreated,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %q created", task.Title),
			Data:    task,
		})
	}

	r.mu.Lock()
	if mark.After(r.createdMark) {
		r.createdMark = mark
	}
	r.mu.Unlock()
}

func (r *Runner) dispatch(ctx context.Context, task *types.Task) error {
	// Assign the first workflow stage when the task has none yet.
	if task.CurrentStage == "" {
		wf, err := r.workflows.Get(task.Workflow)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		task.CurrentStage = wf.Stages[0]
		task.StageIndex = 0
		if err := r.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
			CurrentStage: &task.CurrentStage,
			StageIndex:   &task.StageIndex,
		}); err != nil {
			return err
		}
	}

	if err := r.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusInProgress, task.CurrentStage, ""); err != nil {
		return fmt.Errorf("cannot mark task in-progress: %w", err)
	}
	r.tracker.TrackTaskStart(task.ID)
	metrics.TasksDispatched.Inc()

	// Resume from the latest checkpoint when the session allows it.
	var (
		resume  *types.ResumePoint
		summary string
	)
	if r.sessions != nil {
		if restored, err := r.sessions.RestoreSession(ctx, task.ID); err == nil && restored.CanResume {
			resume = restored.ResumePoint
			summary = restored.Summary
		}
	}

	execCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.active[task.ID] = cancel
	r.processed++
	metrics.TasksRunning.Set(float64(len(r.active)))
	r.mu.Unlock()

	req := &ExecutionRequest{
		Task:          task,
		Resume:        resume,
		ResumeSummary: summary,
		OnStage: func(stage string, conversation []types.ConversationMessage, stageState map[string]any) {
			r.stageChanged(task, stage, conversation, stageState)
		},
		OnUsage: func(delta types.TaskUsage) types.PauseReason {
			r.tracker.RecordUsage(task.ID, delta)
			total, _ := r.tracker.ActiveTaskUsage(task.ID)
			if over, reason := r.tracker.ExceedsTaskLimits(total); over {
				return reason
			}
			return ""
		},
	}

	r.wg.Add(1)
	go r.execute(execCtx, cancel, req)

	r.logger.Info().
		Str("task_id", task.ID).
		Str("title", task.Title).
		Str("priority", string(task.Priority)).
		Bool("resumed", resume != nil).
		Msg("task dispatched")
	return nil
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelFunc, req *ExecutionRequest) {
	defer r.wg.Done()
	defer cancel()

	task := req.Task
	result, err := r.executor.Execute(ctx, req)

	defer func() {
		r.mu.Lock()
		delete(r.active, task.ID)
		metrics.TasksRunning.Set(float64(len(r.active)))
		r.mu.Unlock()
	}()

	// A cancelled dispatch context means Stop is tearing the runner down.
	// The attempt is abandoned with the row left in-progress; the orphan
	// sweep on the next start owns it. No events after this point.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		r.logger.Warn().Str("task_id", task.ID).Msg("executor interrupted, task abandoned in-progress")
		return
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()

	if err != nil {
		r.complete(cctx, task, &ExecutionResult{Outcome: OutcomeFailed, Error: err.Error()})
		return
	}
	if result == nil {
		r.complete(cctx, task, &ExecutionResult{Outcome: OutcomeFailed, Error: "executor returned no result"})
		return
	}
	r.complete(cctx, task, result)
}

// complete applies one attempt's outcome: status transition, usage
// accounting, checkpoint on pause, events and counters.
func (r *Runner) complete(ctx context.Context, task *types.Task, result *ExecutionResult) {
	if result.Usage != (types.TaskUsage{}) {
		usage := task.Usage
		usage.Add(result.Usage)
		if err := r.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Usage: &usage}); err != nil {
			r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("cannot record task usage")
		}
	}
	r.tracker.TrackTaskCompletion(task.ID, result.Usage)

	switch result.Outcome {
	case OutcomeCompleted:
		if err := r.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusCompleted, task.CurrentStage, ""); err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot mark task completed")
			return
		}
		r.mu.Lock()
		r.succeeded++
		r.mu.Unlock()
		metrics.TasksCompleted.Inc()
		r.broker.Publish(events.Event{
			Type:    events.EventTaskCompleted,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %q completed", task.Title),
		})
		r.logger.Info().Str("task_id", task.ID).Msg("task completed")

	case OutcomePaused:
		if r.sessions != nil && len(result.Conversation) > 0 {
			if _, err := r.sessions.CreateCheckpoint(ctx, task, result.Conversation, result.StageState); err != nil {
				r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("cannot checkpoint paused task")
			}
		}
		reason := result.PauseReason
		if reason == "" {
			reason = types.PauseReasonOther
		}
		if err := r.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPaused, task.CurrentStage, string(reason)); err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot mark task paused")
			return
		}
		if !result.ResumeAfter.IsZero() {
			after := result.ResumeAfter
			if err := r.store.UpdateTask(ctx, task.ID, store.TaskUpdate{ResumeAfter: &after}); err != nil {
				r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("cannot record resumeAfter")
			}
		}
		r.mu.Lock()
		r.paused++
		r.mu.Unlock()
		r.logger.Info().
			Str("task_id", task.ID).
			Str("reason", string(reason)).
			Msg("task paused")

	default: // failed
		if task.RetryCount < task.MaxRetries {
			retries := task.RetryCount + 1
			if err := r.store.UpdateTask(ctx, task.ID, store.TaskUpdate{RetryCount: &retries}); err == nil {
				if err := r.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusPending, "", result.Error); err == nil {
					r.logger.Warn().
						Str("task_id", task.ID).
						Int("retry", retries).
						Str("error", result.Error).
						Msg("task failed, retrying")
					return
				}
			}
		}
		if err := r.store.UpdateTaskStatus(ctx, task.ID, types.TaskStatusFailed, task.CurrentStage, result.Error); err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot mark task failed")
			return
		}
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		metrics.TasksFailed.Inc()
		r.broker.Publish(events.Event{
			Type:    events.EventTaskFailed,
			TaskID:  task.ID,
			Message: result.Error,
		})
		r.logger.Error().
			Str("task_id", task.ID).
			Str("error", result.Error).
			Msg("task failed")
	}
}

// stageChanged records a stage transition: task row, checkpoint, event.
func (r *Runner) stageChanged(task *types.Task, stage string, conversation []types.ConversationMessage, stageState map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	idx := r.workflows.StageIndex(task.Workflow, stage)
	upd := store.TaskUpdate{CurrentStage: &stage}
	if idx >= 0 {
		upd.StageIndex = &idx
	}
	if err := r.store.UpdateTask(ctx, task.ID, upd); err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot record stage change")
		return
	}
	task.CurrentStage = stage
	if idx >= 0 {
		task.StageIndex = idx
	}

	if r.sessions != nil && len(conversation) > 0 {
		if _, err := r.sessions.CreateCheckpoint(ctx, task, conversation, stageState); err != nil {
			r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("cannot checkpoint stage boundary")
		}
	}

	r.broker.Publish(events.Event{
		Type:    events.EventTaskStageChanged,
		TaskID:  task.ID,
		Message: fmt.Sprintf("task entered stage %s", stage),
		Data: events.StageChangedPayload{
			Task:  task,
			Stage: stage,
		},
	})
	r.logger.Info().
		Str("task_id", task.ID).
		Str("stage", stage).
		Msg("stage changed")
}
