package runner

import (
	"context"
	"time"

	"github.com/apexhq/apex/pkg/types"
)

// Outcome is the terminal disposition of one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomePaused    Outcome = "paused"
)

// ExecutionRequest is everything an executor needs to run one task. Resume is
// non-nil when execution should pick up from a checkpoint instead of
// starting fresh.
type ExecutionRequest struct {
	Task          *types.Task
	Resume        *types.ResumePoint
	ResumeSummary string

	// OnStage is called by the executor at each stage boundary. The runner
	// records the stage transition and writes a checkpoint.
	OnStage func(stage string, conversation []types.ConversationMessage, stageState map[string]any)

	// OnUsage reports a usage delta. The returned pause reason is non-empty
	// when the task has hit a per-task cap and the executor should stop and
	// return a paused result.
	OnUsage func(delta types.TaskUsage) types.PauseReason
}

// ExecutionResult is what an executor hands back when it stops. The JSON form
// doubles as the wire format a command executor's harness prints on stdout.
type ExecutionResult struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`

	// Pause details, set when Outcome is OutcomePaused.
	PauseReason types.PauseReason `json:"pauseReason,omitempty"`
	ResumeAfter time.Time         `json:"resumeAfter,omitempty"`

	// Final conversation and stage state, checkpointed on pause.
	Conversation []types.ConversationMessage `json:"conversation,omitempty"`
	StageState   map[string]any              `json:"stageState,omitempty"`

	// Usage is the attempt's total consumption. Folded into the task row and
	// the usage tracker on completion.
	Usage types.TaskUsage `json:"usage"`
}

// Executor runs one task through its workflow stages. Implementations live
// outside the daemon (the agent harness); the runner only cares about the
// contract: respect ctx cancellation, call the request hooks, return exactly
// one result.
type Executor interface {
	Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error)
}
