package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/types"
)

// CommandExecutor runs each task by invoking an external command: the agent
// harness that actually does the work. The task is passed as JSON on stdin
// plus APEX_* environment variables; the command may print an
// ExecutionResult as JSON on stdout to report rich outcomes (paused, usage),
// otherwise its exit status decides completed versus failed.
//
// With no command configured every dispatch pauses the task for manual
// handling instead of burning retries.
type CommandExecutor struct {
	command []string
}

// NewCommandExecutor creates a command executor. command may be empty.
func NewCommandExecutor(command []string) *CommandExecutor {
	return &CommandExecutor{command: command}
}

func (e *CommandExecutor) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	if len(e.command) == 0 {
		return &ExecutionResult{
			Outcome:     OutcomePaused,
			PauseReason: types.PauseReasonManual,
		}, nil
	}

	payload, err := json.Marshal(req.Task)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal task: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"APEX_TASK_ID="+req.Task.ID,
		"APEX_WORKFLOW="+req.Task.Workflow,
		"APEX_STAGE="+req.Task.CurrentStage,
	)
	if req.Resume != nil {
		cmd.Env = append(cmd.Env,
			"APEX_RESUME_STAGE="+req.Resume.Stage,
			fmt.Sprintf("APEX_RESUME_STEP=%d", req.Resume.StepIndex),
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// A well-behaved harness reports its outcome on stdout.
	if result := parseResult(stdout.Bytes()); result != nil {
		return result, nil
	}

	if runErr != nil {
		msg := stderr.String()
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg == "" {
			msg = runErr.Error()
		}
		return &ExecutionResult{Outcome: OutcomeFailed, Error: msg}, nil
	}
	return &ExecutionResult{Outcome: OutcomeCompleted}, nil
}

func parseResult(out []byte) *ExecutionResult {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		return nil
	}
	var result ExecutionResult
	if err := json.Unmarshal(out, &result); err != nil {
		logger := log.WithComponent("runner")
		logger.Debug().Err(err).Msg("executor stdout is not a result document")
		return nil
	}
	switch result.Outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomePaused:
		return &result
	default:
		return nil
	}
}
