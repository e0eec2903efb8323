package types

import (
	"time"
)

// Task is the central record: a unit of autonomous work with a durable lifecycle.
type Task struct {
	ID          string
	ProjectPath string
	Workflow    string
	Title       string
	Description string

	ParentTaskID string
	SubtaskIDs   []string
	DependsOn    []string // task IDs this task must wait for
	BlockedBy    []string // subset of DependsOn not yet completed/cancelled

	Priority TaskPriority
	Effort   TaskEffort
	Autonomy TaskAutonomy

	Status         TaskStatus
	CurrentStage   string
	StageIndex     int
	RetryCount     int
	MaxRetries     int
	ResumeAttempts int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	PausedAt    time.Time
	ResumeAfter time.Time
	PauseReason PauseReason
	Error       string

	Usage TaskUsage

	Workspace      *WorkspaceInfo
	SessionData    *SessionData
	LastCheckpoint time.Time

	Logs      []*LogEntry
	Artifacts []*Artifact
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority orders tasks within the ready queue
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// PriorityRank maps a priority to its canonical sort rank (lower runs first).
// Unknown values sort after low.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

// TaskEffort is a rough size estimate used as a sort tiebreaker
type TaskEffort string

const (
	EffortXS     TaskEffort = "xs"
	EffortSmall  TaskEffort = "small"
	EffortMedium TaskEffort = "medium"
	EffortLarge  TaskEffort = "large"
	EffortXL     TaskEffort = "xl"
)

// EffortRank maps an effort to its canonical sort rank. Unknown values rank
// as medium.
func EffortRank(e TaskEffort) int {
	switch e {
	case EffortXS:
		return 1
	case EffortSmall:
		return 2
	case EffortMedium:
		return 3
	case EffortLarge:
		return 4
	case EffortXL:
		return 5
	default:
		return 3
	}
}

// TaskAutonomy controls how much human oversight a task requires
type TaskAutonomy string

const (
	AutonomyManual     TaskAutonomy = "manual"
	AutonomyReview     TaskAutonomy = "review-before-merge"
	AutonomyAutonomous TaskAutonomy = "autonomous"
)

// PauseReason explains why a task left in-progress for paused
type PauseReason string

const (
	PauseReasonUsageLimit       PauseReason = "usage_limit"
	PauseReasonBudget           PauseReason = "budget"
	PauseReasonCapacity         PauseReason = "capacity"
	PauseReasonContainerFailure PauseReason = "container_failure"
	PauseReasonSessionLimit     PauseReason = "session_limit"
	PauseReasonManual           PauseReason = "manual"
	PauseReasonOther            PauseReason = "other"
)

// AutoResumable reports whether the resume controller may bring the task
// back to pending without operator action.
func (r PauseReason) AutoResumable() bool {
	switch r {
	case PauseReasonUsageLimit, PauseReasonBudget, PauseReasonCapacity, PauseReasonContainerFailure:
		return true
	default:
		return false
	}
}

// TaskUsage is the cumulative resource accounting for one task
type TaskUsage struct {
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	TotalTokens   int64   `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Add accumulates another usage sample into u.
func (u *TaskUsage) Add(other TaskUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.EstimatedCost += other.EstimatedCost
}

// Dependency is a directed edge: Task waits on BlockingTask
type Dependency struct {
	TaskID         string
	BlockingTaskID string
	CreatedAt      time.Time
}

// LogEntry is an append-only task log line
type LogEntry struct {
	ID        int64             `json:"id,omitempty"`
	TaskID    string            `json:"taskId"`
	Level     string            `json:"level"`
	Stage     string            `json:"stage,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Artifact is a named output attached to a task
type Artifact struct {
	ID        int64     `json:"id,omitempty"`
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Path      string    `json:"path,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContentBlock is one typed block inside a conversation message. Type is the
// tag: "text", "tool_use" or "tool_result".
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolID    string         `json:"toolId,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// ConversationMessage is one turn of the conversation carried in checkpoints
type ConversationMessage struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// Checkpoint is a durable snapshot of a task's conversation and stage state
type Checkpoint struct {
	ID                string                 `json:"id"`
	TaskID            string                 `json:"taskId"`
	Sequence          int                    `json:"sequence"`
	Stage             string                 `json:"stage"`
	StageIndex        int                    `json:"stageIndex"`
	ConversationState []ConversationMessage  `json:"conversationState"`
	StageState        map[string]any         `json:"stageState,omitempty"`
	Metadata          map[string]any         `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// ResumePoint identifies where execution picks up after a restore
type ResumePoint struct {
	Stage     string         `json:"stage"`
	StepIndex int            `json:"stepIndex"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionData holds hint fields derived from the latest checkpoint, embedded
// on the task row. Checkpoints remain the authoritative resume source.
type SessionData struct {
	LastCheckpoint   time.Time             `json:"lastCheckpoint"`
	ContextSummary   string                `json:"contextSummary,omitempty"`
	ConversationTail []ConversationMessage `json:"conversationTail,omitempty"`
	StageState       map[string]any        `json:"stageState,omitempty"`
	ResumePoint      *ResumePoint          `json:"resumePoint,omitempty"`
}

// WorkspaceInfo describes the materialized working directory of a task
type WorkspaceInfo struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Cleanup   bool      `json:"cleanup"`
}

// GateStatus is the state of an approval gate
type GateStatus string

const (
	GateStatusPending  GateStatus = "pending"
	GateStatusApproved GateStatus = "approved"
	GateStatusRejected GateStatus = "rejected"
)

// Gate is an approval record attached to a task, unique per (task, name)
type Gate struct {
	ID          int64
	TaskID      string
	Name        string
	Status      GateStatus
	RequiredAt  time.Time
	RespondedAt time.Time
	Approver    string
	Comment     string
}

// IdleTask is candidate work generated during idleness; it may later be
// promoted into a real Task.
type IdleTask struct {
	ID                string
	Type              string
	Title             string
	Rationale         string
	Priority          TaskPriority
	EstimatedEffort   TaskEffort
	SuggestedWorkflow string
	Implemented       bool
	PromotedTaskID    string
	CreatedAt         time.Time
}

// UsageMode is the current resource regime selecting a threshold profile
type UsageMode string

const (
	ModeDay     UsageMode = "day"
	ModeNight   UsageMode = "night"
	ModeWeekend UsageMode = "weekend"
)

// ModeThresholds are the caps applied while a given mode is active. Zero
// values fall back to the global limits.
type ModeThresholds struct {
	MaxTokensPerTask   int64   `yaml:"maxTokensPerTask" json:"maxTokensPerTask"`
	MaxCostPerTask     float64 `yaml:"maxCostPerTask" json:"maxCostPerTask"`
	MaxConcurrentTasks int     `yaml:"maxConcurrentTasks" json:"maxConcurrentTasks"`
	DailyBudget        float64 `yaml:"dailyBudget" json:"dailyBudget"`
}

// UsageSnapshot is an immutable view of the usage accumulator
type UsageSnapshot struct {
	CurrentTokens int64          `json:"currentTokens"`
	CurrentCost   float64        `json:"currentCost"`
	ActiveTasks   int            `json:"activeTasks"`
	DailySpent    float64        `json:"dailySpent"`
	Mode          UsageMode      `json:"mode"`
	Thresholds    ModeThresholds `json:"thresholds"`
	TasksStarted  int64          `json:"tasksStarted"`
	TasksDone     int64          `json:"tasksCompleted"`
	TakenAt       time.Time      `json:"takenAt"`
}

// CapacityAxis is one independently exhausted resource dimension
type CapacityAxis string

const (
	AxisTokens      CapacityAxis = "tokens"
	AxisCost        CapacityAxis = "cost"
	AxisConcurrency CapacityAxis = "concurrency"
	AxisDailyBudget CapacityAxis = "daily_budget"
)

// RestoreReason explains what triggered a capacity:restored event
type RestoreReason string

const (
	RestoreCapacityDropped RestoreReason = "capacity_dropped"
	RestoreModeSwitch      RestoreReason = "mode_switch"
	RestoreMidnightReset   RestoreReason = "midnight_reset"
	RestoreManual          RestoreReason = "manual"
)

// CapacityStatus describes the monitor's current state
type CapacityStatus struct {
	Running            bool           `json:"running"`
	NextModeSwitch     time.Time      `json:"nextModeSwitch"`
	NextMidnight       time.Time      `json:"nextMidnight"`
	HasModeSwitchTimer bool           `json:"hasModeSwitchTimer"`
	HasMidnightTimer   bool           `json:"hasMidnightTimer"`
	LastUsage          *UsageSnapshot `json:"lastUsage,omitempty"`
	ExhaustedAxes      []CapacityAxis `json:"exhaustedAxes,omitempty"`
}

// RestartRecord is one entry in the daemon restart history
type RestartRecord struct {
	Reason     string    `json:"reason"`
	ExitCode   int       `json:"exitCode,omitempty"`
	ByWatchdog bool      `json:"byWatchdog"`
	At         time.Time `json:"at"`
}

// HealthMetrics aggregates liveness-probe results and restart history
type HealthMetrics struct {
	ChecksSucceeded int64           `json:"checksSucceeded"`
	ChecksFailed    int64           `json:"checksFailed"`
	LastCheck       time.Time       `json:"lastCheck"`
	LastCheckOK     bool            `json:"lastCheckOk"`
	Restarts        []RestartRecord `json:"restarts,omitempty"`
	MemoryBytes     uint64          `json:"memoryBytes"`
	TaskCount       int             `json:"taskCount"`
	Healthy         bool            `json:"healthy"`
}

// Workflow is an ordered list of named stages a task traverses
type Workflow struct {
	Name   string   `yaml:"name" json:"name"`
	Stages []string `yaml:"stages" json:"stages"`
}

// RecoveryPolicy is how an orphaned in-progress task is healed on startup
type RecoveryPolicy string

const (
	RecoverPending RecoveryPolicy = "pending"
	RecoverFail    RecoveryPolicy = "fail"
	RecoverRetry   RecoveryPolicy = "retry"
)
