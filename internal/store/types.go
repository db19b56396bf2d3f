package store

import "time"

// BuildStatus is the lifecycle status of a build.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusRetrying  BuildStatus = "retrying"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses must never
// be clobbered by a late-arriving writer.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusRetrying  StepStatus = "retrying"
)

// CustomPromptStatus is the lifecycle status of an externally-injected prompt.
// Transitions are monotonic: pending -> injected|skipped, injected -> executed|skipped.
type CustomPromptStatus string

const (
	CustomPromptPending  CustomPromptStatus = "pending"
	CustomPromptInjected CustomPromptStatus = "injected"
	CustomPromptExecuted CustomPromptStatus = "executed"
	CustomPromptSkipped  CustomPromptStatus = "skipped"
)

// Build is a row in the builds table.
type Build struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	Status        BuildStatus `json:"status"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// PlannedPrompt is a row in the build_prompts table: one entry of the
// build's ordered prompt plan.
type PlannedPrompt struct {
	ID      string `json:"id"`
	BuildID string `json:"build_id"`
	Ordinal int    `json:"ordinal"`
	Prompt  string `json:"prompt"`
}

// Step is a row in the build_steps table: the persisted record of one
// attempt-sequence to execute one prompt.
type Step struct {
	ID           string     `json:"id,omitempty"` // store-assigned; empty on insert
	BuildID      string     `json:"build_id"`
	Ordinal      int        `json:"ordinal"`
	Prompt       string     `json:"prompt"`
	Status       StepStatus `json:"status"`
	Attempt      int        `json:"attempt"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// CustomPrompt is a row in the custom_prompts table: a prompt injected by an
// external UI while the build is running.
type CustomPrompt struct {
	ID        string             `json:"id"`
	BuildID   string             `json:"build_id"`
	Prompt    string             `json:"prompt"`
	Status    CustomPromptStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// LogRow is a row in the build_logs table: one captured line of agent output.
type LogRow struct {
	ID        string    `json:"id,omitempty"` // store-assigned; empty on insert
	BuildID   string    `json:"build_id"`
	StepID    string    `json:"step_id,omitempty"`
	Stream    string    `json:"stream"` // stdout, stderr, system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
