package models

import "time"

// PipelineStatus represents the state of a validation pipeline.
type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusPassed    PipelineStatus = "passed"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
)

// StepStatus represents the state of a single pipeline step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one named pipeline step.
type StepResult struct {
	Name       string
	Status     StepStatus
	Attempts   int
	Output     string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ValidationPipeline tracks the ordered checks run against a pull request.
type ValidationPipeline struct {
	ID            string
	ProjectID     string
	RunID         string // optional link to the agent run that opened the PR
	PRNumber      int
	PRURL         string
	Status        PipelineStatus
	Steps         []StepResult
	DeploymentURL string
	RetryCount    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}
