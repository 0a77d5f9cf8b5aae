package models

import "time"

// RunStatus represents the state of an agent run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingInput RunStatus = "waiting_input"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// RunResponseType classifies the payload an agent run produced.
type RunResponseType string

const (
	RunResponseRegular RunResponseType = "regular"
	RunResponsePlan    RunResponseType = "plan"
	RunResponsePR      RunResponseType = "pr"
)

// AgentRun represents one invocation of the remote agent against a prompt.
type AgentRun struct {
	ID           string
	ExternalID   string // id assigned by the agent API, unique once set
	ProjectID    string
	Prompt       string
	Status       RunStatus
	ResponseType RunResponseType
	Result       string // opaque JSON payload from the agent
	WebURL       string
	Progress     int // 0-100
	CurrentStep  string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}
