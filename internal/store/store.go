package store

import (
	"context"

	"github.com/zeeeepa/codegenapp/internal/models"
)

// RunListFilter specifies filters for listing agent runs.
type RunListFilter struct {
	ProjectID string
	Status    models.RunStatus
	Limit     int
}

// PipelineListFilter specifies filters for listing validation pipelines.
type PipelineListFilter struct {
	ProjectID string
	Status    models.PipelineStatus
	PRNumber  int
	Limit     int
}

// Store defines the persistence interface for the dashboard.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	GetProjectByRepoURL(ctx context.Context, repoURL string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error

	// Agent Runs
	CreateAgentRun(ctx context.Context, run *models.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	GetAgentRunByExternalID(ctx context.Context, externalID string) (*models.AgentRun, error)
	ListAgentRuns(ctx context.Context, filter RunListFilter) ([]*models.AgentRun, error)
	UpdateAgentRun(ctx context.Context, run *models.AgentRun) error
	DeleteAgentRun(ctx context.Context, id string) error

	// Messages
	CreateMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, runID string) ([]*models.Message, error)

	// Validation Pipelines
	CreatePipeline(ctx context.Context, p *models.ValidationPipeline) error
	GetPipeline(ctx context.Context, id string) (*models.ValidationPipeline, error)
	ListPipelines(ctx context.Context, filter PipelineListFilter) ([]*models.ValidationPipeline, error)
	UpdatePipeline(ctx context.Context, p *models.ValidationPipeline) error

	// Webhook Events
	CreateWebhookEvent(ctx context.Context, e *models.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error)
	GetWebhookEventByDeliveryID(ctx context.Context, deliveryID string) (*models.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, processed *bool, limit int) ([]*models.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
