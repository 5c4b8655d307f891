// Package persistence provides the durable storage of run records, run
// execution contexts, workflow definitions and chat configurations.
package persistence

import (
	"context"

	"github.com/dukex/swarmflow/pkg/models"
)

type Persistence interface {
	RunRepository() RunRepository
	RunContextRepository() RunContextRepository
	DefinitionRepository() DefinitionRepository
	ChatConfigRepository() ChatConfigRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

type RunRepository interface {
	SaveRun(ctx context.Context, run *models.RunRecord) error
	// RunByID returns ErrRunNotFound when no record exists.
	RunByID(ctx context.Context, id string) (*models.RunRecord, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error
	RunsBySwarm(ctx context.Context, swarmID string) ([]*models.RunRecord, error)
}

type RunContextRepository interface {
	SaveRunContext(ctx context.Context, runCtx *models.RunExecutionContext) error
	// RunContext returns ErrRunContextNotFound when no context exists.
	RunContext(ctx context.Context, runID string) (*models.RunExecutionContext, error)
	DeleteRunContext(ctx context.Context, runID string) error
}

type DefinitionRepository interface {
	SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	// DefinitionByID returns ErrDefinitionNotFound when no definition exists.
	DefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error)
}

type ChatConfigRepository interface {
	SaveChatConfig(ctx context.Context, cfg *models.ChatConfig) error
	// ChatConfigByID returns ErrChatConfigNotFound when no configuration exists.
	ChatConfigByID(ctx context.Context, chatID string) (*models.ChatConfig, error)
}
