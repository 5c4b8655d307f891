package mocks

import (
	"context"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) RunRepository() persistence.RunRepository {
	args := m.Called()

	return args.Get(0).(persistence.RunRepository)
}

func (m *MockPersistence) RunContextRepository() persistence.RunContextRepository {
	args := m.Called()

	return args.Get(0).(persistence.RunContextRepository)
}

func (m *MockPersistence) DefinitionRepository() persistence.DefinitionRepository {
	args := m.Called()

	return args.Get(0).(persistence.DefinitionRepository)
}

func (m *MockPersistence) ChatConfigRepository() persistence.ChatConfigRepository {
	args := m.Called()

	return args.Get(0).(persistence.ChatConfigRepository)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) SaveRun(ctx context.Context, run *models.RunRecord) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunRepository) RunByID(ctx context.Context, id string) (*models.RunRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.RunRecord), args.Error(1)
}

func (m *MockRunRepository) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errMsg string) error {
	args := m.Called(ctx, id, status, errMsg)

	return args.Error(0)
}

func (m *MockRunRepository) RunsBySwarm(ctx context.Context, swarmID string) ([]*models.RunRecord, error) {
	args := m.Called(ctx, swarmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.RunRecord), args.Error(1)
}

// MockRunContextRepository is a mock implementation of persistence.RunContextRepository interface.
type MockRunContextRepository struct {
	mock.Mock
}

func (m *MockRunContextRepository) SaveRunContext(ctx context.Context, runCtx *models.RunExecutionContext) error {
	args := m.Called(ctx, runCtx)

	return args.Error(0)
}

func (m *MockRunContextRepository) RunContext(ctx context.Context, runID string) (*models.RunExecutionContext, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.RunExecutionContext), args.Error(1)
}

func (m *MockRunContextRepository) DeleteRunContext(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)

	return args.Error(0)
}

// MockDefinitionRepository is a mock implementation of persistence.DefinitionRepository interface.
type MockDefinitionRepository struct {
	mock.Mock
}

func (m *MockDefinitionRepository) SaveDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	args := m.Called(ctx, def)

	return args.Error(0)
}

func (m *MockDefinitionRepository) DefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionRepository) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

// MockChatConfigRepository is a mock implementation of persistence.ChatConfigRepository interface.
type MockChatConfigRepository struct {
	mock.Mock
}

func (m *MockChatConfigRepository) SaveChatConfig(ctx context.Context, cfg *models.ChatConfig) error {
	args := m.Called(ctx, cfg)

	return args.Error(0)
}

func (m *MockChatConfigRepository) ChatConfigByID(ctx context.Context, chatID string) (*models.ChatConfig, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ChatConfig), args.Error(1)
}
