package mocks

import (
	"context"

	"github.com/dukex/swarmflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockContextStore is a mock implementation of contextstore.ContextStore interface.
type MockContextStore struct {
	mock.Mock
}

func (m *MockContextStore) CreateContext(ctx context.Context, state *models.SwarmState) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}

func (m *MockContextStore) GetContext(ctx context.Context, swarmID string) (*models.SwarmState, error) {
	args := m.Called(ctx, swarmID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.SwarmState), args.Error(1)
}

func (m *MockContextStore) UpdateContext(ctx context.Context, swarmID string, patch map[string]any, updatedBy string) (*models.SwarmState, error) {
	args := m.Called(ctx, swarmID, patch, updatedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.SwarmState), args.Error(1)
}

func (m *MockContextStore) DeleteContext(ctx context.Context, swarmID string) error {
	args := m.Called(ctx, swarmID)

	return args.Error(0)
}

func (m *MockContextStore) AllocateResources(ctx context.Context, swarmID string, req models.AllocationRequest) (*models.ResourceAllocation, error) {
	args := m.Called(ctx, swarmID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ResourceAllocation), args.Error(1)
}

func (m *MockContextStore) ReleaseResources(ctx context.Context, swarmID, allocationID string, usage models.ResourceUsage) error {
	args := m.Called(ctx, swarmID, allocationID, usage)

	return args.Error(0)
}

func (m *MockContextStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockContextStore) Close() error {
	args := m.Called()

	return args.Error(0)
}
