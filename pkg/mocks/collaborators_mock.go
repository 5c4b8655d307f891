package mocks

import (
	"context"

	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockConversationEngine is a mock implementation of conversation.Engine interface.
type MockConversationEngine struct {
	mock.Mock
}

func (m *MockConversationEngine) OrchestrateConversation(ctx context.Context, req conversation.Request) (*conversation.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*conversation.Result), args.Error(1)
}

// MockInterceptor is a mock implementation of interceptor.Interceptor interface.
type MockInterceptor struct {
	mock.Mock
}

func (m *MockInterceptor) CheckInterception(ctx context.Context, env *events.Envelope, state *models.SwarmState) (interceptor.Result, error) {
	args := m.Called(ctx, env, state)

	return args.Get(0).(interceptor.Result), args.Error(1)
}

// MockLockService is a mock implementation of lock.Service interface.
type MockLockService struct {
	mock.Mock
}

func (m *MockLockService) AcquireLock(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)

	return args.Bool(0), args.Error(1)
}

func (m *MockLockService) ReleaseLock(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)

	return args.Bool(0), args.Error(1)
}
