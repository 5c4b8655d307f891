package mocks

import (
	"context"

	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, env *events.Envelope) error {
	args := m.Called(ctx, key, env)

	return args.Error(0)
}

func (m *MockEventBus) Handle(pattern events.Pattern, handler eventbus.EventHandler) error {
	args := m.Called(pattern, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// MockEmitter is a mock implementation of eventbus.Emitter interface.
type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) Emit(ctx context.Context, eventType, correlationID string, data map[string]any, opts ...events.Option) eventbus.EmitResult {
	args := m.Called(ctx, eventType, correlationID, data)

	return args.Get(0).(eventbus.EmitResult)
}

// Emitted returns the data of every Emit call with the given event type.
func (m *MockEmitter) Emitted(eventType string) []map[string]any {
	var out []map[string]any

	for _, call := range m.Calls {
		if call.Method == "Emit" && call.Arguments.String(1) == eventType {
			data, _ := call.Arguments.Get(3).(map[string]any)
			out = append(out, data)
		}
	}

	return out
}
