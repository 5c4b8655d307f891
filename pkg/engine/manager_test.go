package engine_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/engine"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/lock"
	"github.com/dukex/swarmflow/pkg/mocks"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence/file"
	"github.com/dukex/swarmflow/pkg/routine"
	"github.com/dukex/swarmflow/pkg/swarm"
	"github.com/dukex/swarmflow/pkg/testutil"
)

type fixture struct {
	manager      *engine.Manager
	bus          *mocks.MockEventBus
	store        *contextstore.Store
	db           *file.Persistence
	conversation *mocks.MockConversationEngine
	emitter      *mocks.MockEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := contextstore.NewMemoryStore(logger)
	db := file.NewPersistence(t.TempDir())

	emitter := &mocks.MockEmitter{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(eventbus.EmitResult{Proceed: true})

	conv := &mocks.MockConversationEngine{}
	conv.On("OrchestrateConversation", mock.Anything, mock.Anything).Return(&conversation.Result{Success: true}, nil)

	rules, err := interceptor.NewRuleInterceptor(interceptor.Rules{})
	require.NoError(t, err)

	bus := &mocks.MockEventBus{}

	manager := engine.NewManager("worker-1", bus,
		swarm.Deps{
			Store:         store,
			Conversation:  conv,
			Interceptor:   rules,
			Locks:         lock.NewMemoryService(lock.NewMemoryRegistry(), lock.DefaultTTL),
			ChatConfigs:   db.ChatConfigRepository(),
			Emitter:       emitter,
			Logger:        logger,
			DefaultBudget: testutil.Budget("100", 3_600_000, 4096, 1000),
		},
		routine.Deps{
			Store:             store,
			Runs:              db.RunRepository(),
			Contexts:          db.RunContextRepository(),
			Definitions:       db.DefinitionRepository(),
			Emitter:           emitter,
			Logger:            logger,
			DefaultAllocation: testutil.Budget("10", 3_600_000, 256, 50),
		},
		logger,
	)

	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return &fixture{
		manager:      manager,
		bus:          bus,
		store:        store,
		db:           db,
		conversation: conv,
		emitter:      emitter,
	}
}

func startSwarm(id string) *events.Envelope {
	return events.New(events.SwarmStartRequested, id, map[string]any{
		"swarmId":  id,
		"goal":     "Plan the launch",
		"userData": map[string]any{"id": "u1"},
	})
}

func (f *fixture) swarm(t *testing.T, id string) *swarm.Swarm {
	t.Helper()

	instance, ok := f.manager.Get(swarm.Kind, id)
	require.True(t, ok, "swarm %s is not live", id)

	return instance.(*swarm.Swarm)
}

func (f *fixture) routine(t *testing.T, id string) *routine.Routine {
	t.Helper()

	instance, ok := f.manager.Get(routine.Kind, id)
	require.True(t, ok, "run %s is not live", id)

	return instance.(*routine.Routine)
}

func TestManager_StartSubscribesCatchAll(t *testing.T) {
	f := newFixture(t)

	f.bus.On("Handle", events.MustPattern("*"), mock.Anything).Return(nil).Once()
	f.bus.On("Subscribe", mock.Anything).Return(nil).Once()

	require.NoError(t, f.manager.Start(context.Background()))
	f.bus.AssertExpectations(t)
}

func TestManager_StartSwarmCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-1")))

	s := f.swarm(t, "swarm-1")
	assert.Equal(t, models.StateReady, s.State())

	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-1")))
	assert.Equal(t, 1, f.manager.Len())
	f.conversation.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
}

func TestManager_StartSwarmDecodesBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	env := startSwarm("swarm-1")
	env.Data["budget"] = map[string]any{
		"max_credits":     "5.5",
		"max_duration_ms": 60_000,
		"max_memory_mb":   512,
		"max_steps":       20,
	}

	require.NoError(t, f.manager.Route(ctx, env))

	state, err := f.store.GetContext(ctx, "swarm-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "5.5", state.Resources.Budget.MaxCredits.String())
	assert.Equal(t, int64(20), state.Resources.Budget.MaxSteps)
}

func TestManager_InvalidSwarmCommandLeavesNoInstance(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Route(context.Background(), events.New(events.SwarmStartRequested, "", map[string]any{
		"swarmId": "swarm-1",
	})))

	assert.Equal(t, 0, f.manager.Len())
}

func TestManager_RoutesToScopedInstanceOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-1")))
	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-2")))

	require.NoError(t, f.manager.Route(ctx, events.New(events.ChatMessageCreated, "swarm-1", map[string]any{
		events.KeySwarmID: "swarm-1",
		events.KeyMessage: "status?",
	})))

	require.NoError(t, f.swarm(t, "swarm-1").WaitForIdle(ctx))
	require.NoError(t, f.swarm(t, "swarm-2").WaitForIdle(ctx))

	var turns []string

	for _, call := range f.conversation.Calls {
		req := call.Arguments.Get(1).(conversation.Request)
		if req.Trigger.Type == conversation.TriggerUserMessage {
			turns = append(turns, req.Context.SwarmID)
		}
	}

	assert.Equal(t, []string{"swarm-1"}, turns)
	assert.Equal(t, models.StateRunning, f.swarm(t, "swarm-1").State())
	assert.Equal(t, models.StateReady, f.swarm(t, "swarm-2").State())
}

func TestManager_RoutineLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	def := testutil.Linear("r1")
	require.NoError(t, f.db.DefinitionRepository().SaveDefinition(ctx, def))
	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-1")))

	require.NoError(t, f.manager.Route(ctx, events.New(events.RoutineStartRequested, "swarm-1", map[string]any{
		"routineVersionId": def.ID,
		"swarmId":          "swarm-1",
		"runId":            "run-1",
		"variables":        map[string]any{"topic": "launch"},
	})))

	r := f.routine(t, "run-1")
	assert.Equal(t, models.StateRunning, r.State())
	assert.Equal(t, "launch", r.Snapshot().Variables["topic"])
	require.Len(t, f.emitter.Emitted(events.TaskReady("run-1")), 1)

	require.NoError(t, f.manager.Route(ctx, events.New(events.TaskCompleted("run-1"), "swarm-1", map[string]any{
		events.KeyRunID:  "run-1",
		events.KeyNodeID: "task",
	})))
	require.NoError(t, r.WaitForIdle(ctx))
	assert.Equal(t, models.StateCompleted, r.State())

	require.NoError(t, f.manager.Route(ctx, events.New("swarm/heartbeat", "", nil)))

	_, live := f.manager.Get(routine.Kind, "run-1")
	assert.False(t, live, "finished routines are removed")
	assert.Equal(t, 1, f.manager.Len())
}

func TestManager_FailedRoutineIsRemoved(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.Route(context.Background(), events.New(events.RoutineStartRequested, "", map[string]any{
		"routineVersionId": "missing-v1",
		"runId":            "run-1",
	})))

	assert.Equal(t, 0, f.manager.Len())

	record, err := f.db.RunRepository().RunByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, record.Status)
}

func TestManager_ShutdownStopsInstances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Route(ctx, startSwarm("swarm-1")))
	s := f.swarm(t, "swarm-1")

	f.manager.Shutdown(ctx)

	assert.Equal(t, models.StateCancelled, s.State())
	assert.Equal(t, 0, f.manager.Len())
}
