package swarm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/lock"
	"github.com/dukex/swarmflow/pkg/mocks"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/statemachine"
	"github.com/dukex/swarmflow/pkg/swarm"
	"github.com/dukex/swarmflow/pkg/testutil"
)

const swarmID = "swarm-1"

type fixture struct {
	deps        swarm.Deps
	store       *contextstore.Store
	engine      *mocks.MockConversationEngine
	interceptor *mocks.MockInterceptor
	locks       *mocks.MockLockService
	emitter     *mocks.MockEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := contextstore.NewMemoryStore(logger)

	emitter := &mocks.MockEmitter{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(eventbus.EmitResult{Proceed: true})

	f := &fixture{
		store:       store,
		engine:      &mocks.MockConversationEngine{},
		interceptor: &mocks.MockInterceptor{},
		locks:       &mocks.MockLockService{},
		emitter:     emitter,
	}

	f.deps = swarm.Deps{
		Store:         store,
		Conversation:  f.engine,
		Interceptor:   f.interceptor,
		Locks:         f.locks,
		Emitter:       emitter,
		Logger:        logger,
		DefaultBudget: testutil.Budget("100", 3_600_000, 4096, 1000),
	}

	return f
}

func task() swarm.Task {
	return swarm.Task{SwarmID: swarmID, Goal: "Summarize the quarterly report", UserData: swarm.UserData{ID: "u1"}}
}

func withTrigger(trigger conversation.TriggerType) any {
	return mock.MatchedBy(func(req conversation.Request) bool { return req.Trigger.Type == trigger })
}

func withStrategy(trigger conversation.TriggerType, strategy conversation.Strategy) any {
	return mock.MatchedBy(func(req conversation.Request) bool {
		return req.Trigger.Type == trigger && req.Strategy == strategy
	})
}

func ok() *conversation.Result {
	return &conversation.Result{Success: true}
}

// started returns a READY swarm whose opening turn succeeded.
func (f *fixture) started(t *testing.T) *swarm.Swarm {
	t.Helper()

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerStart)).Return(ok(), nil).Once()

	s := swarm.New(swarmID, f.deps)
	t.Cleanup(s.Close)

	result := s.Start(context.Background(), task())
	require.True(t, result.Success, result.Error)

	return s
}

func (f *fixture) state(t *testing.T) *models.SwarmState {
	t.Helper()

	state, err := f.store.GetContext(context.Background(), swarmID)
	require.NoError(t, err)
	require.NotNil(t, state)

	return state
}

func scoped(eventType string, data map[string]any, opts ...events.Option) *events.Envelope {
	if data == nil {
		data = map[string]any{}
	}

	data[events.KeySwarmID] = swarmID

	return events.New(eventType, swarmID, data, opts...)
}

func toolCall(id, name string) events.Option {
	return events.WithExecution(&events.ExecutionContext{
		OriginalToolCall: &events.ToolCall{ID: id, Name: name, Arguments: map[string]any{"cmd": "ls"}},
	})
}

func process(t *testing.T, s *swarm.Swarm, env *events.Envelope) {
	t.Helper()

	require.True(t, s.Enqueue(env))
	require.NoError(t, s.WaitForIdle(context.Background()))
}

func TestSwarm_TransitionClosure(t *testing.T) {
	s := swarm.New(swarmID, newFixture(t).deps)
	defer s.Close()

	table := s.Transitions()

	for from, targets := range table {
		assert.False(t, from.IsTerminal(), "terminal state %s has outgoing transitions", from)

		for _, to := range targets {
			assert.NotEqual(t, models.StateUninitialized, to)
		}
	}

	assert.True(t, table.Allows(models.StateUninitialized, models.StateReady))
	assert.False(t, table.Allows(models.StateUninitialized, models.StateRunning))
	assert.True(t, table.Allows(models.StateRunning, models.StateReady))
}

func TestSwarm_StartCreatesContextAndBecomesReady(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	assert.Equal(t, models.StateReady, s.State())
	assert.Equal(t, "u1", s.UserID())
	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)

	call := f.engine.Calls[0].Arguments.Get(1).(conversation.Request)
	assert.Equal(t, conversation.StrategyConversational, call.Strategy)
	assert.Equal(t, swarmID, call.Context.SwarmID)
	require.NotNil(t, call.Context.State)
	assert.Equal(t, "Summarize the quarterly report", call.Context.State.ChatConfig.Goal)

	state := f.state(t)
	assert.Equal(t, "u1", state.Execution.LeaderID)
	assert.Equal(t, models.StateReady, state.Execution.Status)
	assert.Equal(t, "100", state.Resources.Budget.MaxCredits.String())

	assert.Len(t, f.emitter.Emitted(events.SwarmStarted), 1)

	changed := f.emitter.Emitted(events.SwarmStateChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "READY", changed[0]["to"])
	assert.Equal(t, swarmID, changed[0][events.KeySwarmID])
}

func TestSwarm_StartTwiceFails(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	result := s.Start(context.Background(), task())
	assert.False(t, result.Success)
	assert.Equal(t, "Already started", result.Error)
	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
}

func TestSwarm_StartFailsWhenEngineFails(t *testing.T) {
	tests := []struct {
		name   string
		result *conversation.Result
		err    error
	}{
		{name: "transport error", err: errors.New("dial tcp: connection refused")},
		{name: "reported failure", result: &conversation.Result{Error: "no agents"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.On("OrchestrateConversation", mock.Anything, mock.Anything).Return(tt.result, tt.err)

			s := swarm.New(swarmID, f.deps)
			defer s.Close()

			result := s.Start(context.Background(), task())
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, "Conversation engine failed")
			assert.Equal(t, models.StateFailed, s.State())
			assert.Equal(t, models.StateFailed, f.state(t).Execution.Status)
		})
	}
}

func TestSwarm_StartFailsWithoutContext(t *testing.T) {
	f := newFixture(t)

	store := &mocks.MockContextStore{}
	store.On("CreateContext", mock.Anything, mock.Anything).Return(nil)
	store.On("GetContext", mock.Anything, swarmID).Return(nil, nil)
	store.On("UpdateContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	f.deps.Store = store

	s := swarm.New(swarmID, f.deps)
	defer s.Close()

	result := s.Start(context.Background(), task())
	assert.False(t, result.Success)
	assert.Equal(t, "Failed to get swarm context", result.Error)
	assert.Equal(t, models.StateFailed, s.State())
	f.engine.AssertNotCalled(t, "OrchestrateConversation", mock.Anything, mock.Anything)
}

func TestSwarm_StartRejectsInvalidTask(t *testing.T) {
	f := newFixture(t)

	s := swarm.New(swarmID, f.deps)
	defer s.Close()

	result := s.Start(context.Background(), swarm.Task{SwarmID: swarmID, UserData: swarm.UserData{ID: "u1"}})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid task")
	assert.Equal(t, models.StateUninitialized, s.State())
}

func TestSwarm_StartMergesStoredChatConfig(t *testing.T) {
	f := newFixture(t)

	chats := &mocks.MockChatConfigRepository{}
	chats.On("ChatConfigByID", mock.Anything, "chat-1").Return(&models.ChatConfig{
		ChatID:     "chat-1",
		Goal:       "Old goal",
		Blackboard: models.Blackboard{"tone": models.StringValue("formal")},
		Scheduling: models.SchedulingConfig{ApprovalTimeoutMs: 5000},
	}, nil)
	f.deps.ChatConfigs = chats
	f.engine.On("OrchestrateConversation", mock.Anything, mock.Anything).Return(ok(), nil)

	s := swarm.New(swarmID, f.deps)
	defer s.Close()

	tk := task()
	tk.ChatID = "chat-1"
	require.True(t, s.Start(context.Background(), tk).Success)

	state := f.state(t)
	assert.Equal(t, "Summarize the quarterly report", state.ChatConfig.Goal)
	assert.Equal(t, int64(5000), state.ChatConfig.Scheduling.ApprovalTimeoutMs)
	assert.Contains(t, state.ChatConfig.Blackboard, "tone")
	assert.Equal(t, "chat-1", s.ChatID())
}

func TestSwarm_StartIgnoresUnknownChat(t *testing.T) {
	f := newFixture(t)

	chats := &mocks.MockChatConfigRepository{}
	chats.On("ChatConfigByID", mock.Anything, "chat-2").Return(nil, persistence.ErrChatConfigNotFound)
	f.deps.ChatConfigs = chats
	f.engine.On("OrchestrateConversation", mock.Anything, mock.Anything).Return(ok(), nil)

	s := swarm.New(swarmID, f.deps)
	defer s.Close()

	tk := task()
	tk.ChatID = "chat-2"
	require.True(t, s.Start(context.Background(), tk).Success)
	assert.Equal(t, "Summarize the quarterly report", f.state(t).ChatConfig.Goal)
}

func TestSwarm_VetoedStateEventDoesNotBlockTransition(t *testing.T) {
	f := newFixture(t)

	emitter := &mocks.MockEmitter{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(eventbus.EmitResult{Proceed: false, Reason: "blocked event"})
	f.deps.Emitter = emitter

	s := f.started(t)
	assert.Equal(t, models.StateReady, s.State())
}

func TestSwarm_ChatMessageRunsUserTurn(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).
		Return(&conversation.Result{Success: true, SharedState: models.Blackboard{"draft": models.StringValue("v1")}}, nil)

	process(t, s, scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: "hello"}))

	assert.Equal(t, models.StateRunning, s.State())

	call := f.engine.Calls[1].Arguments.Get(1).(conversation.Request)
	assert.Equal(t, "hello", call.Trigger.Message)
	assert.Equal(t, conversation.StrategyConversational, call.Strategy)
	assert.Contains(t, f.state(t).ChatConfig.Blackboard, "draft")
}

func TestSwarm_NonFatalEngineErrorRevertsToReady(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).
		Return(nil, errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"))

	process(t, s, scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: "hello"}))

	assert.Equal(t, models.StateReady, s.State())
}

func TestSwarm_FatalEngineErrorFailsSwarm(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).
		Return(&conversation.Result{Error: "no leader bot configured"}, nil)

	process(t, s, scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: "hello"}))

	assert.Equal(t, models.StateFailed, s.State())
}

func TestSwarm_EventsAreProcessedSequentially(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	var (
		mu       sync.Mutex
		order    []string
		inflight atomic.Int32
		overlap  atomic.Bool
	)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).
		Run(func(args mock.Arguments) {
			if inflight.Add(1) > 1 {
				overlap.Store(true)
			}
			defer inflight.Add(-1)

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			order = append(order, args.Get(1).(conversation.Request).Trigger.Message)
			mu.Unlock()
		}).
		Return(ok(), nil)

	var want []string
	for i := range 5 {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		require.True(t, s.Enqueue(scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: msg})))
	}

	require.NoError(t, s.WaitForIdle(context.Background()))

	assert.Equal(t, want, order)
	assert.False(t, overlap.Load())
}

func TestSwarm_BlockedToolEmitsFailureWithoutEngineCall(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	key := lock.ToolApprovalKey(swarmID, "call-1")
	f.locks.On("AcquireLock", mock.Anything, key).Return(true, nil).Once()
	f.locks.On("ReleaseLock", mock.Anything, key).Return(true, nil).Once()
	f.interceptor.On("CheckInterception", mock.Anything, mock.Anything, mock.Anything).
		Return(interceptor.Result{Intercepted: true, Progression: interceptor.ProgressionBlocked, Responses: []string{"tool shell is blocked"}}, nil)

	process(t, s, scoped(events.ToolApprovalGranted, map[string]any{
		events.KeyToolName:   "shell",
		events.KeyToolCallID: "call-1",
	}, toolCall("call-1", "shell")))

	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
	f.locks.AssertExpectations(t)

	failed := f.emitter.Emitted(events.ToolFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0][events.KeyMessage], "blocked by security system")
	assert.Equal(t, "call-1", failed[0][events.KeyToolCallID])
	assert.Equal(t, models.StateReady, s.State())
}

func TestSwarm_ApprovedToolContinuesConversation(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.locks.On("AcquireLock", mock.Anything, mock.Anything).Return(true, nil)
	f.locks.On("ReleaseLock", mock.Anything, mock.Anything).Return(true, nil)
	f.interceptor.On("CheckInterception", mock.Anything, mock.Anything, mock.Anything).Return(interceptor.Continue(), nil)
	f.engine.On("OrchestrateConversation", mock.Anything,
		withStrategy(conversation.TriggerContinue, conversation.StrategyConversational)).Return(ok(), nil).Once()

	env := scoped(events.ToolApprovalGranted, map[string]any{events.KeyToolName: "search"}, toolCall("call-2", "search"))
	process(t, s, env)

	f.engine.AssertExpectations(t)

	call := f.engine.Calls[1].Arguments.Get(1).(conversation.Request)
	assert.Equal(t, env.ID, call.Trigger.LastEvent.ID)
	assert.Empty(t, f.emitter.Emitted(events.ToolFailed))
}

func TestSwarm_ApprovedToolRequiresNameAndOriginalCall(t *testing.T) {
	tests := []struct {
		name string
		env  *events.Envelope
	}{
		{name: "missing tool name", env: scoped(events.ToolApprovalGranted, nil, toolCall("call-1", "shell"))},
		{name: "missing original call", env: scoped(events.ToolApprovalGranted, map[string]any{events.KeyToolName: "shell"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.started(t)

			process(t, s, tt.env)

			f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
			f.interceptor.AssertNotCalled(t, "CheckInterception", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestSwarm_ApprovalHeldElsewhereIsSkipped(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.locks.On("AcquireLock", mock.Anything, mock.Anything).Return(false, nil)

	process(t, s, scoped(events.ToolApprovalGranted, map[string]any{events.KeyToolName: "shell"}, toolCall("call-1", "shell")))

	f.interceptor.AssertNotCalled(t, "CheckInterception", mock.Anything, mock.Anything, mock.Anything)
	f.locks.AssertNotCalled(t, "ReleaseLock", mock.Anything, mock.Anything)
	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
}

func TestSwarm_RejectedToolUsesReasoning(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything,
		withStrategy(conversation.TriggerContinue, conversation.StrategyReasoning)).Return(ok(), nil).Once()

	process(t, s, scoped(events.ToolApprovalRejected, map[string]any{events.KeyToolName: "shell"}, toolCall("call-1", "shell")))

	f.engine.AssertExpectations(t)
}

func TestSwarm_ApprovalTimeoutAutoRejects(t *testing.T) {
	f := newFixture(t)
	f.deps.DefaultScheduling = models.SchedulingConfig{ApprovalTimeoutMs: 20, AutoRejectOnTimeout: true}
	s := f.started(t)

	var rejected atomic.Bool

	f.engine.On("OrchestrateConversation", mock.Anything,
		withStrategy(conversation.TriggerContinue, conversation.StrategyReasoning)).
		Run(func(mock.Arguments) { rejected.Store(true) }).
		Return(ok(), nil).Once()

	process(t, s, scoped(events.ToolApprovalRequired, map[string]any{
		events.KeyToolName:   "shell",
		events.KeyToolCallID: "call-9",
	}, toolCall("call-9", "shell")))

	pending, found := f.state(t).ChatConfig.PendingToolCall("call-9")
	require.True(t, found)
	assert.Equal(t, "shell", pending.ToolName)
	require.NotNil(t, pending.ExpiresAt)

	require.Eventually(t, rejected.Load, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WaitForIdle(context.Background()))

	_, found = f.state(t).ChatConfig.PendingToolCall("call-9")
	assert.False(t, found)
}

func TestSwarm_ApprovalTimeoutIgnoresResolvedCalls(t *testing.T) {
	f := newFixture(t)
	f.deps.DefaultScheduling = models.SchedulingConfig{AutoRejectOnTimeout: true}
	s := f.started(t)

	process(t, s, scoped(events.ToolApprovalTimeout, map[string]any{
		events.KeyToolName:   "shell",
		events.KeyToolCallID: "call-unknown",
	}))

	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
}

func TestSwarm_TracksChildRuns(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).Return(ok(), nil)
	f.engine.On("OrchestrateConversation", mock.Anything,
		withStrategy(conversation.TriggerContinue, conversation.StrategyReasoning)).Return(ok(), nil).Once()

	process(t, s, scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: "go"}))
	require.Equal(t, models.StateRunning, s.State())

	process(t, s, scoped(events.RunStarted, map[string]any{events.KeyRunID: "run-1", "routineId": "r1"}))

	active := f.state(t).Execution.ActiveRuns
	require.Contains(t, active, "run-1")
	assert.Equal(t, "r1", active["run-1"].RoutineID)

	process(t, s, scoped(events.RunFailed, map[string]any{events.KeyRunID: "run-1", events.KeyError: "boom"}))

	assert.NotContains(t, f.state(t).Execution.ActiveRuns, "run-1")
	assert.Equal(t, models.StateReady, s.State())
	f.engine.AssertExpectations(t)
}

func TestSwarm_CompletedRunContinuesConversation(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything,
		withStrategy(conversation.TriggerContinue, conversation.StrategyConversational)).Return(ok(), nil).Once()

	process(t, s, scoped(events.RunCompleted, map[string]any{events.KeyRunID: "run-1"}))

	f.engine.AssertExpectations(t)
}

func TestSwarm_GracefulStopSummarizesWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.started(t)

	_, err := f.store.UpdateContext(ctx, swarmID, map[string]any{
		"chat_config": map[string]any{
			"subtasks": []models.Subtask{
				{ID: "a", Status: models.SubtaskDone},
				{ID: "b", Status: models.SubtaskTodo},
			},
		},
	}, "test")
	require.NoError(t, err)

	result, err := s.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopGraceful, Reason: "done"})
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, result.FinalState)
	assert.Equal(t, 2, result.Summary["totalSubTasks"])
	assert.Equal(t, 1, result.Summary["completedSubTasks"])
	assert.Equal(t, "0", result.Summary["totalCreditsUsed"])
	assert.Equal(t, "graceful", result.Summary["mode"])
	assert.Equal(t, models.StateCompleted, f.state(t).Execution.Status)
	assert.Empty(t, f.emitter.Emitted(events.SwarmStatusChanged))

	again, err := s.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopForce})
	require.NoError(t, err)
	assert.True(t, again.AlreadyTerminal)
	assert.Equal(t, models.StateCompleted, again.FinalState)
}

func TestSwarm_ForceStopPublishesTerminated(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	result, err := s.Stop(context.Background(), statemachine.StopOptions{Mode: statemachine.StopForce, Reason: "operator"})
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, result.FinalState)

	status := f.emitter.Emitted(events.SwarmStatusChanged)
	require.Len(t, status, 1)
	assert.Equal(t, swarm.StatusTerminated, status[0]["status"])
	assert.Equal(t, "operator", status[0][events.KeyReason])
}

func TestSwarm_StopEvents(t *testing.T) {
	tests := []struct {
		name  string
		env   *events.Envelope
		state models.ExecutionState
	}{
		{
			name:  "chat cancellation completes",
			env:   scoped(events.ChatCancellationRequested, nil),
			state: models.StateCompleted,
		},
		{
			name:  "broadcast emergency stop cancels",
			env:   events.New(events.SafetyEmergencyStop, "", nil),
			state: models.StateCancelled,
		},
		{
			name:  "security event cancels",
			env:   scoped("security/breach/detected", nil),
			state: models.StateCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.started(t)

			process(t, s, tt.env)

			assert.Equal(t, tt.state, s.State())
			assert.False(t, s.Enqueue(scoped(events.ChatMessageCreated, nil)), "terminal swarms accept nothing")
		})
	}
}

func TestSwarm_ResultAfterStopIsDiscarded(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	f.engine.On("OrchestrateConversation", mock.Anything, withTrigger(conversation.TriggerUserMessage)).
		Run(func(mock.Arguments) {
			_, err := s.Stop(context.Background(), statemachine.StopOptions{Mode: statemachine.StopForce})
			assert.NoError(t, err)
		}).
		Return(&conversation.Result{Success: true, SharedState: models.Blackboard{"late": models.BoolValue(true)}}, nil)

	process(t, s, scoped(events.ChatMessageCreated, map[string]any{events.KeyMessage: "hi"}))

	assert.Equal(t, models.StateCancelled, s.State())
	assert.NotContains(t, f.state(t).ChatConfig.Blackboard, "late")
}

func TestSwarm_ShouldHandleEvent(t *testing.T) {
	f := newFixture(t)
	f.engine.On("OrchestrateConversation", mock.Anything, mock.Anything).Return(ok(), nil)

	s := swarm.New(swarmID, f.deps)
	defer s.Close()

	tk := task()
	tk.ChatID = "chat-1"
	require.True(t, s.Start(context.Background(), tk).Success)

	tests := []struct {
		name string
		env  *events.Envelope
		want bool
	}{
		{"own swarm", events.New(events.ChatMessageCreated, "", map[string]any{events.KeySwarmID: swarmID}), true},
		{"other swarm", events.New(events.ChatMessageCreated, "", map[string]any{events.KeySwarmID: "swarm-2"}), false},
		{"own chat", events.New(events.ChatMessageCreated, "", map[string]any{events.KeyChatID: "chat-1"}), true},
		{"other chat", events.New(events.ChatMessageCreated, "", map[string]any{events.KeyChatID: "chat-2"}), false},
		{"own user", events.New("user/u1/profile/updated", "", nil), true},
		{"other user", events.New("user/u2/profile/updated", "", nil), false},
		{"broadcast", events.New(events.SafetyEmergencyStop, "", nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ShouldHandleEvent(tt.env))
		})
	}

	patterns := s.EventPatterns()
	assert.True(t, events.MatchAny(patterns, events.ToolApprovalGranted))
	assert.True(t, events.MatchAny(patterns, events.RunCompleted))
	assert.False(t, events.MatchAny(patterns, events.TaskReady("run-1")))
}

func TestSwarm_ObservesOtherSwarms(t *testing.T) {
	f := newFixture(t)
	s := f.started(t)

	process(t, s, events.New(events.SwarmStarted, "", nil))

	f.engine.AssertNumberOfCalls(t, "OrchestrateConversation", 1)
	assert.Equal(t, models.StateReady, s.State())
}

func TestIDFor(t *testing.T) {
	assert.Equal(t, "given", swarm.IDFor(swarm.Task{SwarmID: "given"}))
	assert.NotEmpty(t, swarm.IDFor(swarm.Task{}))
	assert.NotEqual(t, swarm.IDFor(swarm.Task{}), swarm.IDFor(swarm.Task{}))
}
