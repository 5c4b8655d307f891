package routine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/mocks"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence/file"
	"github.com/dukex/swarmflow/pkg/routine"
	"github.com/dukex/swarmflow/pkg/statemachine"
	"github.com/dukex/swarmflow/pkg/testutil"
)

const (
	runID   = "run-1"
	swarmID = "swarm-1"
)

type fixture struct {
	deps    routine.Deps
	db      *file.Persistence
	store   *contextstore.Store
	emitter *mocks.MockEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := file.NewPersistence(t.TempDir())
	store := contextstore.NewMemoryStore(logger)

	emitter := &mocks.MockEmitter{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(eventbus.EmitResult{Proceed: true})

	require.NoError(t, store.CreateContext(context.Background(), testutil.SwarmState(swarmID)))

	return &fixture{
		db:      db,
		store:   store,
		emitter: emitter,
		deps: routine.Deps{
			Store:             store,
			Runs:              db.RunRepository(),
			Contexts:          db.RunContextRepository(),
			Definitions:       db.DefinitionRepository(),
			Emitter:           emitter,
			Logger:            logger,
			DefaultAllocation: testutil.Budget("10", 3_600_000, 256, 50),
		},
	}
}

func (f *fixture) define(t *testing.T, def *models.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, f.db.DefinitionRepository().SaveDefinition(context.Background(), def))
}

// started initializes and starts a routine for def under the test swarm.
func (f *fixture) started(t *testing.T, def *models.WorkflowDefinition) *routine.Routine {
	t.Helper()

	f.define(t, def)

	r := routine.New(runID, f.deps)
	t.Cleanup(r.Close)

	ctx := context.Background()
	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{RoutineVersionID: def.ID, SwarmID: swarmID}))
	require.NoError(t, r.Start(ctx))

	return r
}

func taskEvent(eventType, nodeID string, data map[string]any) *events.Envelope {
	if data == nil {
		data = map[string]any{}
	}

	data[events.KeyNodeID] = nodeID

	return events.New(eventType, swarmID, data)
}

func readyNodes(f *fixture) []string {
	var nodes []string

	for _, data := range f.emitter.Emitted(events.TaskReady(runID)) {
		nodes = append(nodes, data[events.KeyNodeID].(string))
	}

	return nodes
}

func TestRoutine_TransitionClosure(t *testing.T) {
	f := newFixture(t)
	r := routine.New(runID, f.deps)
	defer r.Close()

	table := r.Transitions()

	for _, from := range models.AllExecutionStates {
		for _, to := range models.AllExecutionStates {
			if table.Allows(from, to) {
				continue
			}

			r.RestoreState(from)
			err := r.TransitionTo(context.Background(), to)
			require.ErrorIs(t, err, statemachine.ErrInvalidTransition, "%s -> %s", from, to)
			assert.Equal(t, from, r.State())
		}
	}
}

func TestRoutine_LinearRunCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Linear("r1")

	f.define(t, def)

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{RoutineVersionID: def.ID, SwarmID: swarmID}))
	assert.Equal(t, models.StateReady, r.State())

	state, err := f.store.GetContext(ctx, swarmID)
	require.NoError(t, err)
	require.Len(t, state.Resources.Allocated, 1)
	assert.Equal(t, runID, state.Resources.Allocated[0].RequesterID)
	assert.Contains(t, state.Execution.ActiveRuns, runID)

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, models.StateRunning, r.State())
	assert.Len(t, f.emitter.Emitted(events.RunStarted), 1)
	assert.Equal(t, []string{"task"}, readyNodes(f))

	err = r.ProcessEvent(ctx, taskEvent(events.TaskCompleted(runID), "task", map[string]any{
		events.KeyOutputs: map[string]any{"answer": 42},
	}))
	require.NoError(t, err)

	assert.Equal(t, models.StateCompleted, r.State())

	snapshot := r.Snapshot()
	assert.Equal(t, map[string]any{"answer": 42}, snapshot.Outputs["task"])
	assert.Equal(t, 42, snapshot.Variables["answer"])
	assert.Equal(t, []string{"task"}, snapshot.CompletedSteps)
	assert.InDelta(t, 100.0, snapshot.Progress.Percent, 0.001)
	assert.Empty(t, snapshot.ActiveLocations)

	completed := f.emitter.Emitted(events.RunCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, runID, completed[0][events.KeyRunID])
	assert.Equal(t, swarmID, completed[0][events.KeySwarmID])

	state, err = f.store.GetContext(ctx, swarmID)
	require.NoError(t, err)
	assert.Empty(t, state.Resources.Allocated)
	assert.NotContains(t, state.Execution.ActiveRuns, runID)
	assert.Equal(t, "COMPLETED", state.Execution.FinishedRuns[runID].Status)

	record, err := f.db.RunRepository().RunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, record.Status)
	assert.NotNil(t, record.CompletedAt)

	saved, err := f.db.RunContextRepository().RunContext(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, saved.State)
}

func TestRoutine_AllocationFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Linear("r1")
	f.define(t, def)

	f.deps.DefaultAllocation = testutil.Budget("1000", 0, 0, 0)

	r := routine.New(runID, f.deps)
	defer r.Close()

	err := r.InitializeExecution(ctx, routine.InitOptions{RoutineVersionID: def.ID, SwarmID: swarmID})
	require.ErrorIs(t, err, routine.ErrAllocationFailed)
	require.ErrorIs(t, err, contextstore.ErrInsufficientResources)
	assert.Equal(t, models.StateFailed, r.State())

	record, err := f.db.RunRepository().RunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, record.Status)
	assert.Contains(t, record.Error, "insufficient swarm resources")
}

func TestRoutine_MissingDefinitionFails(t *testing.T) {
	f := newFixture(t)

	r := routine.New(runID, f.deps)
	defer r.Close()

	err := r.InitializeExecution(context.Background(), routine.InitOptions{RoutineVersionID: "missing", SwarmID: swarmID})
	require.Error(t, err)
	assert.Equal(t, models.StateFailed, r.State())
}

func TestRoutine_StartRequiresReady(t *testing.T) {
	f := newFixture(t)

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.ErrorIs(t, r.Start(context.Background()), routine.ErrNotInitialized)
}

func TestRoutine_ReleasesAllocationAtMostOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Linear("r1")
	f.define(t, def)

	store := &mocks.MockContextStore{}
	allocation := &models.ResourceAllocation{ID: "alloc-1", SwarmID: swarmID, RequesterID: runID, Budget: f.deps.DefaultAllocation}
	store.On("AllocateResources", mock.Anything, swarmID, mock.Anything).Return(allocation, nil)
	store.On("UpdateContext", mock.Anything, swarmID, mock.Anything, runID).Return(nil, errors.New("store offline"))
	store.On("ReleaseResources", mock.Anything, swarmID, "alloc-1", mock.Anything).Return(nil)
	f.deps.Store = store

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{RoutineVersionID: def.ID, SwarmID: swarmID}))
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.Complete(ctx, map[string]any{"done": true}))
	require.NoError(t, r.Fail(ctx, errors.New("late failure")))

	assert.Equal(t, models.StateCompleted, r.State())
	store.AssertNumberOfCalls(t, "ReleaseResources", 1)
	assert.Len(t, f.emitter.Emitted(events.RunCompleted), 1)
	assert.Empty(t, f.emitter.Emitted(events.RunFailed))
}

func TestRoutine_TerminalOperationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, testutil.Linear("r1"))

	result, err := r.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, result.FinalState)
	assert.False(t, result.AlreadyTerminal)

	result, err = r.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopGraceful, Reason: "again"})
	require.NoError(t, err)
	assert.True(t, result.AlreadyTerminal)

	_, err = r.Cancel(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Fail(ctx, errors.New("too late")))

	assert.Equal(t, models.StateCancelled, r.State())
	assert.Len(t, f.emitter.Emitted(events.RunCancelled), 1)
	assert.Empty(t, f.emitter.Emitted(events.RunFailed))

	state, err := f.store.GetContext(ctx, swarmID)
	require.NoError(t, err)
	assert.Empty(t, state.Resources.Allocated)
}

func TestRoutine_Resumption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Linear("r1")
	f.define(t, def)

	startedAt := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.RunRepository().SaveRun(ctx, &models.RunRecord{
		ID: runID, RoutineVersionID: def.ID, SwarmID: swarmID, Status: models.RunPaused,
	}))

	runCtx := models.NewRunExecutionContext(runID, def.RoutineID, def.ID, "", models.At(def.RoutineID, "task").Location,
		f.deps.DefaultAllocation, startedAt)
	runCtx.State = models.StatePaused
	runCtx.StartedAt = &startedAt
	runCtx.ActiveLocations = []models.AbstractLocation{models.At(def.RoutineID, "task")}
	runCtx.ResourceUsage = models.ResourceUsage{
		CreditsUsed:   decimal.RequireFromString("3.5"),
		StepsExecuted: 4,
		ToolCalls:     2,
	}
	require.NoError(t, f.db.RunContextRepository().SaveRunContext(ctx, runCtx))

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{ResumeRunID: runID}))

	assert.Equal(t, models.StateRunning, r.State())
	assert.Equal(t, swarmID, r.SwarmID())

	snapshot := r.Snapshot()
	assert.True(t, decimal.RequireFromString("3.5").Equal(snapshot.ResourceUsage.CreditsUsed))
	assert.Equal(t, int64(4), snapshot.ResourceUsage.StepsExecuted)
	assert.Equal(t, startedAt, *snapshot.StartedAt)

	record, err := f.db.RunRepository().RunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, record.Status)

	require.NoError(t, r.ProcessEvent(ctx, taskEvent(events.TaskCompleted(runID), "task", nil)))
	assert.Equal(t, models.StateCompleted, r.State())
}

func TestRoutine_ResumptionFallsBackToRecordStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Linear("r1")
	f.define(t, def)

	require.NoError(t, f.db.RunRepository().SaveRun(ctx, &models.RunRecord{
		ID: runID, RoutineVersionID: def.ID, Status: models.RunSuspended,
	}))

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{ResumeRunID: runID}))
	assert.Equal(t, models.StateRunning, r.State())
	assert.True(t, r.Snapshot().ResourceUsage.CreditsUsed.IsZero())
}

func TestRoutine_ResumptionRequiresResumableStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.db.RunRepository().SaveRun(ctx, &models.RunRecord{ID: runID, Status: models.RunCompleted}))

	r := routine.New(runID, f.deps)
	defer r.Close()

	err := r.InitializeExecution(ctx, routine.InitOptions{ResumeRunID: runID})
	require.ErrorIs(t, err, routine.ErrNotResumable)

	var resumption *routine.ResumptionError
	require.ErrorAs(t, err, &resumption)
	assert.Equal(t, models.RunCompleted, resumption.Status)
	assert.Equal(t, models.StateUninitialized, r.State())
}

func TestRoutine_PauseDefersWorkUntilResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, testutil.Linear("r1"))

	require.NoError(t, r.Pause(ctx, "u1", "lunch"))
	assert.Equal(t, "lunch", r.Snapshot().Pause.Reason)

	require.NoError(t, r.ProcessEvent(ctx, taskEvent(events.TaskCompleted(runID), "task", nil)))
	assert.Equal(t, models.StatePaused, r.State())

	require.ErrorIs(t, r.Suspend(ctx, "u1", "again"), statemachine.ErrInvalidTransition)

	require.NoError(t, r.Resume(ctx))
	require.NoError(t, r.WaitForIdle(ctx))

	assert.Equal(t, models.StateCompleted, r.State())
	assert.Nil(t, r.Snapshot().Pause)
}

func TestRoutine_EmergencyStopFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, testutil.Linear("r1"))

	require.NoError(t, r.ProcessEvent(ctx, events.New(events.SafetyEmergencyStop, "", nil)))

	assert.Equal(t, models.StateFailed, r.State())
	assert.Equal(t, "Emergency stop requested", r.Snapshot().LastError)

	failed := f.emitter.Emitted(events.RunFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "Emergency stop requested", failed[0][events.KeyError])
}

func TestRoutine_UserCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, testutil.Linear("r1"))

	require.NoError(t, r.ProcessEvent(ctx, events.New(events.UserCancellationRequested, "", map[string]any{events.KeyRunID: runID})))
	assert.Equal(t, models.StateCancelled, r.State())
}

func TestRoutine_StepUsageBeyondLimitFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deps.DefaultAllocation = testutil.Budget("1", 0, 0, 0)
	r := f.started(t, testutil.Linear("r1"))

	step := func(credits string) *events.Envelope {
		return events.New(events.StepCompleted(runID), swarmID, map[string]any{"creditsUsed": credits, "toolCalls": 1})
	}

	require.NoError(t, r.ProcessEvent(ctx, step("0.75")))
	assert.Equal(t, models.StateRunning, r.State())
	assert.Equal(t, int64(1), r.Snapshot().ResourceUsage.StepsExecuted)

	require.NoError(t, r.ProcessEvent(ctx, step("0.5")))
	assert.Equal(t, models.StateFailed, r.State())
	assert.Contains(t, r.Snapshot().LastError, "credits")

	state, err := f.store.GetContext(ctx, swarmID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.25").Equal(state.Resources.Consumed.CreditsUsed))
	assert.Equal(t, int64(2), state.Resources.Consumed.ToolCalls)
}

func TestRoutine_ShouldHandleEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.define(t, testutil.Linear("r1"))

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{RoutineVersionID: "r1-v1", SwarmID: swarmID}))

	tests := []struct {
		name string
		env  *events.Envelope
		want bool
	}{
		{"own task event", events.New(events.TaskCompleted(runID), "", nil), true},
		{"other run", events.New(events.TaskCompleted("run-2"), "", nil), false},
		{"own step", events.New(events.StepCompleted(runID), "", nil), true},
		{"broadcast emergency stop", events.New(events.SafetyEmergencyStop, "", nil), true},
		{"emergency stop for swarm", events.New(events.SafetyEmergencyStop, "", map[string]any{events.KeySwarmID: swarmID}), true},
		{"emergency stop for other swarm", events.New(events.SafetyEmergencyStop, "", map[string]any{events.KeySwarmID: "other"}), false},
		{"cancellation for run", events.New(events.UserCancellationRequested, "", map[string]any{events.KeyRunID: runID}), true},
		{"chat message", events.New(events.ChatMessageCreated, "", map[string]any{events.KeySwarmID: swarmID}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.ShouldHandleEvent(tt.env))
		})
	}

	assert.True(t, events.MatchAny(r.EventPatterns(), events.TaskReady(runID)))
	assert.False(t, events.MatchAny(r.EventPatterns(), events.TaskReady("run-2")))
}

func TestRoutine_InclusiveSplitWithoutMatchEndsBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := testutil.Definition("r1",
		[]models.Node{
			testutil.StartEvent("start"),
			testutil.Gateway("fork", models.GatewayParallel),
			testutil.Task("main"),
			testutil.Gateway("opt", models.GatewayInclusive),
			testutil.Task("extra"),
			testutil.Task("bonus"),
			testutil.EndEvent("end"),
		},
		testutil.Flow("start", "fork"),
		testutil.Flow("fork", "main"),
		testutil.Flow("fork", "opt"),
		testutil.Flow("opt", "extra", "x > 1"),
		testutil.Flow("opt", "bonus", "x > 5"),
		testutil.Flow("main", "end"),
	)
	f.define(t, def)

	r := routine.New(runID, f.deps)
	defer r.Close()

	require.NoError(t, r.InitializeExecution(ctx, routine.InitOptions{
		RoutineVersionID: def.ID,
		SwarmID:          swarmID,
		Variables:        map[string]any{"x": 0},
	}))
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, models.StateRunning, r.State())
	assert.Equal(t, []string{"main"}, readyNodes(f))

	require.NoError(t, r.ProcessEvent(ctx, taskEvent(events.TaskCompleted(runID), "main", nil)))
	assert.Equal(t, models.StateCompleted, r.State())
	assert.Empty(t, f.emitter.Emitted(events.RunFailed))
}

func TestRoutine_StepUsageFromWireIsExact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, testutil.Linear("r1"))

	for range 3 {
		env, err := events.Decode([]byte(`{"type":"step/` + runID + `/completed","data":{"creditsUsed":0.1}}`))
		require.NoError(t, err)
		require.NoError(t, r.ProcessEvent(ctx, env))
	}

	assert.True(t, decimal.RequireFromString("0.3").Equal(r.Snapshot().ResourceUsage.CreditsUsed))
}
