// Package routine implements the routine state machine: one instance drives
// one run of a workflow definition, claims its budget from the parent swarm
// and hands task work to external executors through the event bus.
package routine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/metrics"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/navigator"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/statemachine"
)

const Kind = "routine"

var transitions = models.Transitions{
	models.StateUninitialized: {models.StateLoading, models.StateFailed, models.StateCancelled},
	models.StateLoading:       {models.StateConfiguring, models.StateFailed, models.StateCancelled},
	models.StateConfiguring:   {models.StateReady, models.StateFailed, models.StateCancelled},
	models.StateReady:         {models.StateRunning, models.StateFailed, models.StateCancelled},
	models.StateRunning: {
		models.StateCompleted, models.StateFailed, models.StatePaused, models.StateSuspended, models.StateCancelled,
	},
	models.StatePaused:    {models.StateRunning, models.StateCancelled, models.StateFailed},
	models.StateSuspended: {models.StateRunning, models.StateCancelled, models.StateFailed},
}

// Deps are the collaborators of a routine instance. Store may be nil for
// runs without a parent swarm.
type Deps struct {
	Store       contextstore.ContextStore
	Runs        persistence.RunRepository
	Contexts    persistence.RunContextRepository
	Definitions persistence.DefinitionRepository
	Emitter     eventbus.Emitter
	Navigator   *navigator.Navigator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// DefaultAllocation is the estimate requested from the parent swarm.
	DefaultAllocation models.ResourceBudget
	Now               func() time.Time
}

type InitOptions struct {
	RoutineVersionID string
	SwarmID          string
	ResumeRunID      string
	Variables        map[string]any
}

type Routine struct {
	*statemachine.Base

	deps   Deps
	logger *slog.Logger

	metaMu    sync.RWMutex
	swarmID   string
	lastError string

	// mu serializes access to the run context between the drain goroutine
	// and lifecycle calls made by the owner.
	mu         sync.Mutex
	def        *models.WorkflowDefinition
	run        *models.RunExecutionContext
	allocation *models.ResourceAllocation
	released   bool
	startedAt  *time.Time
	deferred   []*events.Envelope
}

func New(runID string, deps Deps) *Routine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	if deps.Navigator == nil {
		deps.Navigator = navigator.New(deps.Logger)
	}

	r := &Routine{deps: deps}
	r.Base = statemachine.NewBase(r, statemachine.Config{
		ID:       runID,
		Kind:     Kind,
		ScopeKey: events.KeyRunID,
		Logger:   deps.Logger,
		Emitter:  deps.Emitter,
		Metrics:  deps.Metrics,
	})
	r.logger = r.Base.Logger()

	return r
}

func (r *Routine) Transitions() models.Transitions {
	return transitions
}

func (r *Routine) SwarmID() string {
	r.metaMu.RLock()
	defer r.metaMu.RUnlock()

	return r.swarmID
}

func (r *Routine) setSwarmID(id string) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	r.swarmID = id
}

func (r *Routine) errorMessage() string {
	r.metaMu.RLock()
	defer r.metaMu.RUnlock()

	return r.lastError
}

func (r *Routine) setErrorMessage(msg string) {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	r.lastError = msg
}

// Snapshot returns a copy of the run context, or nil before initialization.
func (r *Routine) Snapshot() *models.RunExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil {
		return nil
	}

	snapshot := *r.run
	snapshot.ActiveLocations = append([]models.AbstractLocation(nil), r.run.ActiveLocations...)
	snapshot.CompletedSteps = append([]string(nil), r.run.CompletedSteps...)
	snapshot.Variables = maps.Clone(r.run.Variables)
	snapshot.Outputs = maps.Clone(r.run.Outputs)

	return &snapshot
}

// InitializeExecution prepares a fresh run, or resumes a paused or suspended
// one when opts.ResumeRunID is set.
func (r *Routine) InitializeExecution(ctx context.Context, opts InitOptions) error {
	if opts.ResumeRunID != "" {
		return r.resume(ctx, opts.ResumeRunID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.setSwarmID(opts.SwarmID)
	now := r.deps.Now()

	record := &models.RunRecord{
		ID:               r.ID(),
		RoutineVersionID: opts.RoutineVersionID,
		SwarmID:          opts.SwarmID,
		Status:           models.RunPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.deps.Runs.SaveRun(ctx, record); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	if err := r.TransitionTo(ctx, models.StateLoading); err != nil {
		return err
	}

	def, err := r.deps.Definitions.DefinitionByID(ctx, opts.RoutineVersionID)
	if err != nil {
		return r.abortLocked(ctx, fmt.Errorf("failed to load workflow definition: %w", err))
	}

	start, err := r.deps.Navigator.StartLocation(def)
	if err != nil {
		return r.abortLocked(ctx, err)
	}

	r.def = def

	if err := r.TransitionTo(ctx, models.StateConfiguring); err != nil {
		return err
	}

	limits := r.deps.DefaultAllocation

	if opts.SwarmID != "" {
		allocation, err := r.deps.Store.AllocateResources(ctx, opts.SwarmID, models.AllocationRequest{
			RequesterID: r.ID(),
			Estimate:    r.deps.DefaultAllocation,
		})
		if err != nil {
			r.deps.Metrics.Allocation("allocate", "failed")

			return r.abortLocked(ctx, &ResourceAllocationError{SwarmID: opts.SwarmID, RunID: r.ID(), Err: err})
		}

		r.deps.Metrics.Allocation("allocate", "granted")
		r.allocation = allocation
		limits = allocation.Budget
	}

	r.run = models.NewRunExecutionContext(r.ID(), def.RoutineID, def.ID, opts.SwarmID, start.Location, limits, now)
	r.run.Allocation = r.allocation
	r.run.Progress.TotalSteps = countTasks(def)
	maps.Copy(r.run.Variables, opts.Variables)

	if err := r.TransitionTo(ctx, models.StateReady); err != nil {
		return err
	}

	r.syncStateLocked(ctx)

	r.tryNotify(ctx, "routine started", map[string]any{
		"execution": map[string]any{
			"active_runs": map[string]any{
				r.ID(): models.ActiveRun{
					RunID:     r.ID(),
					RoutineID: def.RoutineID,
					Status:    string(models.StateReady),
					StartedAt: now,
				},
			},
		},
	})

	r.logger.InfoContext(ctx, "Routine initialized", "routine_version_id", def.ID, "swarm_id", opts.SwarmID)

	return nil
}

func (r *Routine) resume(ctx context.Context, runID string) error {
	if runID != r.ID() {
		return &ResumptionError{RunID: runID, Err: fmt.Errorf("instance %s cannot resume another run", r.ID())}
	}

	record, err := r.deps.Runs.RunByID(ctx, runID)
	if err != nil {
		return &ResumptionError{RunID: runID, Err: err}
	}

	if !record.Status.Resumable() {
		return &ResumptionError{RunID: runID, Status: record.Status, Err: ErrNotResumable}
	}

	state, _ := record.Status.ExecutionState()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.setSwarmID(record.SwarmID)

	versionID := record.RoutineVersionID

	runCtx, err := r.deps.Contexts.RunContext(ctx, runID)
	if err != nil {
		r.logger.WarnContext(ctx, "Run context unavailable, resuming from run record status", "error", err)

		runCtx = &models.RunExecutionContext{
			RunID:            runID,
			RoutineVersionID: versionID,
			SwarmID:          record.SwarmID,
			Navigator:        models.NewNavigatorState(),
			ActiveLocations:  []models.AbstractLocation{},
			VisitedLocations: []models.Location{},
			Variables:        map[string]any{},
			Outputs:          map[string]any{},
			CompletedSteps:   []string{},
			ResourceLimits:   r.deps.DefaultAllocation,
			StartedAt:        record.StartedAt,
		}
	} else if runCtx.RoutineVersionID != "" {
		versionID = runCtx.RoutineVersionID
	}

	if def, err := r.deps.Definitions.DefinitionByID(ctx, versionID); err != nil {
		r.logger.WarnContext(ctx, "Workflow definition unavailable, navigation disabled", "routine_version_id", versionID, "error", err)
	} else {
		r.def = def
		runCtx.RoutineID = def.RoutineID
	}

	r.run = runCtx
	r.allocation = runCtx.Allocation
	r.startedAt = runCtx.StartedAt

	r.RestoreState(state)

	if err := r.TransitionTo(ctx, models.StateRunning); err != nil {
		return &ResumptionError{RunID: runID, Status: record.Status, Err: err}
	}

	r.run.Pause = nil
	r.syncStateLocked(ctx)

	if r.def != nil {
		ec := navigator.NewExecutionContext(r.run.Variables, &r.run.Navigator, r.deps.Now())
		r.scheduleTimersLocked(ec.PendingTimers())
	}

	r.logger.InfoContext(ctx, "Routine resumed", "from", state, "credits_used", r.run.ResourceUsage.CreditsUsed.String())

	return nil
}

// Start moves a READY routine to RUNNING and activates the start location.
func (r *Routine) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil || r.def == nil {
		return ErrNotInitialized
	}

	now := r.deps.Now()

	if err := r.TransitionTo(ctx, models.StateRunning); err != nil {
		return err
	}

	r.startedAt = &now
	r.run.StartedAt = &now

	r.emitLocked(ctx, events.RunStarted, r.payload(map[string]any{
		"routineId":  r.def.RoutineID,
		"allocation": r.allocation,
	}))

	start := models.AbstractLocation{Location: r.run.CurrentLocation, Kind: models.ContinueAtNode}
	r.run.ActiveLocations = []models.AbstractLocation{start}
	r.visitLocked(start)

	ec := r.navContext(start.Key())
	r.scheduleTimersLocked(r.deps.Navigator.Activate(r.def, start, ec))

	if err := r.advanceLocked(ctx, []models.AbstractLocation{start}); err != nil {
		if ferr := r.finishLocked(ctx, models.StateFailed, outcome{err: err.Error()}); ferr != nil {
			r.logger.ErrorContext(ctx, "Failed to fail routine", "error", ferr)
		}

		return err
	}

	r.syncStateLocked(ctx)

	return nil
}

func (r *Routine) Pause(ctx context.Context, by, reason string) error {
	return r.hold(ctx, models.StatePaused, by, reason)
}

func (r *Routine) Suspend(ctx context.Context, by, reason string) error {
	return r.hold(ctx, models.StateSuspended, by, reason)
}

func (r *Routine) hold(ctx context.Context, state models.ExecutionState, by, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil {
		return ErrNotInitialized
	}

	if err := r.TransitionTo(ctx, state); err != nil {
		return err
	}

	r.run.Pause = &models.PauseInfo{State: state, By: by, Reason: reason, At: r.deps.Now()}
	r.syncStateLocked(ctx)

	return nil
}

// Resume continues a paused or suspended run and replays the work events
// that arrived meanwhile.
func (r *Routine) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil {
		return ErrNotInitialized
	}

	if err := r.TransitionTo(ctx, models.StateRunning); err != nil {
		return err
	}

	r.run.Pause = nil
	r.syncStateLocked(ctx)

	deferred := r.deferred
	r.deferred = nil

	for _, env := range deferred {
		r.Enqueue(env)
	}

	return nil
}

// Complete finishes a running routine with result. Completing a terminal
// routine is a no-op.
func (r *Routine) Complete(ctx context.Context, result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finishLocked(ctx, models.StateCompleted, outcome{result: result})
}

// Fail moves a non-terminal routine to FAILED. Failing a terminal routine is
// a no-op.
func (r *Routine) Fail(ctx context.Context, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.finishLocked(ctx, models.StateFailed, outcome{err: cause.Error()})
}

// Stop cancels the routine. Routines have no graceful completion on request,
// so every mode ends in CANCELLED.
func (r *Routine) Stop(ctx context.Context, opts statemachine.StopOptions) (*statemachine.StopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stopLocked(ctx, opts.Reason)
}

func (r *Routine) Cancel(ctx context.Context) (*statemachine.StopResult, error) {
	return r.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopForce, Reason: "Cancelled"})
}

func (r *Routine) stopLocked(ctx context.Context, reason string) (*statemachine.StopResult, error) {
	if current := r.State(); current.IsTerminal() {
		return &statemachine.StopResult{Success: true, FinalState: current, AlreadyTerminal: true}, nil
	}

	if err := r.finishLocked(ctx, models.StateCancelled, outcome{reason: reason}); err != nil {
		return nil, err
	}

	return &statemachine.StopResult{
		Success:    true,
		FinalState: models.StateCancelled,
		Summary:    r.summaryLocked(models.StateCancelled),
	}, nil
}

// OnFatalError fails the run through the regular path so the allocation is
// released and the parent is notified.
func (r *Routine) OnFatalError(ctx context.Context, err error, _ *events.Envelope) {
	if ferr := r.Fail(ctx, err); ferr != nil {
		r.logger.ErrorContext(ctx, "Failed to fail routine", "error", ferr)
	}
}

func (r *Routine) IsErrorFatal(_ error, _ *events.Envelope) bool {
	return r.State() == models.StateRunning
}

// PersistState mirrors every transition onto the run record. It runs while
// the caller may hold mu and must not touch the run context.
func (r *Routine) PersistState(ctx context.Context, _, to models.ExecutionState) error {
	errMsg := ""
	if to == models.StateFailed {
		errMsg = r.errorMessage()
	}

	if err := r.deps.Runs.UpdateRunStatus(ctx, r.ID(), models.RunStatusFor(to), errMsg); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	return nil
}

type outcome struct {
	err    string
	reason string
	result map[string]any
}

// finishLocked moves the routine to a terminal state: it finalizes usage,
// emits the lifecycle event, releases the allocation once, persists the
// result and notifies the parent swarm.
func (r *Routine) finishLocked(ctx context.Context, to models.ExecutionState, out outcome) error {
	if r.IsTerminal() {
		return nil
	}

	now := r.deps.Now()

	if out.err != "" {
		r.setErrorMessage(out.err)
	}

	if r.run != nil {
		if r.startedAt != nil {
			r.run.ResourceUsage.DurationMs = now.Sub(*r.startedAt).Milliseconds()
		}

		r.run.LastError = out.err
		r.run.Result = out.result
	}

	if err := r.TransitionTo(ctx, to); err != nil {
		return err
	}

	usage := r.usageLocked()

	data := map[string]any{"usage": usagePayload(usage)}
	if r.def != nil {
		data["routineId"] = r.def.RoutineID
	}

	if out.err != "" {
		data[events.KeyError] = out.err
	}

	if out.reason != "" {
		data[events.KeyReason] = out.reason
	}

	if out.result != nil {
		data["result"] = out.result
	}

	r.emitLocked(ctx, lifecycleEvent(to), r.payload(data))
	r.releaseLocked(ctx, usage)
	r.syncStateLocked(ctx)

	finished := models.ActiveRun{
		RunID:   r.ID(),
		Status:  string(to),
		Summary: r.summaryLocked(to),
	}
	if r.def != nil {
		finished.RoutineID = r.def.RoutineID
	}

	if r.startedAt != nil {
		finished.StartedAt = *r.startedAt
	}

	r.tryNotify(ctx, "routine finished", map[string]any{
		"execution": map[string]any{
			"active_runs":   map[string]any{r.ID(): nil},
			"finished_runs": map[string]any{r.ID(): finished},
		},
	})

	r.logger.InfoContext(ctx, "Routine finished", "state", to, "error", out.err, "reason", out.reason)

	return nil
}

// abortLocked fails a routine that never became ready and returns cause.
func (r *Routine) abortLocked(ctx context.Context, cause error) error {
	if err := r.finishLocked(ctx, models.StateFailed, outcome{err: cause.Error()}); err != nil {
		return errors.Join(cause, err)
	}

	return cause
}

// releaseLocked returns the allocation to the parent swarm at most once.
func (r *Routine) releaseLocked(ctx context.Context, usage models.ResourceUsage) {
	if r.released || r.allocation == nil {
		return
	}

	r.released = true

	if err := r.deps.Store.ReleaseResources(ctx, r.allocation.SwarmID, r.allocation.ID, usage); err != nil {
		r.deps.Metrics.Allocation("release", "failed")
		r.logger.ErrorContext(ctx, "Failed to release allocation", "allocation_id", r.allocation.ID, "error", err)

		return
	}

	r.deps.Metrics.Allocation("release", "released")
}

func (r *Routine) usageLocked() models.ResourceUsage {
	if r.run == nil {
		return models.ResourceUsage{}
	}

	return r.run.ResourceUsage
}

func (r *Routine) summaryLocked(state models.ExecutionState) map[string]any {
	summary := map[string]any{
		"status": string(state),
		"usage":  usagePayload(r.usageLocked()),
	}

	if r.run != nil {
		summary["completedSteps"] = len(r.run.CompletedSteps)

		if r.run.LastError != "" {
			summary[events.KeyError] = r.run.LastError
		}
	}

	return summary
}

// syncStateLocked copies the machine state into the run context and saves it.
func (r *Routine) syncStateLocked(ctx context.Context) {
	if r.run == nil {
		return
	}

	r.run.State = r.State()
	r.run.LastStateTransition = r.LastTransitionAt()
	r.saveContextLocked(ctx)
}

// saveContextLocked writes the run context. Failures are logged and the
// in-memory context stays authoritative until the next successful write.
func (r *Routine) saveContextLocked(ctx context.Context) {
	if r.run == nil {
		return
	}

	if err := r.deps.Contexts.SaveRunContext(ctx, r.run); err != nil {
		r.logger.WarnContext(ctx, "Failed to save run context", "error", err)
	}
}

// tryNotify patches the parent swarm's context. Notification is best effort.
func (r *Routine) tryNotify(ctx context.Context, what string, patch map[string]any) {
	swarmID := r.SwarmID()
	if swarmID == "" || r.deps.Store == nil {
		return
	}

	if _, err := r.deps.Store.UpdateContext(ctx, swarmID, patch, r.ID()); err != nil {
		r.logger.WarnContext(ctx, "Failed to notify parent swarm", "notification", what, "swarm_id", swarmID, "error", err)
	}
}

func (r *Routine) emitLocked(ctx context.Context, eventType string, data map[string]any) {
	if r.deps.Emitter == nil {
		return
	}

	correlationID := r.SwarmID()
	if correlationID == "" {
		correlationID = r.ID()
	}

	r.deps.Emitter.Emit(ctx, eventType, correlationID, data,
		events.WithSource(Kind+":"+r.ID()),
		events.WithTier(events.TierRoutine),
	)
}

// payload adds the run scoping keys to data.
func (r *Routine) payload(data map[string]any) map[string]any {
	data[events.KeyRunID] = r.ID()

	if swarmID := r.SwarmID(); swarmID != "" {
		data[events.KeySwarmID] = swarmID
	}

	return data
}

func lifecycleEvent(state models.ExecutionState) string {
	switch state {
	case models.StateCompleted:
		return events.RunCompleted
	case models.StateCancelled:
		return events.RunCancelled
	default:
		return events.RunFailed
	}
}

func usagePayload(u models.ResourceUsage) map[string]any {
	return map[string]any{
		events.KeyCreditsUsed: u.CreditsUsed.String(),
		"durationMs":          u.DurationMs,
		"memoryUsedMB":        u.MemoryUsedMB,
		"stepsExecuted":       u.StepsExecuted,
		"toolCalls":           u.ToolCalls,
	}
}

func countTasks(def *models.WorkflowDefinition) int {
	count := 0

	for _, node := range def.Nodes {
		if node.Kind == models.NodeTask || node.Kind == models.NodeMultiInstance {
			count++
		}
	}

	return count
}
