package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/navigator"
)

func (r *Routine) EventPatterns() []events.Pattern {
	return events.Patterns(
		"run/"+r.ID()+"/*",
		"step/"+r.ID()+"/*",
		"safety/*",
		events.UserCancellationRequested,
	)
}

// ShouldHandleEvent accepts events of this run, and safety or cancellation
// events that are either broadcast or scoped to this run or its swarm.
func (r *Routine) ShouldHandleEvent(env *events.Envelope) bool {
	switch env.Kind {
	case events.KindRunTaskReady, events.KindRunTaskCompleted, events.KindRunTaskFailed,
		events.KindRunMessage, events.KindRunSignal, events.KindRunTimer, events.KindRunOther,
		events.KindStepCompleted, events.KindStepOther:
		return env.RunID() == r.ID()
	case events.KindEmergencyStop, events.KindSafety, events.KindUserCancellation:
		runID, swarmID := env.Field(events.KeyRunID), env.SwarmID()
		if runID == "" && swarmID == "" {
			return true
		}

		return runID == r.ID() || (swarmID != "" && swarmID == r.SwarmID())
	default:
		return false
	}
}

func (r *Routine) ProcessEvent(ctx context.Context, env *events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.IsTerminal() {
		r.logger.DebugContext(ctx, "Ignoring event after completion", "event_type", env.Type)

		return nil
	}

	switch env.Kind {
	case events.KindEmergencyStop:
		return r.finishLocked(ctx, models.StateFailed, outcome{err: "Emergency stop requested"})
	case events.KindUserCancellation:
		_, err := r.stopLocked(ctx, "User requested cancellation")

		return err
	case events.KindRunTaskReady:
		r.logger.DebugContext(ctx, "Task handed to executors", "node_id", env.Field(events.KeyNodeID))

		return nil
	case events.KindRunTaskCompleted, events.KindRunTaskFailed,
		events.KindRunMessage, events.KindRunSignal, events.KindRunTimer:
		return r.navigateLocked(ctx, env)
	case events.KindStepCompleted:
		return r.handleStepCompleted(ctx, env)
	default:
		r.logger.DebugContext(ctx, "Ignoring unhandled event", "event_type", env.Type, "kind", env.Kind.String())

		return nil
	}
}

// navigateLocked applies a work or trigger event to the workflow. Events
// arriving while the run is on hold are kept until it resumes.
func (r *Routine) navigateLocked(ctx context.Context, env *events.Envelope) error {
	switch r.State() {
	case models.StateRunning:
	case models.StatePaused, models.StateSuspended:
		r.deferred = append(r.deferred, env)
		r.logger.DebugContext(ctx, "Deferring event while on hold", "event_type", env.Type)

		return nil
	default:
		r.logger.WarnContext(ctx, "Ignoring event before start", "event_type", env.Type, "state", r.State())

		return nil
	}

	if r.def == nil {
		return fmt.Errorf("%w: no workflow definition loaded", ErrNotInitialized)
	}

	var err error

	switch env.Kind {
	case events.KindRunTaskCompleted:
		err = r.handleTaskCompleted(ctx, env)
	case events.KindRunTaskFailed:
		err = r.handleTaskFailed(ctx, env)
	case events.KindRunMessage:
		err = r.handleTrigger(ctx, navigator.MessageKey(events.EventName(env.Type)), env.Data)
	case events.KindRunSignal:
		err = r.handleTrigger(ctx, navigator.SignalKey(events.EventName(env.Type)), env.Data)
	case events.KindRunTimer:
		err = r.reevaluateLocked(ctx)
	default:
	}

	if err != nil {
		return err
	}

	if !r.IsTerminal() {
		r.saveContextLocked(ctx)
	}

	return nil
}

func (r *Routine) handleTaskCompleted(ctx context.Context, env *events.Envelope) error {
	loc, ok := r.taskLocationLocked(env)
	if !ok {
		r.logger.WarnContext(ctx, "Completion for a task that is not active", "node_id", env.Field(events.KeyNodeID))

		return nil
	}

	outputs, _ := env.Data[events.KeyOutputs].(map[string]any)
	r.recordCompletionLocked(loc, outputs)

	ec := r.navContext(loc.Key())

	result, err := r.deps.Navigator.NextLocations(r.def, loc, ec)
	if err != nil {
		return fmt.Errorf("failed to navigate from %s: %w", loc.Key(), err)
	}

	return r.advanceLocked(ctx, r.applyLocked(ctx, loc.Key(), result, ec))
}

func (r *Routine) handleTaskFailed(ctx context.Context, env *events.Envelope) error {
	loc, ok := r.taskLocationLocked(env)
	if !ok {
		r.logger.WarnContext(ctx, "Failure for a task that is not active", "node_id", env.Field(events.KeyNodeID))

		return nil
	}

	code, message := env.Field("code"), env.Field(events.KeyError)
	ec := r.navContext(loc.Key())

	result, err := r.deps.Navigator.RaiseError(r.def, loc, code, ec)
	if err != nil {
		var unhandled *navigator.UnhandledErrorEvent
		if errors.As(err, &unhandled) && message != "" {
			return fmt.Errorf("task %s failed: %s: %w", loc.Key(), message, err)
		}

		return fmt.Errorf("task %s failed: %w", loc.Key(), err)
	}

	r.logger.InfoContext(ctx, "Task error caught by boundary event", "node_id", loc.NodeID, "code", code)

	return r.advanceLocked(ctx, r.applyLocked(ctx, loc.Key(), result, ec))
}

func (r *Routine) handleTrigger(ctx context.Context, key string, payload map[string]any) error {
	ec := r.navContext("")
	ec.Fire(key, payload)

	return r.reevaluateLocked(ctx)
}

// handleStepCompleted charges one executed step and fails the run once its
// usage exceeds the allocated limits.
func (r *Routine) handleStepCompleted(ctx context.Context, env *events.Envelope) error {
	if r.run == nil {
		return nil
	}

	usage := r.run.ResourceUsage
	usage.StepsExecuted++
	usage.CreditsUsed = usage.CreditsUsed.Add(decimalField(env, events.KeyCreditsUsed))

	if calls, ok := env.Int("toolCalls"); ok {
		usage.ToolCalls += calls
	}

	if memory, ok := env.Int("memoryUsedMB"); ok && memory > usage.MemoryUsedMB {
		usage.MemoryUsedMB = memory
	}

	if r.startedAt != nil {
		usage.DurationMs = r.deps.Now().Sub(*r.startedAt).Milliseconds()
	}

	r.run.ResourceUsage = usage

	if dimension, exceeded := usage.ExceededLimit(r.run.ResourceLimits); exceeded {
		return r.finishLocked(ctx, models.StateFailed, outcome{err: fmt.Sprintf("%s: %s", ErrResourceLimit, dimension)})
	}

	r.saveContextLocked(ctx)

	return nil
}

func (r *Routine) taskLocationLocked(env *events.Envelope) (models.AbstractLocation, bool) {
	if r.run == nil {
		return models.AbstractLocation{}, false
	}

	key := env.Field(events.KeyNodeID)
	if instance, ok := env.Int(events.KeyInstance); ok {
		key = fmt.Sprintf("%s#%d", key, instance)
	}

	for _, loc := range r.run.ActiveLocations {
		if loc.Key() == key && r.deps.Navigator.IsExecutable(r.def, loc) {
			return loc, true
		}
	}

	return models.AbstractLocation{}, false
}

// recordCompletionLocked stores a task's outputs under its key and merges
// them into the run variables.
func (r *Routine) recordCompletionLocked(loc models.AbstractLocation, outputs map[string]any) {
	if outputs != nil {
		r.run.Outputs[loc.Key()] = outputs

		for k, v := range outputs {
			r.run.Variables[k] = v
		}
	}

	r.run.CompletedSteps = append(r.run.CompletedSteps, loc.Key())
	r.run.Progress.CompletedSteps = len(r.run.CompletedSteps)

	if total := r.run.Progress.TotalSteps; total > 0 {
		r.run.Progress.Percent = min(100, float64(r.run.Progress.CompletedSteps)*100/float64(total))
	}
}

func decimalField(env *events.Envelope, key string) decimal.Decimal {
	switch v := env.Data[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}

		return d
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero
		}

		return d
	case decimal.Decimal:
		return v
	default:
		return decimal.Zero
	}
}
