package routine

import (
	"context"
	"maps"
	"slices"

	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/navigator"
)

// maxNavigationSteps bounds a single advance so a structural cycle without
// tasks or waits cannot spin forever.
const maxNavigationSteps = 10_000

// navContext builds the navigator's view of the run. exclude is the key of
// the location being navigated, which is not one of the other active ones.
func (r *Routine) navContext(exclude string) *navigator.ExecutionContext {
	ec := navigator.NewExecutionContext(r.run.Variables, &r.run.Navigator, r.deps.Now())

	for _, loc := range r.run.ActiveLocations {
		if exclude == "" || loc.Key() != exclude {
			ec.Active = append(ec.Active, loc)
		}
	}

	return ec
}

// applyLocked folds a navigation result into the active set: replaced and
// the resolved locations leave, as does everything inside a cancelled
// scope, and the produced locations are upserted by key. It schedules the
// result's timers and publishes the signals thrown during the step.
func (r *Routine) applyLocked(ctx context.Context, replaced string, result *navigator.Result, ec *navigator.ExecutionContext) []models.AbstractLocation {
	drop := map[string]bool{}
	if replaced != "" {
		drop[replaced] = true
	}

	for _, key := range result.Resolved {
		drop[key] = true
	}

	cancelled := map[string]bool{}
	for _, scope := range result.CancelledScopes {
		cancelled[scope] = true
	}

	active := make([]models.AbstractLocation, 0, len(r.run.ActiveLocations)+len(result.Locations))

	for _, loc := range r.run.ActiveLocations {
		if drop[loc.Key()] || (loc.SubprocessID != "" && cancelled[loc.SubprocessID]) {
			continue
		}

		active = append(active, loc)
	}

	for _, loc := range result.Locations {
		i := slices.IndexFunc(active, func(a models.AbstractLocation) bool { return a.Key() == loc.Key() })
		if i >= 0 {
			active[i] = loc
		} else {
			active = append(active, loc)
		}

		r.visitLocked(loc)
	}

	r.run.ActiveLocations = active

	r.scheduleTimersLocked(result.Timers)
	r.publishThrownLocked(ctx, ec)

	return result.Locations
}

// advanceLocked navigates through structural locations until every active
// location is either handed to executors or waiting. The run completes
// when nothing remains active.
func (r *Routine) advanceLocked(ctx context.Context, queue []models.AbstractLocation) error {
	for steps := 0; len(queue) > 0; steps++ {
		if steps >= maxNavigationSteps {
			return ErrNavigationOverflow
		}

		loc := queue[0]
		queue = queue[1:]

		if !r.isActiveLocked(loc.Key()) || loc.IsWaiting() {
			continue
		}

		if r.deps.Navigator.IsExecutable(r.def, loc) {
			r.announceLocked(ctx, loc)

			continue
		}

		ec := r.navContext(loc.Key())

		result, err := r.deps.Navigator.NextLocations(r.def, loc, ec)
		if err != nil {
			return err
		}

		queue = append(queue, r.applyLocked(ctx, loc.Key(), result, ec)...)
	}

	if len(r.run.ActiveLocations) == 0 {
		return r.finishLocked(ctx, models.StateCompleted, outcome{result: maps.Clone(r.run.Outputs)})
	}

	return nil
}

// reevaluateLocked applies fired boundary events and gives every waiting
// location a chance to resume. Signals are dropped afterwards.
func (r *Routine) reevaluateLocked(ctx context.Context) error {
	ec := r.navContext("")
	produced := r.applyLocked(ctx, "", r.deps.Navigator.Interrupts(r.def, ec), ec)

	for _, loc := range slices.Clone(r.run.ActiveLocations) {
		if !loc.IsWaiting() || loc.Kind == models.WaitingOnJoin || !r.isActiveLocked(loc.Key()) {
			continue
		}

		lec := r.navContext(loc.Key())

		result, err := r.deps.Navigator.NextLocations(r.def, loc, lec)
		if err != nil {
			return err
		}

		if stillWaiting(result, loc) {
			continue
		}

		produced = append(produced, r.applyLocked(ctx, loc.Key(), result, lec)...)
	}

	err := r.advanceLocked(ctx, produced)

	ec.ClearSignals()

	return err
}

func stillWaiting(result *navigator.Result, loc models.AbstractLocation) bool {
	return len(result.Locations) == 1 && result.Locations[0] == loc &&
		len(result.Resolved) == 0 && len(result.CancelledScopes) == 0 && len(result.Timers) == 0
}

func (r *Routine) isActiveLocked(key string) bool {
	return slices.ContainsFunc(r.run.ActiveLocations, func(loc models.AbstractLocation) bool {
		return loc.Key() == key
	})
}

func (r *Routine) visitLocked(loc models.AbstractLocation) {
	r.run.CurrentLocation = loc.Location
	r.run.VisitedLocations = append(r.run.VisitedLocations, loc.Location)
}

// announceLocked publishes task/ready for an executable location.
func (r *Routine) announceLocked(ctx context.Context, loc models.AbstractLocation) {
	variables := maps.Clone(r.run.Variables)

	data := map[string]any{events.KeyNodeID: loc.NodeID}
	if node, ok := r.def.Node(loc.NodeID); ok {
		data["name"] = node.Name
		data["config"] = node.Config
	}

	if loc.Kind == models.MultiInstanceInstance {
		data[events.KeyInstance] = loc.Instance
		maps.Copy(variables, r.deps.Navigator.InstanceVariables(r.def, loc, r.navContext(loc.Key())))
	}

	data["variables"] = variables

	r.emitLocked(ctx, events.TaskReady(r.ID()), r.payload(data))
	r.logger.DebugContext(ctx, "Task ready", "node_id", loc.NodeID, "instance", loc.Instance)
}

// publishThrownLocked emits the signals thrown during a navigation step.
// A throw node may name its own event type in config.event_type.
func (r *Routine) publishThrownLocked(ctx context.Context, ec *navigator.ExecutionContext) {
	for _, signal := range ec.External {
		eventType := events.RunSignal(r.ID(), signal.Name)
		if signal.Type == models.TriggerMessage {
			eventType = events.RunMessage(r.ID(), signal.Name)
		}

		if node, ok := r.def.Node(signal.NodeID); ok {
			if custom, ok := node.Config["event_type"].(string); ok && custom != "" {
				eventType = custom
			}
		}

		data := map[string]any{events.KeyNodeID: signal.NodeID, "name": signal.Name}
		maps.Copy(data, signal.Payload)

		r.emitLocked(ctx, eventType, r.payload(data))
	}

	ec.External = nil
}

// scheduleTimersLocked arranges a timer/elapsed event for each due time.
func (r *Routine) scheduleTimersLocked(timers []navigator.Timer) {
	now := r.deps.Now()

	for _, timer := range timers {
		env := events.New(events.RunTimerElapsed(r.ID()), r.ID(), map[string]any{
			events.KeyRunID:  r.ID(),
			events.KeyNodeID: timer.NodeID,
			"timerKey":       timer.Key,
		}, events.WithSource(Kind+":"+r.ID()), events.WithTier(events.TierRoutine))

		r.EnqueueAfter(max(timer.DueAt.Sub(now), 0), env)
	}
}
