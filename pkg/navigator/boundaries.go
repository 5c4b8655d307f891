package navigator

import (
	"github.com/dukex/swarmflow/pkg/models"
)

// BoundaryHit is a boundary event whose trigger occurred while its activity
// was active.
type BoundaryHit struct {
	Location     models.AbstractLocation
	ActivityID   string
	Interrupting bool
}

func (n *Navigator) firedBoundaries(g *graph, activity *models.Node, ec *ExecutionContext) []BoundaryHit {
	var hits []BoundaryHit

	for _, boundary := range g.boundaries[activity.ID] {
		if boundary.Trigger == nil || !n.satisfied(boundary, activity.ID, ec, true) {
			continue
		}

		hits = append(hits, BoundaryHit{
			Location:     g.at(boundary.ID),
			ActivityID:   activity.ID,
			Interrupting: boundary.Interrupting(),
		})

		if boundary.TriggerType() == models.TriggerTimer && !boundary.Interrupting() && boundary.Trigger.Cycle != "" {
			n.registerTimer(boundary, ec)
		}
	}

	return hits
}

func (n *Navigator) clearBoundaryTimers(g *graph, activity *models.Node, ec *ExecutionContext) {
	for _, boundary := range g.boundaries[activity.ID] {
		if boundary.TriggerType() == models.TriggerTimer {
			ec.removePending(timerKey(boundary.ID))
		}
	}
}

// Interrupts applies fired boundary events to the active activities: tasks
// and multi-instance activities listed in ec.Active and subprocesses on the
// scope stack. Interrupting hits cancel their activity.
func (n *Navigator) Interrupts(def *models.WorkflowDefinition, ec *ExecutionContext) *Result {
	g := newGraph(def)
	result := &Result{}
	seen := map[string]bool{}

	var activities []*models.Node

	for _, loc := range ec.Active {
		if node, ok := g.node(loc.NodeID); ok && !seen[node.ID] && isActivity(node) {
			seen[node.ID] = true
			activities = append(activities, node)
		}
	}

	for _, scope := range ec.State.Subprocesses {
		if node, ok := g.node(scope.SubprocessID); ok && !seen[node.ID] {
			seen[node.ID] = true
			activities = append(activities, node)
		}
	}

	for _, activity := range activities {
		for _, hit := range n.firedBoundaries(g, activity, ec) {
			if hit.Interrupting {
				n.cancelActivity(g, activity, ec, result)
			}

			n.produce(g, result, ec, hit.Location)
		}
	}

	return result
}

func isActivity(node *models.Node) bool {
	return node.Kind == models.NodeTask || node.Kind == models.NodeMultiInstance || node.Kind == models.NodeSubprocess
}

// cancelActivity drops an activity and, for subprocesses, everything
// running inside it.
func (n *Navigator) cancelActivity(g *graph, activity *models.Node, ec *ExecutionContext, result *Result) {
	n.clearBoundaryTimers(g, activity, ec)

	for _, loc := range ec.Active {
		if loc.NodeID == activity.ID {
			result.Resolved = append(result.Resolved, loc.Key())
		}
	}

	if activity.IsMultiInstance() {
		delete(ec.State.MultiInstance, activity.ID)
	}

	if activity.Kind == models.NodeSubprocess {
		result.CancelledScopes = append(result.CancelledScopes, n.exitScope(g, activity.ID, ec)...)
	}
}

// exitScope pops scopeID and every scope nested inside it.
func (n *Navigator) exitScope(g *graph, scopeID string, ec *ExecutionContext) []string {
	var exited []string

	for _, scope := range append([]models.SubprocessScope(nil), ec.State.Subprocesses...) {
		for _, id := range g.scopeChain(scope.SubprocessID) {
			if id == scopeID {
				exited = append(exited, scope.SubprocessID)
				ec.popScope(scope.SubprocessID)

				break
			}
		}
	}

	return exited
}

// RaiseError routes an error raised by the activity at loc to the nearest
// error boundary event: on the activity itself, then on each enclosing
// subprocess. Without one the error is unhandled.
func (n *Navigator) RaiseError(def *models.WorkflowDefinition, loc models.AbstractLocation, code string, ec *ExecutionContext) (*Result, error) {
	g := newGraph(def)

	node, ok := g.node(loc.NodeID)
	if !ok {
		return nil, unknownNode(loc.NodeID)
	}

	if hit, ok := n.errorBoundary(g, node, code, ec); ok {
		result := &Result{ActivityComplete: true}
		n.cancelActivity(g, node, ec, result)
		n.produce(g, result, ec, hit)

		return result, nil
	}

	if loc.SubprocessID == "" {
		return nil, &UnhandledErrorEvent{NodeID: node.ID, Code: code}
	}

	result, err := n.raise(g, loc.SubprocessID, code, ec)
	if err != nil {
		return nil, err
	}

	result.Resolved = append(result.Resolved, loc.Key())

	return result, nil
}

// raise propagates an error out of subprocess scopeID.
func (n *Navigator) raise(g *graph, scopeID, code string, ec *ExecutionContext) (*Result, error) {
	for _, id := range g.scopeChain(scopeID) {
		subprocess, ok := g.node(id)
		if !ok {
			break
		}

		hit, ok := n.errorBoundary(g, subprocess, code, ec)
		if !ok {
			continue
		}

		result := &Result{ActivityComplete: true}
		n.cancelActivity(g, subprocess, ec, result)
		n.produce(g, result, ec, hit)

		return result, nil
	}

	return nil, &UnhandledErrorEvent{NodeID: scopeID, Code: code}
}

func (n *Navigator) errorBoundary(g *graph, activity *models.Node, code string, ec *ExecutionContext) (models.AbstractLocation, bool) {
	var catchAll *models.Node

	for _, boundary := range g.boundaries[activity.ID] {
		if boundary.TriggerType() != models.TriggerError {
			continue
		}

		name := boundary.Trigger.Name
		if name == code && code != "" {
			return g.at(boundary.ID), true
		}

		if name == "" && catchAll == nil {
			catchAll = boundary
		}
	}

	if catchAll != nil {
		return g.at(catchAll.ID), true
	}

	return models.AbstractLocation{}, false
}
