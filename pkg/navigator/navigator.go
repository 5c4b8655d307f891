// Package navigator interprets workflow definitions. It is free of I/O: every
// call reads a definition and an execution context and reports where the run
// goes next, leaving publication, scheduling and persistence to the caller.
package navigator

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/dukex/swarmflow/pkg/models"
)

// Result is the outcome of a navigation step. The caller replaces the active
// location keyed by the current location with Locations, drops the active
// locations listed in Resolved and every location inside CancelledScopes.
type Result struct {
	Locations        []models.AbstractLocation
	ActivityComplete bool
	Resolved         []string
	CancelledScopes  []string
	Timers           []Timer
}

type Navigator struct {
	logger    *slog.Logger
	evaluator *Evaluator
	cron      cron.Parser
}

func New(logger *slog.Logger) *Navigator {
	logger = logger.With("module", "navigator")

	return &Navigator{
		logger:    logger,
		evaluator: NewEvaluator(logger),
		cron:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Evaluator exposes the condition evaluator.
func (n *Navigator) Evaluator() *Evaluator {
	return n.evaluator
}

// StartLocation returns the top-level start event, else the first task
// without incoming flows.
func (n *Navigator) StartLocation(def *models.WorkflowDefinition) (models.AbstractLocation, error) {
	g := newGraph(def)

	node, ok := g.startOf("")
	if !ok {
		return models.AbstractLocation{}, ErrNoStartLocation
	}

	return g.at(node.ID), nil
}

// IsEndLocation reports whether loc is an end event or has no outgoing flows.
func (n *Navigator) IsEndLocation(def *models.WorkflowDefinition, loc models.AbstractLocation) bool {
	g := newGraph(def)

	node, ok := g.node(loc.NodeID)
	if !ok {
		return false
	}

	if node.Kind == models.NodeEvent && node.EventType == models.EventEnd {
		return true
	}

	return len(g.outgoing[node.ID]) == 0
}

// NextLocations computes the successors of current.
func (n *Navigator) NextLocations(def *models.WorkflowDefinition, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	g := newGraph(def)

	node, ok := g.node(current.NodeID)
	if !ok {
		return nil, unknownNode(current.NodeID)
	}

	switch current.Kind {
	case models.WaitingOnTimer, models.WaitingOnMessage, models.WaitingOnSignal, models.WaitingOnCondition:
		return n.resumeCatch(g, node, current, ec)
	case models.WaitingOnJoin:
		return &Result{Locations: []models.AbstractLocation{current}}, nil
	case models.WaitingOnInstances:
		return n.resumeInstances(g, node, current, ec)
	case models.MultiInstanceInstance:
		return n.completeInstance(g, node, current, ec)
	}

	switch node.Kind {
	case models.NodeTask:
		if node.IsMultiInstance() {
			return n.enterMultiInstance(g, node, current, ec)
		}

		return n.completeActivity(g, node, ec)
	case models.NodeMultiInstance:
		return n.enterMultiInstance(g, node, current, ec)
	case models.NodeGateway:
		return n.gateway(g, node, current, ec)
	case models.NodeEvent:
		return n.event(g, node, current, ec)
	case models.NodeSubprocess:
		return n.enterSubprocess(g, node, ec)
	}

	n.logger.Warn("Unsupported node kind, following unconditioned flows", "node_id", node.ID, "kind", node.Kind)

	return n.fallback(g, node, ec), nil
}

// Activate registers the timers of a location that just became active and
// returns them so the caller can schedule wake-ups.
func (n *Navigator) Activate(def *models.WorkflowDefinition, loc models.AbstractLocation, ec *ExecutionContext) []Timer {
	return n.activate(newGraph(def), loc, ec)
}

func (n *Navigator) activate(g *graph, loc models.AbstractLocation, ec *ExecutionContext) []Timer {
	if loc.Kind != models.ContinueAtNode && loc.Kind != models.MultiInstanceInstance {
		return nil
	}

	var timers []Timer

	for _, boundary := range g.boundaries[loc.NodeID] {
		if boundary.TriggerType() != models.TriggerTimer {
			continue
		}

		if timer, ok := n.registerTimer(boundary, ec); ok {
			timers = append(timers, timer)
		}
	}

	return timers
}

// produce finalizes locations entering the active set.
func (n *Navigator) produce(g *graph, result *Result, ec *ExecutionContext, locs ...models.AbstractLocation) {
	for _, loc := range locs {
		result.Locations = append(result.Locations, loc)
		result.Timers = append(result.Timers, n.activate(g, loc, ec)...)
	}
}

// follow takes the given flows from node.
func (n *Navigator) follow(g *graph, result *Result, ec *ExecutionContext, flows []models.SequenceFlow) {
	for _, flow := range flows {
		loc := g.at(flow.TargetID)
		loc.ViaFlowID = flow.ID
		n.produce(g, result, ec, loc)
	}
}

func (n *Navigator) matching(flows []models.SequenceFlow, ec *ExecutionContext) []models.SequenceFlow {
	var matched []models.SequenceFlow

	for _, flow := range flows {
		if n.evaluator.Evaluate(flow.Condition, ec.Variables) {
			matched = append(matched, flow)
		}
	}

	return matched
}

// completeActivity handles a task that finished: fired boundary events take
// precedence, otherwise every outgoing flow whose condition holds is taken.
func (n *Navigator) completeActivity(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	result := &Result{ActivityComplete: true}

	hits := n.firedBoundaries(g, node, ec)
	for _, hit := range hits {
		if hit.Interrupting {
			n.clearBoundaryTimers(g, node, ec)
			n.produce(g, result, ec, hit.Location)

			return result, nil
		}
	}

	n.clearBoundaryTimers(g, node, ec)

	for _, hit := range hits {
		n.produce(g, result, ec, hit.Location)
	}

	n.follow(g, result, ec, n.matching(g.outgoing[node.ID], ec))

	return result, nil
}

// leaveActivity follows the outgoing flows of a finished compound activity.
func (n *Navigator) leaveActivity(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	return n.completeActivity(g, node, ec)
}

func (n *Navigator) fallback(g *graph, node *models.Node, ec *ExecutionContext) *Result {
	result := &Result{ActivityComplete: true}

	var unconditioned []models.SequenceFlow

	for _, flow := range g.outgoing[node.ID] {
		if flow.Condition == "" {
			unconditioned = append(unconditioned, flow)
		}
	}

	n.follow(g, result, ec, unconditioned)

	return result
}

// IsExecutable reports whether loc is work for an external executor: a
// plain task or one instance of a multi-instance activity. Other locations
// are structural and are navigated through immediately, or are waiting.
func (n *Navigator) IsExecutable(def *models.WorkflowDefinition, loc models.AbstractLocation) bool {
	if loc.Kind == models.MultiInstanceInstance {
		return true
	}

	if loc.Kind != models.ContinueAtNode {
		return false
	}

	node, ok := def.Node(loc.NodeID)

	return ok && node.Kind == models.NodeTask && !node.IsMultiInstance()
}
