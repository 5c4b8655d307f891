package navigator

import (
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
)

// enterMultiInstance expands an activity into its instances. Parallel
// activities start every instance at once, sequential ones one at a time.
// The activity itself stays active as a waiting location until done.
func (n *Navigator) enterMultiInstance(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	if node.Loop == nil {
		n.logger.Warn("Multi-instance activity has no loop characteristics, running it once", "node_id", node.ID)

		return n.completeActivity(g, node, ec)
	}

	total, err := n.cardinality(node.Loop, ec)
	if err != nil {
		return nil, fmt.Errorf("multi-instance activity %s: %w", node.ID, err)
	}

	if total == 0 {
		return n.completeActivity(g, node, ec)
	}

	state := &models.MultiInstanceState{Total: total, Completed: []int{}}
	ec.State.MultiInstance[node.ID] = state

	result := &Result{}

	waiting := current
	waiting.Kind = models.WaitingOnInstances
	waiting.ViaFlowID = ""
	result.Locations = append(result.Locations, waiting)
	result.Timers = append(result.Timers, n.activate(g, current, ec)...)

	batch := total
	if node.Loop.Sequential {
		batch = 1
	}

	for i := 0; i < batch; i++ {
		n.produce(g, result, ec, instanceLocation(current, i))
	}

	state.Started = batch

	return result, nil
}

func instanceLocation(activity models.AbstractLocation, i int) models.AbstractLocation {
	instance := activity
	instance.Kind = models.MultiInstanceInstance
	instance.ParentNodeID = activity.NodeID
	instance.Instance = i
	instance.ViaFlowID = ""

	return instance
}

// completeInstance records a finished instance and either starts the next
// one, keeps waiting, or completes the activity.
func (n *Navigator) completeInstance(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	state, ok := ec.State.MultiInstance[node.ID]
	if !ok {
		return &Result{}, nil
	}

	if !containsInt(state.Completed, current.Instance) {
		state.Completed = append(state.Completed, current.Instance)
	}

	if n.instancesDone(node, state, ec) {
		return n.finishInstances(g, node, current, state, ec)
	}

	waiting := current
	waiting.Kind = models.WaitingOnInstances
	waiting.Instance = 0
	waiting.ParentNodeID = ""

	result := &Result{Locations: []models.AbstractLocation{waiting}}

	if node.Loop.Sequential && state.Started < state.Total {
		n.produce(g, result, ec, instanceLocation(waiting, state.Started))
		state.Started++
	}

	return result, nil
}

func (n *Navigator) resumeInstances(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	state, ok := ec.State.MultiInstance[node.ID]
	if !ok {
		return n.completeActivity(g, node, ec)
	}

	if n.instancesDone(node, state, ec) {
		return n.finishInstances(g, node, current, state, ec)
	}

	return &Result{Locations: []models.AbstractLocation{current}}, nil
}

func (n *Navigator) finishInstances(g *graph, node *models.Node, current models.AbstractLocation, state *models.MultiInstanceState, ec *ExecutionContext) (*Result, error) {
	delete(ec.State.MultiInstance, node.ID)

	result, err := n.completeActivity(g, node, ec)
	if err != nil {
		return nil, err
	}

	result.Resolved = append(result.Resolved, node.ID)

	for i := 0; i < state.Started; i++ {
		if i != current.Instance && !containsInt(state.Completed, i) {
			result.Resolved = append(result.Resolved, instanceLocation(current, i).Key())
		}
	}

	return result, nil
}

func (n *Navigator) instancesDone(node *models.Node, state *models.MultiInstanceState, ec *ExecutionContext) bool {
	if len(state.Completed) >= state.Total {
		return true
	}

	condition := node.Loop.CompletionCondition
	if condition == "" {
		return false
	}

	vars := make(map[string]any, len(ec.Variables)+3)
	for key, value := range ec.Variables {
		vars[key] = value
	}

	vars["nrOfInstances"] = state.Total
	vars["nrOfCompletedInstances"] = len(state.Completed)
	vars["nrOfActiveInstances"] = state.Started - len(state.Completed)

	return n.evaluator.Evaluate(condition, vars)
}

func (n *Navigator) cardinality(loop *models.LoopCharacteristics, ec *ExecutionContext) (int, error) {
	if loop.Collection != "" {
		items, ok := collection(loop.Collection, ec.Variables)
		if !ok {
			return 0, fmt.Errorf("collection %q is not a list", loop.Collection)
		}

		return len(items), nil
	}

	if loop.Cardinality == "" {
		return 0, fmt.Errorf("neither cardinality nor collection is set")
	}

	value, ok := n.evaluator.Value(loop.Cardinality, ec.Variables)
	if !ok {
		return 0, fmt.Errorf("cardinality %q does not evaluate", loop.Cardinality)
	}

	total, ok := toInt(value)
	if !ok || total < 0 {
		return 0, fmt.Errorf("cardinality %q is not a non-negative number", loop.Cardinality)
	}

	return total, nil
}

// collection resolves a loop collection. A missing or nil variable is an
// empty list; any other non-list value is rejected.
func collection(name string, variables map[string]any) ([]any, bool) {
	value := variables[name]
	if value == nil {
		return nil, true
	}

	items, ok := value.([]any)

	return items, ok
}

// InstanceVariables returns the variables an instance executes with: its
// loop counter and, for collection loops, its element.
func (n *Navigator) InstanceVariables(def *models.WorkflowDefinition, loc models.AbstractLocation, ec *ExecutionContext) map[string]any {
	vars := map[string]any{"loopCounter": loc.Instance}

	node, ok := def.Node(loc.NodeID)
	if !ok || node.Loop == nil || node.Loop.Collection == "" {
		return vars
	}

	items, ok := collection(node.Loop.Collection, ec.Variables)
	if !ok || loc.Instance >= len(items) {
		return vars
	}

	element := node.Loop.ElementVariable
	if element == "" {
		element = "item"
	}

	vars[element] = items[loc.Instance]

	return vars
}

func containsInt(values []int, v int) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}

	return false
}
