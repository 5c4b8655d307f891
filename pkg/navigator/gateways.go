package navigator

import (
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
)

func (n *Navigator) gateway(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	switch node.GatewayType {
	case models.GatewayExclusive:
		return n.exclusive(g, node, ec)
	case models.GatewayParallel:
		return n.parallel(g, node, current, ec)
	case models.GatewayInclusive:
		return n.inclusive(g, node, current, ec)
	}

	n.logger.Warn("Unsupported gateway type, following unconditioned flows", "node_id", node.ID, "gateway_type", node.GatewayType)

	return n.fallback(g, node, ec), nil
}

// exclusive takes the first outgoing flow, in definition order, whose
// condition holds.
func (n *Navigator) exclusive(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	result := &Result{ActivityComplete: true}

	for _, flow := range g.outgoing[node.ID] {
		if !n.evaluator.Evaluate(flow.Condition, ec.Variables) {
			continue
		}

		ec.State.Gateways[node.ID] = []string{flow.ID}
		n.follow(g, result, ec, []models.SequenceFlow{flow})

		return result, nil
	}

	if len(g.outgoing[node.ID]) == 0 {
		return result, nil
	}

	return nil, fmt.Errorf("exclusive gateway %s: %w", node.ID, ErrNoMatchingFlow)
}

// parallel joins every incoming branch, then forks into every outgoing flow.
func (n *Navigator) parallel(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	if incoming := len(g.incoming[node.ID]); incoming > 1 {
		if waiting, ok := n.join(node, current, incoming, ec); !ok {
			return &Result{Locations: []models.AbstractLocation{waiting}}, nil
		}
	}

	result := &Result{ActivityComplete: true}
	flows := g.outgoing[node.ID]

	ids := make([]string, 0, len(flows))
	for _, flow := range flows {
		ids = append(ids, flow.ID)
	}

	ec.State.Gateways[node.ID] = ids
	n.follow(g, result, ec, flows)

	return result, nil
}

// inclusive joins the branches a matching fork activated, then activates
// every outgoing flow whose condition holds. When none holds, the branch
// completes without successors.
func (n *Navigator) inclusive(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	if incoming := len(g.incoming[node.ID]); incoming > 1 {
		if waiting, ok := n.join(node, current, incoming, ec); !ok {
			return &Result{Locations: []models.AbstractLocation{waiting}}, nil
		}
	}

	result := &Result{ActivityComplete: true}
	outgoing := g.outgoing[node.ID]

	if len(outgoing) == 0 {
		return result, nil
	}

	matched := n.matching(outgoing, ec)
	if len(matched) == 0 {
		// The branch ends here. An empty fork set keeps any downstream join
		// from waiting on it.
		ec.State.Gateways[node.ID] = []string{}

		return result, nil
	}

	ids := make([]string, 0, len(matched))
	for _, flow := range matched {
		ids = append(ids, flow.ID)
	}

	ec.State.Gateways[node.ID] = ids

	if len(outgoing) > 1 {
		n.expectAtJoin(g, node, matched, ec)
	}

	n.follow(g, result, ec, matched)

	return result, nil
}

// join records the arrival of current at a converging gateway. It returns
// true once every expected branch has arrived, clearing the join state.
// Otherwise it returns the waiting location to keep active.
func (n *Navigator) join(node *models.Node, current models.AbstractLocation, incoming int, ec *ExecutionContext) (models.AbstractLocation, bool) {
	state, ok := ec.State.Parallel[node.ID]
	if !ok {
		state = &models.JoinState{Expected: incoming}
		ec.State.Parallel[node.ID] = state
	}

	arrival := current.ViaFlowID
	if arrival == "" {
		arrival = fmt.Sprintf("arrival-%d", len(state.Arrived)+1)
	}

	state.Arrived = append(state.Arrived, arrival)

	if len(state.Arrived) < state.Expected {
		waiting := current
		waiting.Kind = models.WaitingOnJoin
		waiting.ViaFlowID = ""

		return waiting, false
	}

	delete(ec.State.Parallel, node.ID)

	return models.AbstractLocation{}, true
}

// expectAtJoin finds the converging inclusive gateway the activated branches
// lead to and records how many of them it must wait for.
func (n *Navigator) expectAtJoin(g *graph, fork *models.Node, activated []models.SequenceFlow, ec *ExecutionContext) {
	counts := map[string]int{}

	var order []string

	for _, flow := range activated {
		joinID, ok := n.findInclusiveJoin(g, fork, flow.TargetID)
		if !ok {
			continue
		}

		if counts[joinID] == 0 {
			order = append(order, joinID)
		}

		counts[joinID]++
	}

	for _, joinID := range order {
		ec.State.Parallel[joinID] = &models.JoinState{Expected: counts[joinID], Arrived: []string{}}
	}
}

func (n *Navigator) findInclusiveJoin(g *graph, fork *models.Node, from string) (string, bool) {
	visited := map[string]bool{fork.ID: true}
	queue := []string{from}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if visited[id] {
			continue
		}

		visited[id] = true

		node, ok := g.node(id)
		if !ok {
			continue
		}

		if node.Kind == models.NodeGateway && node.GatewayType == models.GatewayInclusive && len(g.incoming[id]) > 1 {
			return id, true
		}

		for _, flow := range g.outgoing[id] {
			queue = append(queue, flow.TargetID)
		}
	}

	return "", false
}
