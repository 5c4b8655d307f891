package navigator

import (
	"github.com/dukex/swarmflow/pkg/models"
)

// enterSubprocess pushes the subprocess scope and descends to its start.
// A subprocess without a start node is treated as an empty activity.
func (n *Navigator) enterSubprocess(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	start, ok := g.startOf(node.ID)
	if !ok {
		n.logger.Warn("Subprocess has no start node, skipping its body", "node_id", node.ID)

		return n.leaveActivity(g, node, ec)
	}

	ec.pushScope(node.ID)

	result := &Result{}
	n.produce(g, result, ec, g.at(start.ID))
	result.Timers = append(result.Timers, n.activate(g, g.at(node.ID), ec)...)

	return result, nil
}

// endInSubprocess completes the enclosing subprocess once no other location
// of its scope, or of a scope nested in it, remains active.
func (n *Navigator) endInSubprocess(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	scopeID := node.ParentID

	for _, loc := range ec.Active {
		if g.within(loc, scopeID) {
			return &Result{ActivityComplete: true}, nil
		}
	}

	ec.popScope(scopeID)

	subprocess, ok := g.node(scopeID)
	if !ok {
		return nil, unknownNode(scopeID)
	}

	result, err := n.leaveActivity(g, subprocess, ec)
	if err != nil {
		return nil, err
	}

	result.ActivityComplete = true

	return result, nil
}
