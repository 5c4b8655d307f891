package navigator

import "github.com/dukex/swarmflow/pkg/models"

// graph indexes a definition for one navigation call.
type graph struct {
	def        *models.WorkflowDefinition
	nodes      map[string]*models.Node
	outgoing   map[string][]models.SequenceFlow
	incoming   map[string][]models.SequenceFlow
	boundaries map[string][]*models.Node
}

func newGraph(def *models.WorkflowDefinition) *graph {
	g := &graph{
		def:        def,
		nodes:      make(map[string]*models.Node, len(def.Nodes)),
		outgoing:   make(map[string][]models.SequenceFlow),
		incoming:   make(map[string][]models.SequenceFlow),
		boundaries: make(map[string][]*models.Node),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		g.nodes[node.ID] = node

		if node.Kind == models.NodeEvent && node.EventType == models.EventBoundary && node.AttachedTo != "" {
			g.boundaries[node.AttachedTo] = append(g.boundaries[node.AttachedTo], node)
		}
	}

	for _, flow := range def.Flows {
		g.outgoing[flow.SourceID] = append(g.outgoing[flow.SourceID], flow)
		g.incoming[flow.TargetID] = append(g.incoming[flow.TargetID], flow)
	}

	return g
}

func (g *graph) node(id string) (*models.Node, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// at builds the location for nodeID inside its declared scope.
func (g *graph) at(nodeID string) models.AbstractLocation {
	loc := models.At(g.def.RoutineID, nodeID)
	if node, ok := g.nodes[nodeID]; ok {
		loc.SubprocessID = node.ParentID
	}

	return loc
}

// scopeChain returns scopeID followed by its enclosing subprocess ids.
func (g *graph) scopeChain(scopeID string) []string {
	var chain []string

	for scopeID != "" {
		chain = append(chain, scopeID)

		node, ok := g.nodes[scopeID]
		if !ok {
			break
		}

		scopeID = node.ParentID
	}

	return chain
}

// within reports whether scopeID is ancestor or equal to the scope of loc.
func (g *graph) within(loc models.AbstractLocation, scopeID string) bool {
	for _, id := range g.scopeChain(loc.SubprocessID) {
		if id == scopeID {
			return true
		}
	}

	return false
}

// startOf returns the start node of a scope ("" for the top level): the
// start event declared in it, else the first task with no incoming flow.
func (g *graph) startOf(scopeID string) (*models.Node, bool) {
	for i := range g.def.Nodes {
		node := &g.def.Nodes[i]
		if node.ParentID == scopeID && node.Kind == models.NodeEvent && node.EventType == models.EventStart {
			return node, true
		}
	}

	for i := range g.def.Nodes {
		node := &g.def.Nodes[i]
		if node.ParentID == scopeID && node.Kind == models.NodeTask && len(g.incoming[node.ID]) == 0 {
			return node, true
		}
	}

	return nil, false
}
