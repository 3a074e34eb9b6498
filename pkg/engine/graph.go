package engine

import (
	"github.com/friendsofgo/errors"
	"github.com/kat-co/vala"
)

// Flow is a persisted graph definition.
type Flow struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
	CaptureContext bool   `json:"captureContext,omitempty"`
	IsActive       *bool  `json:"isActive,omitempty"`
}

// Active reports whether the flow accepts triggers. Flows default to active.
func (f *Flow) Active() bool {
	return f.IsActive == nil || *f.IsActive
}

// Node is one processing step. Config is opaque JSON (decoded into the plain
// JSON data model) that only matters to the handler and to template rendering.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Config   any      `json:"config,omitempty"`
	Position Position `json:"position"`
}

// Position is the node's place on the editor canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects an output handle of one node to an input handle of another.
// Transform, when set, is a template rendered with $data bound to the output value.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle"`
	TargetHandle string `json:"targetHandle"`
	Transform    string `json:"transform,omitempty"`
}

// Graph is an indexed, read-only view of a Flow.
type Graph struct {
	flow     *Flow
	nodes    map[string]*Node
	outgoing map[string][]Edge
}

// NewGraph indexes flow. It fails when node ids are empty or duplicated, or
// when an edge references a node outside the flow.
func NewGraph(flow *Flow) (*Graph, error) {
	if err := vala.BeginValidation().Validate(
		vala.IsNotNil(flow, "flow"),
	).Check(); err != nil {
		return nil, err
	}

	g := &Graph{
		flow:     flow,
		nodes:    make(map[string]*Node, len(flow.Nodes)),
		outgoing: make(map[string][]Edge),
	}

	for i := range flow.Nodes {
		node := &flow.Nodes[i]
		if node.ID == "" {
			return nil, errors.Errorf("node at index %d has no id", i)
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, errors.Errorf("duplicate node id %s", node.ID)
		}
		g.nodes[node.ID] = node
	}

	// Edge order is preserved per source node.
	for _, edge := range flow.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, errors.Wrapf(ErrUnknownNode, "edge %s: source %s", edge.ID, edge.Source)
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, errors.Wrapf(ErrUnknownNode, "edge %s: target %s", edge.ID, edge.Target)
		}
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
	}

	return g, nil
}

// Flow returns the definition the graph was built from.
func (g *Graph) Flow() *Flow {
	return g.flow
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in definition order.
func (g *Graph) Nodes() []Node {
	return g.flow.Nodes
}

// Outgoing returns the edges leaving nodeID in definition order.
func (g *Graph) Outgoing(nodeID string) []Edge {
	return g.outgoing[nodeID]
}
