package flow

import (
	"encoding/json"
	"time"

	"github.com/aarondl/null/v8"
	"github.com/friendsofgo/errors"
	"github.com/google/uuid"

	"flowrunner/pkg/engine"
)

// =============================================================================
// Database Models - map directly to PostgreSQL tables
// =============================================================================

// Flow represents a row in the flows table
type Flow struct {
	ID             uuid.UUID   `db:"id"`
	Name           string      `db:"name"`
	Description    null.String `db:"description"`
	IsActive       bool        `db:"is_active"`
	CaptureContext bool        `db:"capture_context"`
	CreatedAt      time.Time   `db:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"`
}

// Node represents a row in the nodes table
type Node struct {
	FlowID   uuid.UUID       `db:"flow_id"`
	NodeID   string          `db:"node_id"`
	NodeType string          `db:"node_type"`
	Label    null.String     `db:"label"`
	XPos     float64         `db:"x_pos"`
	YPos     float64         `db:"y_pos"`
	Config   json.RawMessage `db:"config"`
}

// Edge represents a row in the edges table
type Edge struct {
	FlowID       uuid.UUID   `db:"flow_id"`
	EdgeID       string      `db:"edge_id"`
	SourceID     string      `db:"source_id"`
	TargetID     string      `db:"target_id"`
	SourceHandle string      `db:"source_handle"`
	TargetHandle string      `db:"target_handle"`
	Transform    null.String `db:"transform"`
}

// =============================================================================
// API Response Models
// =============================================================================

// FlowResponse is the API response for GET /flows/{id}
type FlowResponse struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	Description    null.String   `json:"description"`
	IsActive       bool          `json:"isActive"`
	CaptureContext bool          `json:"captureContext"`
	Nodes          []engine.Node `json:"nodes"`
	Edges          []engine.Edge `json:"edges"`
}

// ValidationResponse is the API response for GET /flows/{id}/validate
type ValidationResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems"`
}

// TriggerDebugResponse is returned by the trigger endpoint when ?debug=true
type TriggerDebugResponse struct {
	Meta      engine.ResponseMeta `json:"meta"`
	Data      any                 `json:"data"`
	SessionID string              `json:"sessionId"`
	Trace     []engine.TraceEntry `json:"trace"`
}

// LambdaResponse describes one registered node type
type LambdaResponse struct {
	Type         string          `json:"type"`
	Label        string          `json:"label"`
	Description  string          `json:"description,omitempty"`
	Icon         string          `json:"icon,omitempty"`
	Handles      []engine.Handle `json:"handles"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// =============================================================================
// Conversion functions - DB models to engine models
// =============================================================================

// ToEngine converts a Node to an engine.Node, decoding its config.
func (n *Node) ToEngine() (engine.Node, error) {
	node := engine.Node{
		ID:       n.NodeID,
		Type:     n.NodeType,
		Position: engine.Position{X: n.XPos, Y: n.YPos},
	}

	if len(n.Config) > 0 {
		if err := json.Unmarshal(n.Config, &node.Config); err != nil {
			return engine.Node{}, errors.Wrapf(err, "decode config of node %s", n.NodeID)
		}
	}

	return node, nil
}

// ToEngine converts an Edge to an engine.Edge
func (e *Edge) ToEngine() engine.Edge {
	return engine.Edge{
		ID:           e.EdgeID,
		Source:       e.SourceID,
		Target:       e.TargetID,
		SourceHandle: e.SourceHandle,
		TargetHandle: e.TargetHandle,
		Transform:    e.Transform.String,
	}
}

// BuildFlow assembles the engine definition of a flow from its rows.
func BuildFlow(f *Flow, nodes []Node, edges []Edge) (*engine.Flow, error) {
	active := f.IsActive
	out := &engine.Flow{
		ID:             f.ID.String(),
		Name:           f.Name,
		CaptureContext: f.CaptureContext,
		IsActive:       &active,
		Nodes:          make([]engine.Node, 0, len(nodes)),
		Edges:          make([]engine.Edge, 0, len(edges)),
	}

	for i := range nodes {
		node, err := nodes[i].ToEngine()
		if err != nil {
			return nil, err
		}
		out.Nodes = append(out.Nodes, node)
	}
	for i := range edges {
		out.Edges = append(out.Edges, edges[i].ToEngine())
	}

	return out, nil
}
