package engine

import (
	"sync"

	"github.com/friendsofgo/errors"
)

// NodeState is the durable per-node slot set of an execution.
type NodeState struct {
	Config any            `json:"config"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
}

// ExecutionContext holds the state of one session: the trigger payload and
// every node's config, inputs and outputs. Concurrent branches of a walk share
// it, so all access goes through its methods.
type ExecutionContext struct {
	mu      sync.RWMutex
	trigger any
	nodes   map[string]*NodeState
}

// newExecutionContext seeds a slot for every node of g. Each declared handle
// of the node's handler starts out as nil. Configs are deep copied so that
// mutations made during a walk never reach the shared flow definition.
func newExecutionContext(g *Graph, registry *Registry) *ExecutionContext {
	ec := &ExecutionContext{nodes: make(map[string]*NodeState, len(g.Nodes()))}

	for _, node := range g.Nodes() {
		state := &NodeState{
			Config: cloneValue(node.Config),
			Input:  make(map[string]any),
			Output: make(map[string]any),
		}

		if desc, ok := registry.FindByType(node.Type); ok {
			for _, h := range desc.Meta.Handles {
				switch h.Direction {
				case DirectionInput:
					state.Input[h.ID] = nil
				case DirectionOutput:
					state.Output[h.ID] = nil
				}
			}
		}

		ec.nodes[node.ID] = state
	}

	return ec
}

// Trigger returns the payload the session was triggered with.
func (ec *ExecutionContext) Trigger() any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.trigger
}

func (ec *ExecutionContext) setTrigger(payload any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.trigger = payload
}

// Node returns a copy of a node's state. Maps are copied one level deep.
func (ec *ExecutionContext) Node(nodeID string) (NodeState, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	state, ok := ec.nodes[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return NodeState{
		Config: state.Config,
		Input:  copyMap(state.Input),
		Output: copyMap(state.Output),
	}, true
}

// Config returns a deep copy of a node's current, unrendered config.
func (ec *ExecutionContext) Config(nodeID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	state, ok := ec.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return cloneValue(state.Config), true
}

// UpdateConfig lets fn modify a node's config in place. A config that is not
// a JSON object is replaced by an empty object before fn runs.
func (ec *ExecutionContext) UpdateConfig(nodeID string, fn func(cfg map[string]any)) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	state, ok := ec.nodes[nodeID]
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "update config of %s", nodeID)
	}

	cfg, isMap := state.Config.(map[string]any)
	if !isMap {
		cfg = make(map[string]any)
	}
	fn(cfg)
	state.Config = cfg
	return nil
}

// NodeInput returns the last value delivered to a node's input handle.
func (ec *ExecutionContext) NodeInput(nodeID, handleID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	state, ok := ec.nodes[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := state.Input[handleID]
	return v, ok
}

// NodeOutput returns the last value a node produced on an output handle.
func (ec *ExecutionContext) NodeOutput(nodeID, handleID string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	state, ok := ec.nodes[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := state.Output[handleID]
	return v, ok
}

func (ec *ExecutionContext) writeInput(nodeID, handleID string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if state, ok := ec.nodes[nodeID]; ok {
		state.Input[handleID] = value
	}
}

func (ec *ExecutionContext) writeOutput(nodeID, handleID string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if state, ok := ec.nodes[nodeID]; ok {
		state.Output[handleID] = value
	}
}

// Snapshot returns the whole context as a JSON-like map:
//
//	{"trigger": ..., "nodes": {"<id>": {"config": ..., "input": {...}, "output": {...}}}}
//
// It is the data that templates render against and what a captured finished
// event carries.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	nodes := make(map[string]any, len(ec.nodes))
	for id, state := range ec.nodes {
		nodes[id] = map[string]any{
			"config": cloneValue(state.Config),
			"input":  copyMap(state.Input),
			"output": copyMap(state.Output),
		}
	}

	return map[string]any{
		"trigger": ec.trigger,
		"nodes":   nodes,
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
