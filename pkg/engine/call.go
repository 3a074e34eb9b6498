package engine

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/friendsofgo/errors"
)

// Call is one node invocation. It carries the node's current input and output
// windows, so concurrent invocations in the same session never observe each
// other's values. Handlers receive it as their only view of the session.
type Call struct {
	session *Session
	node    *Node
	desc    *Descriptor
	logger  *slog.Logger

	mu     sync.Mutex
	input  map[string]any
	output map[string]any
}

func newCall(s *Session, node *Node, desc *Descriptor, delivered map[string]any) *Call {
	input := make(map[string]any, len(delivered))
	for k, v := range delivered {
		input[k] = v
	}
	return &Call{
		session: s,
		node:    node,
		desc:    desc,
		logger:  s.logger.With("node_id", node.ID, "node_type", node.Type),
		input:   input,
		output:  make(map[string]any),
	}
}

// NodeID returns the id of the node being executed.
func (c *Call) NodeID() string { return c.node.ID }

// NodeType returns the node's handler type.
func (c *Call) NodeType() string { return c.node.Type }

// Session returns the session the call belongs to.
func (c *Call) Session() *Session { return c.session }

// Logger returns a logger annotated with the session and node.
func (c *Call) Logger() *slog.Logger { return c.logger }

// Input returns the value in the current input window for handleID. Only the
// handle delivered by the edge that caused this invocation is in the window;
// use Inputs for everything delivered to the node so far.
func (c *Call) Input(handleID string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input[handleID]
}

// Inputs returns every value delivered to the node during the session,
// including earlier deliveries on other handles.
func (c *Call) Inputs() map[string]any {
	state, _ := c.session.ctx.Node(c.node.ID)
	inputs := state.Input
	if inputs == nil {
		inputs = make(map[string]any)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.input {
		inputs[k] = v
	}
	return inputs
}

// Output returns the value in the current output window for handleID.
func (c *Call) Output(handleID string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output[handleID]
}

// SetInput validates value against the node's input handle and writes it to
// both the node's durable input slot and the current input window.
func (c *Call) SetInput(handleID string, value any) error {
	if err := c.session.checkValue(c.node, c.desc, DirectionInput, handleID, value); err != nil {
		return err
	}
	c.session.ctx.writeInput(c.node.ID, handleID, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.input[handleID] = value
	return nil
}

// SetOutput validates value against the node's output handle and writes it to
// both the node's durable output slot and the current output window. Every
// handle present in the window, nil included, is propagated after the handler
// returns.
func (c *Call) SetOutput(handleID string, value any) error {
	if err := c.session.checkValue(c.node, c.desc, DirectionOutput, handleID, value); err != nil {
		return err
	}
	c.session.ctx.writeOutput(c.node.ID, handleID, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.output[handleID] = value
	return nil
}

// Config returns the node's config rendered against the current session
// context. It is rendered again on every call.
func (c *Call) Config() (any, error) {
	return c.session.renderedConfig(c.node.ID)
}

// DecodeConfig renders the config and decodes it into dst.
func (c *Call) DecodeConfig(dst any) error {
	cfg, err := c.Config()
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "encode config of %s", c.node.ID)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errors.Wrapf(err, "decode config of %s", c.node.ID)
	}
	return nil
}

func (c *Call) outputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.output)
}

func (c *Call) inputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyMap(c.input)
}

func (c *Call) clearInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = make(map[string]any)
}
