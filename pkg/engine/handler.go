package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/friendsofgo/errors"

	"flowrunner/pkg/schema"
)

// Direction tells whether a handle receives or emits values.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Handle is a named port on a handler. Schema is an optional JSON Schema the
// values crossing the port must satisfy.
type Handle struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	Schema    json.RawMessage `json:"schema,omitempty"`
}

// HandlerMeta describes a handler. It is read once, at registration.
type HandlerMeta struct {
	Type         string          `json:"type"`
	Description  string          `json:"description,omitempty"`
	Icon         string          `json:"icon,omitempty"`
	Handles      []Handle        `json:"handles"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// NodeHandler is the executable behind a node type.
// Implementations must be stateless and safe for concurrent use: one handler
// value serves every node of its type in every session.
type NodeHandler interface {
	// Meta returns the handler's type and declared handles.
	Meta() HandlerMeta

	// Execute runs one node invocation. Outputs may be produced either by
	// calling call.SetOutput or by returning them; a returned map is applied
	// through SetOutput after Execute returns.
	Execute(ctx context.Context, call *Call) (map[string]any, error)
}

// Initializer is implemented by handlers that need one-time setup.
type Initializer interface {
	Init(ctx context.Context) error
}

// Descriptor is a registered handler with its compiled schemas.
type Descriptor struct {
	Meta    HandlerMeta
	Handler NodeHandler

	inputs       map[string]*schema.Schema
	outputs      map[string]*schema.Schema
	configSchema *schema.Schema
}

// Input returns the schema of a declared input handle. ok is false when the
// handle is not declared; a declared handle without a schema yields nil.
func (d *Descriptor) Input(handleID string) (s *schema.Schema, ok bool) {
	s, ok = d.inputs[handleID]
	return s, ok
}

// Output is Input for output handles.
func (d *Descriptor) Output(handleID string) (s *schema.Schema, ok bool) {
	s, ok = d.outputs[handleID]
	return s, ok
}

// ConfigSchema returns the compiled config schema, or nil.
func (d *Descriptor) ConfigSchema() *schema.Schema {
	return d.configSchema
}

// Registry maps node types to their handler descriptors.
// It is built once by NewRegistry and never modified afterwards, so concurrent
// lookups need no locking.
type Registry struct {
	handlers map[string]*Descriptor
}

// NewRegistry builds a registry from handlers. Handlers with incomplete or
// invalid metadata are skipped with a warning. A later handler for an
// already registered type replaces the earlier one.
func NewRegistry(handlers ...NodeHandler) *Registry {
	r := &Registry{handlers: make(map[string]*Descriptor, len(handlers))}
	for _, h := range handlers {
		r.register(h)
	}
	return r
}

func (r *Registry) register(h NodeHandler) {
	if h == nil {
		slog.Warn("skipping nil handler")
		return
	}

	desc, err := describe(h)
	if err != nil {
		slog.Warn("skipping handler with invalid metadata", "handler", fmt.Sprintf("%T", h), "error", err)
		return
	}

	if _, exists := r.handlers[desc.Meta.Type]; exists {
		slog.Warn("replacing handler for node type", "type", desc.Meta.Type, "handler", fmt.Sprintf("%T", h))
	}
	r.handlers[desc.Meta.Type] = desc
}

func describe(h NodeHandler) (*Descriptor, error) {
	meta := h.Meta()
	if meta.Type == "" {
		return nil, errors.New("missing type")
	}

	desc := &Descriptor{
		Meta:    meta,
		Handler: h,
		inputs:  make(map[string]*schema.Schema),
		outputs: make(map[string]*schema.Schema),
	}

	for _, handle := range meta.Handles {
		if handle.ID == "" {
			return nil, errors.New("handle without id")
		}

		s, err := schema.Compile(handle.Schema)
		if err != nil {
			return nil, errors.Wrapf(err, "handle %s", handle.ID)
		}

		var target map[string]*schema.Schema
		switch handle.Direction {
		case DirectionInput:
			target = desc.inputs
		case DirectionOutput:
			target = desc.outputs
		default:
			return nil, errors.Errorf("handle %s: invalid direction %q", handle.ID, handle.Direction)
		}
		if _, dup := target[handle.ID]; dup {
			return nil, errors.Errorf("duplicate %s handle %s", handle.Direction, handle.ID)
		}
		target[handle.ID] = s
	}

	cs, err := schema.Compile(meta.ConfigSchema)
	if err != nil {
		return nil, errors.Wrap(err, "config schema")
	}
	desc.configSchema = cs

	return desc, nil
}

// FindByType returns the descriptor registered for nodeType.
func (r *Registry) FindByType(nodeType string) (*Descriptor, bool) {
	d, ok := r.handlers[nodeType]
	return d, ok
}

// FindAll returns every descriptor, ordered by type.
func (r *Registry) FindAll() []*Descriptor {
	all := make([]*Descriptor, 0, len(r.handlers))
	for _, d := range r.handlers {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Meta.Type < all[j].Meta.Type })
	return all
}

// NodeTypes returns all registered node types, sorted.
func (r *Registry) NodeTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Init runs Init on every handler implementing Initializer, in type order.
func (r *Registry) Init(ctx context.Context) error {
	for _, d := range r.FindAll() {
		initializer, ok := d.Handler.(Initializer)
		if !ok {
			continue
		}
		if err := initializer.Init(ctx); err != nil {
			return errors.Wrapf(err, "init handler %s", d.Meta.Type)
		}
	}
	return nil
}
