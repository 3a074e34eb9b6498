package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kat-co/vala"

	"flowrunner/pkg/template"
)

// DefaultMaxDepth bounds how deep a walk may nest before it is treated as a cycle.
const DefaultMaxDepth = 256

// Executor creates sessions for flows. It holds what sessions share: the
// handler registry, the template renderer, the event sink and the limits.
type Executor struct {
	registry    *Registry
	renderer    *template.Renderer
	logger      *slog.Logger
	sink        EventSink
	maxDepth    int
	nodeTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithEventSink sets where finished events go.
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithMaxDepth limits walk nesting. Zero or less disables the guard.
func WithMaxDepth(depth int) Option {
	return func(e *Executor) { e.maxDepth = depth }
}

// WithNodeTimeout bounds every handler call. Zero means no timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) { e.nodeTimeout = d }
}

// NewExecutor creates a new executor with the given handler registry.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	vala.BeginValidation().Validate(
		vala.IsNotNil(registry, "registry"),
	).CheckAndPanic()

	e := &Executor{
		registry: registry,
		renderer: template.New(),
		logger:   slog.Default(),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the executor's handler registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// NewSession prepares a fresh session for flow.
func (e *Executor) NewSession(flow *Flow) (*Session, error) {
	graph, err := NewGraph(flow)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		graph:    graph,
		registry: e.registry,
		renderer: e.renderer,
		ctx:      newExecutionContext(graph, e.registry),
		logger:   e.logger.With("flow_id", flow.ID, "session_id", id),
		sink:     e.sink,
		limits:   limits{maxDepth: e.maxDepth, nodeTimeout: e.nodeTimeout},
		done:     make(chan struct{}),
	}

	for _, node := range graph.Nodes() {
		if _, ok := e.registry.FindByType(node.Type); !ok {
			s.logger.Warn("node type is not registered", "node_id", node.ID, "node_type", node.Type)
		}
	}

	return s, nil
}

// Trigger runs flow from nodeID in a new session and returns the response
// together with the session.
func (e *Executor) Trigger(ctx context.Context, flow *Flow, nodeID string, payload any) (*Response, *Session, error) {
	s, err := e.NewSession(flow)
	if err != nil {
		return nil, nil, err
	}

	resp, err := s.Trigger(ctx, nodeID, payload)
	if err != nil {
		return nil, s, err
	}
	return resp, s, nil
}
