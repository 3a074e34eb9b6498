package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/friendsofgo/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"flowrunner/pkg/template"
)

var tracer = otel.Tracer("flowrunner/pkg/engine")

// Session states.
const (
	stateIdle int32 = iota
	stateRunning
	stateCompleted
)

type limits struct {
	maxDepth    int
	nodeTimeout time.Duration
}

// Session is one execution of a flow, from trigger to completion. It owns the
// execution context and is triggered at most once.
type Session struct {
	id       string
	graph    *Graph
	registry *Registry
	renderer *template.Renderer
	ctx      *ExecutionContext
	logger   *slog.Logger
	sink     EventSink
	limits   limits

	state         atomic.Int32
	triggerNodeID string
	startedAt     time.Time
	trace         *trace

	done    chan struct{}
	walkErr error
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// FlowID returns the id of the flow being executed.
func (s *Session) FlowID() string { return s.graph.Flow().ID }

// Graph returns the flow graph.
func (s *Session) Graph() *Graph { return s.graph }

// Context returns the session's execution context.
func (s *Session) Context() *ExecutionContext { return s.ctx }

// TriggerNodeID returns the node the session was triggered at.
func (s *Session) TriggerNodeID() string { return s.triggerNodeID }

// Done is closed once the walk has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the walk's error. It is only meaningful after Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.walkErr
}

// Trace returns the invocations recorded so far, in start order.
func (s *Session) Trace() []TraceEntry {
	if s.trace == nil {
		return nil
	}
	return s.trace.snapshot()
}

// SetInput validates value against an input handle of nodeID and stores it
// in the node's durable input slot.
func (s *Session) SetInput(nodeID, handleID string, value any) error {
	node, desc, err := s.resolve(nodeID)
	if err != nil {
		return err
	}
	if err := s.checkValue(node, desc, DirectionInput, handleID, value); err != nil {
		return err
	}
	s.ctx.writeInput(nodeID, handleID, value)
	return nil
}

func (s *Session) resolve(nodeID string) (*Node, *Descriptor, error) {
	node, ok := s.graph.Node(nodeID)
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnknownNode, "node %s", nodeID)
	}
	desc, ok := s.registry.FindByType(node.Type)
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnregisteredType, "node %s has type %q", node.ID, node.Type)
	}
	return node, desc, nil
}

func (s *Session) checkValue(node *Node, desc *Descriptor, dir Direction, handleID string, value any) error {
	lookup := desc.Input
	if dir == DirectionOutput {
		lookup = desc.Output
	}

	sch, ok := lookup(handleID)
	if !ok {
		return errors.Wrapf(ErrUnknownHandle, "node %s (%s) has no %s handle %q", node.ID, node.Type, dir, handleID)
	}

	valid, details := sch.Validate(value)
	if !valid {
		s.logger.Warn("value failed schema validation",
			"node_id", node.ID,
			"handle", handleID,
			"direction", dir,
			"schema", string(sch.Raw()),
			"value", value,
			"error", details,
		)
		return errors.Wrapf(ErrValidationFailed, "node %s %s handle %q: %v", node.ID, dir, handleID, details)
	}
	return nil
}

func (s *Session) renderedConfig(nodeID string) (any, error) {
	cfg, ok := s.ctx.Config(nodeID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "node %s", nodeID)
	}
	if !containsTemplate(cfg) {
		return cfg, nil
	}

	rendered, err := s.renderer.RenderDeep(cfg, s.ctx.Snapshot())
	if err != nil {
		return nil, errors.Wrapf(ErrTemplate, "config of node %s: %v", nodeID, err)
	}
	return rendered, nil
}

func containsTemplate(v any) bool {
	switch val := v.(type) {
	case string:
		return template.IsTemplate(val)
	case []any:
		for _, item := range val {
			if containsTemplate(item) {
				return true
			}
		}
	case map[string]any:
		for k, item := range val {
			if template.IsTemplate(k) || containsTemplate(item) {
				return true
			}
		}
	}
	return false
}

// invokeNode runs one node and then, concurrently, every node reachable through
// the edges of the handles it populated. It returns once the whole subtree has
// finished. delivered is the input window: the value of the edge that caused
// this invocation, or nil for the trigger node.
func (s *Session) invokeNode(ctx context.Context, nodeID string, delivered map[string]any, depth int) error {
	if s.limits.maxDepth > 0 && depth > s.limits.maxDepth {
		return errors.Wrapf(ErrMaxDepthExceeded, "node %s at depth %d", nodeID, depth)
	}

	node, desc, err := s.resolve(nodeID)
	if err != nil {
		s.logger.Error("cannot invoke node", "node_id", nodeID, "error", err)
		return err
	}

	call := newCall(s, node, desc, delivered)
	idx := s.trace.begin(node)
	started := time.Now()

	returned, err := s.execute(ctx, call)
	if err == nil {
		for handleID, value := range returned {
			if err = call.SetOutput(handleID, value); err != nil {
				err = &HandlerError{NodeID: node.ID, NodeType: node.Type, Err: err}
				break
			}
		}
	}

	took := time.Since(started)
	s.trace.end(idx, took, err)
	observeNode(node.Type, took, err)
	if err != nil {
		return err
	}

	produced := call.outputs()
	call.clearInput()

	var (
		g        errgroup.Group
		failures []error
	)
	outgoing := s.graph.Outgoing(node.ID)
	// one slot per edge so every child failure survives the join
	childErrs := make([]error, len(outgoing))
	for i, edge := range outgoing {
		raw, populated := produced[edge.SourceHandle]
		if !populated {
			continue
		}

		value, err := s.deliver(edge, raw)
		if err != nil {
			s.logger.Warn("edge propagation failed",
				"edge_id", edge.ID,
				"source", edge.Source,
				"source_handle", edge.SourceHandle,
				"target", edge.Target,
				"target_handle", edge.TargetHandle,
				"error", err,
			)
			EdgeFailures.WithLabelValues(failureReason(err)).Inc()
			failures = append(failures, err)
			continue
		}

		target := edge.Target
		window := map[string]any{edge.TargetHandle: value}
		g.Go(func() error {
			childErrs[i] = s.invokeNode(ctx, target, window, depth+1)
			return nil
		})
	}

	_ = g.Wait()
	return stderrors.Join(append(failures, childErrs...)...)
}

// execute calls the handler, converting errors and panics into a HandlerError
// that is logged with the node, the flow and the current input.
func (s *Session) execute(ctx context.Context, call *Call) (out map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "node "+call.NodeType(), oteltrace.WithAttributes(
		attribute.String("flow.id", s.FlowID()),
		attribute.String("session.id", s.id),
		attribute.String("node.id", call.NodeID()),
		attribute.String("node.type", call.NodeType()),
	))
	defer span.End()

	if s.limits.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.nodeTimeout)
		defer cancel()
	}

	out, err = func() (out map[string]any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return call.desc.Handler.Execute(ctx, call)
	}()
	if err == nil {
		return out, nil
	}

	herr := &HandlerError{NodeID: call.NodeID(), NodeType: call.NodeType(), Err: errors.WithStack(err)}
	call.Logger().Error("node handler failed",
		"input", call.inputs(),
		"error", fmt.Sprintf("%+v", herr),
	)
	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())
	return nil, herr
}

// deliver computes the value an edge carries and writes it into the target's
// input slot.
func (s *Session) deliver(edge Edge, raw any) (any, error) {
	node, desc, err := s.resolve(edge.Target)
	if err != nil {
		return nil, err
	}

	sch, ok := desc.Input(edge.TargetHandle)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandle, "edge %s: node %s (%s) has no input handle %q", edge.ID, node.ID, node.Type, edge.TargetHandle)
	}

	value, err := s.edgeValue(edge, raw, sch)
	if err != nil {
		return nil, err
	}

	if err := s.checkValue(node, desc, DirectionInput, edge.TargetHandle, value); err != nil {
		return nil, err
	}
	s.ctx.writeInput(node.ID, edge.TargetHandle, value)
	return value, nil
}

func failureReason(err error) string {
	switch {
	case stderrors.Is(err, ErrUnknownHandle):
		return "unknown_handle"
	case stderrors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case stderrors.Is(err, ErrMalformedTransformOutput):
		return "malformed_transform_output"
	case stderrors.Is(err, ErrTemplate):
		return "template"
	case stderrors.Is(err, ErrUnregisteredType):
		return "unregistered_type"
	default:
		return "other"
	}
}
