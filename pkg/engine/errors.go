package engine

import (
	"fmt"

	"github.com/friendsofgo/errors"
)

var (
	// ErrUnregisteredType is returned when a node's type has no handler in the registry.
	ErrUnregisteredType = errors.New("unregistered node type")

	// ErrUnknownHandle is returned when an edge or a handler refers to a handle
	// the node's handler does not declare.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrValidationFailed is returned when a value does not satisfy its handle schema.
	ErrValidationFailed = errors.New("validation failed")

	// ErrMalformedTransformOutput is returned when an edge transform renders
	// something that looks like JSON but does not parse.
	ErrMalformedTransformOutput = errors.New("malformed transform output")

	// ErrHandlerFailed matches every *HandlerError.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrUnknownNode is returned when a node id is not part of the flow.
	ErrUnknownNode = errors.New("unknown node")

	// ErrMaxDepthExceeded is returned when a walk nests deeper than the
	// configured limit, which in practice means the flow has a cycle.
	ErrMaxDepthExceeded = errors.New("maximum invocation depth exceeded")

	// ErrSessionStarted is returned when Trigger is called on a session that has
	// already been triggered.
	ErrSessionStarted = errors.New("session already triggered")

	// ErrCycle is reported by ValidateFlow for flows whose edges form a cycle.
	ErrCycle = errors.New("flow contains a cycle")

	// ErrTemplate is returned when a transform or config template fails to render.
	ErrTemplate = errors.New("template error")
)

// HandlerError wraps a failure raised by a handler's own logic, including
// recovered panics.
type HandlerError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandlerFailed) true for any HandlerError.
func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailed }

// Format prints the wrapped error with its stack trace for %+v.
func (e *HandlerError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "node %s (%s): %+v", e.NodeID, e.NodeType, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}
