package engine

import (
	"context"
	"time"
)

// FinishedEvent is emitted once a session's walk is over.
type FinishedEvent struct {
	FlowID        string         `json:"flowId"`
	SessionID     string         `json:"sessionId"`
	TriggerNodeID string         `json:"triggerNodeId"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	DurationMs    int64          `json:"durationMs"`
	Trace         []TraceEntry   `json:"trace"`
	Context       map[string]any `json:"context,omitempty"` // only when the flow captures context
}

// EventSink receives finished events. Publish is called from the goroutine that
// ran the walk; a returned error is logged and otherwise ignored.
type EventSink interface {
	Publish(ctx context.Context, ev FinishedEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev FinishedEvent) error

func (f EventSinkFunc) Publish(ctx context.Context, ev FinishedEvent) error {
	return f(ctx, ev)
}
