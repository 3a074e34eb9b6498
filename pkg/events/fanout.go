package events

import (
	"context"
	stderrors "errors"

	"flowrunner/pkg/engine"
)

// Fanout publishes every event to all of its sinks, in order. One failing
// sink does not stop the others; their errors are joined.
type Fanout []engine.EventSink

func (f Fanout) Publish(ctx context.Context, ev engine.FinishedEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
