package handlers

import (
	"context"
	"encoding/json"

	"flowrunner/pkg/engine"
)

// TriggerHandler is the entry node of a flow. It emits the trigger payload on
// its "request" handle; its config is what the trigger coordinator answers
// with (response, responseFormat, statusCode, headers, waitForLastNode).
type TriggerHandler struct{}

// NewTriggerHandler creates a new TriggerHandler
func NewTriggerHandler() *TriggerHandler {
	return &TriggerHandler{}
}

func (h *TriggerHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeTrigger,
		Description: "Starts the flow and answers the caller",
		Icon:        "play",
		Handles: []engine.Handle{
			{ID: HandleRequest, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"response": {},
				"responseFormat": {"type": "string"},
				"statusCode": {"type": "integer", "minimum": 100, "maximum": 599},
				"headers": {"type": "object"},
				"waitForLastNode": {"type": "boolean"}
			}
		}`),
	}
}

func (h *TriggerHandler) Execute(_ context.Context, call *engine.Call) (map[string]any, error) {
	return map[string]any{HandleRequest: call.Session().Context().Trigger()}, nil
}
