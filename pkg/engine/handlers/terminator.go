package handlers

import (
	"context"
	"encoding/json"
	"maps"

	"flowrunner/pkg/engine"
)

// TerminatorHandler shapes the response of the session's trigger. Every field
// set in its (rendered) config overwrites the same field of the trigger
// node's config, which the trigger coordinator re-reads once the walk is over.
type TerminatorHandler struct{}

// NewTerminatorHandler creates a new TerminatorHandler
func NewTerminatorHandler() *TerminatorHandler {
	return &TerminatorHandler{}
}

func (h *TerminatorHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeTerminator,
		Description: "Sets the status code and body returned to the caller",
		Icon:        "flag",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"statusCode": {"type": "integer", "minimum": 100, "maximum": 599},
				"response": {},
				"responseFormat": {"type": "string"},
				"headers": {"type": "object"}
			}
		}`),
	}
}

var terminatorFields = []string{
	engine.ConfigStatusCode,
	engine.ConfigResponse,
	engine.ConfigResponseFormat,
	engine.ConfigHeaders,
}

func (h *TerminatorHandler) Execute(_ context.Context, call *engine.Call) (map[string]any, error) {
	cfg, err := call.Config()
	if err != nil {
		return nil, err
	}
	fields, _ := cfg.(map[string]any)

	updates := make(map[string]any, len(terminatorFields))
	for _, key := range terminatorFields {
		if v, ok := fields[key]; ok {
			updates[key] = v
		}
	}
	if len(updates) == 0 {
		return nil, nil
	}

	session := call.Session()
	err = session.Context().UpdateConfig(session.TriggerNodeID(), func(trigger map[string]any) {
		maps.Copy(trigger, updates)
	})
	if err != nil {
		return nil, err
	}

	call.Logger().Debug("trigger response updated", "trigger_node_id", session.TriggerNodeID(), "fields", len(updates))
	return nil, nil
}
