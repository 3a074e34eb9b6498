package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowrunner/pkg/engine"
	"flowrunner/pkg/sms"
)

// SMSHandler sends a text message to the configured phone number.
type SMSHandler struct {
	client sms.Client
}

// NewSMSHandler creates a new SMSHandler with the given SMS client
func NewSMSHandler(client sms.Client) *SMSHandler {
	return &SMSHandler{client: client}
}

func (h *SMSHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeSMS,
		Description: "Sends an SMS",
		Icon:        "message-square",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
			{ID: HandleSent, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["to", "message"],
			"properties": {
				"to": {"type": "string"},
				"message": {"type": "string"}
			}
		}`),
	}
}

// Init fails when no client was injected.
func (h *SMSHandler) Init(context.Context) error {
	if h.client == nil {
		return fmt.Errorf("SMS client not configured")
	}
	return nil
}

func (h *SMSHandler) Execute(ctx context.Context, call *engine.Call) (map[string]any, error) {
	var cfg struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	if cfg.To == "" {
		return nil, fmt.Errorf("recipient phone not provided")
	}
	if cfg.Message == "" {
		return nil, fmt.Errorf("message not provided")
	}

	result, err := h.client.Send(ctx, sms.Message{To: cfg.To, Body: cfg.Message})
	if err != nil {
		return nil, fmt.Errorf("failed to send SMS: %w", err)
	}

	return map[string]any{
		HandleSent: map[string]any{
			"to":        cfg.To,
			"id":        result.ID,
			"status":    result.DeliveryStatus,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}, nil
}
