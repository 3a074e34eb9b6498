package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flowrunner/pkg/email"
	"flowrunner/pkg/engine"
)

// EmailHandler sends an email built from its config. Recipient, subject and
// body are usually templates over the trigger payload and upstream outputs.
type EmailHandler struct {
	client email.Client
}

// NewEmailHandler creates a new EmailHandler with the given email client
func NewEmailHandler(client email.Client) *EmailHandler {
	return &EmailHandler{client: client}
}

func (h *EmailHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeEmail,
		Description: "Sends an email",
		Icon:        "mail",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
			{ID: HandleSent, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["to"],
			"properties": {
				"to": {"type": "string"},
				"subject": {"type": "string"},
				"body": {"type": "string"}
			}
		}`),
	}
}

// Init fails when no client was injected.
func (h *EmailHandler) Init(context.Context) error {
	if h.client == nil {
		return fmt.Errorf("email client not configured")
	}
	return nil
}

func (h *EmailHandler) Execute(ctx context.Context, call *engine.Call) (map[string]any, error) {
	var cfg struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	if cfg.To == "" {
		return nil, fmt.Errorf("recipient email not provided")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultEmailSubject
	}

	msg := email.Message{To: cfg.To, Subject: cfg.Subject, Body: cfg.Body}
	if err := h.client.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send email: %w", err)
	}

	return map[string]any{
		HandleSent: map[string]any{
			"to":        cfg.To,
			"subject":   cfg.Subject,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}, nil
}
