package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"flowrunner/pkg/engine"
)

// LogHandler writes its input, or the configured message, to the session log
// and passes the input through on "message".
type LogHandler struct{}

// NewLogHandler creates a new LogHandler
func NewLogHandler() *LogHandler {
	return &LogHandler{}
}

func (h *LogHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeLog,
		Description: "Logs a value",
		Icon:        "file-text",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
			{ID: HandleMessage, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
				"message": {}
			}
		}`),
	}
}

func (h *LogHandler) Execute(ctx context.Context, call *engine.Call) (map[string]any, error) {
	var cfg struct {
		Level   string `json:"level"`
		Message any    `json:"message"`
	}
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	input := call.Input(HandleInput)
	message := cfg.Message
	if message == nil {
		message = input
	}

	call.Logger().Log(ctx, parseLevel(cfg.Level), "flow log", "message", message)

	return map[string]any{HandleMessage: input}, nil
}

func parseLevel(level string) slog.Level {
	if level == "" {
		level = DefaultLogLevel
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}
