package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowrunner/pkg/engine"
)

// HTTPRequestHandler calls an external HTTP endpoint. A response with a status
// below 400 is emitted on "response"; transport failures and error statuses go
// to "error" so flows can branch on them.
type HTTPRequestHandler struct {
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTPRequestHandler. A nil client means
// http.DefaultClient.
func NewHTTPRequestHandler(httpClient *http.Client) *HTTPRequestHandler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRequestHandler{httpClient: httpClient}
}

func (h *HTTPRequestHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeHTTPRequest,
		Description: "Sends an HTTP request",
		Icon:        "globe",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
			{ID: HandleResponse, Direction: engine.DirectionOutput, Schema: json.RawMessage(`{
				"type": "object",
				"required": ["status"],
				"properties": {
					"status": {"type": "integer"},
					"headers": {"type": "object"},
					"body": {}
				}
			}`)},
			{ID: HandleError, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {
				"method": {"type": "string"},
				"url": {"type": "string"},
				"headers": {"type": "object"},
				"body": {},
				"timeoutMs": {"type": "integer", "minimum": 0}
			}
		}`),
	}
}

type httpRequestConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      any               `json:"body"`
	TimeoutMs *int              `json:"timeoutMs"`
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, call *engine.Call) (map[string]any, error) {
	var cfg httpRequestConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("url not specified in http_request config")
	}
	if cfg.Method == "" {
		cfg.Method = DefaultHTTPMethod
	}
	timeout := DefaultHTTPTimeoutMs
	if cfg.TimeoutMs != nil {
		timeout = *cfg.TimeoutMs
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}

	body, contentType, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cfg.Method), cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	call.Logger().Debug("calling external endpoint", "method", req.Method, "url", cfg.URL)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		call.Logger().Warn("http request failed", "url", cfg.URL, "error", err)
		return map[string]any{HandleError: map[string]any{"message": err.Error()}}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	if err != nil {
		return map[string]any{HandleError: map[string]any{"message": fmt.Sprintf("failed to read response: %v", err)}}, nil
	}

	result := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(resp.Header.Get("Content-Type"), raw),
	}

	if resp.StatusCode >= http.StatusBadRequest {
		result["message"] = fmt.Sprintf("%s %s returned %d", req.Method, cfg.URL, resp.StatusCode)
		return map[string]any{HandleError: result}, nil
	}
	return map[string]any{HandleResponse: result}, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(encoded), "application/json", nil
	}
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
