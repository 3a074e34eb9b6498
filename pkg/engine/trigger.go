package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/spf13/cast"

	"flowrunner/pkg/schema"
)

// Trigger node config keys read by the coordinator and the transport layer.
const (
	ConfigResponse        = "response"
	ConfigResponseFormat  = "responseFormat"
	ConfigWaitForLastNode = "waitForLastNode"
	ConfigStatusCode      = "statusCode"
	ConfigHeaders         = "headers"
)

// Response is what a trigger returns to the transport layer.
type Response struct {
	Meta ResponseMeta `json:"meta"`
	Data any          `json:"data"`
}

// ResponseMeta carries the trigger node's config as it stood when the response
// was built, including any changes a terminator node made during the walk.
type ResponseMeta struct {
	Config any `json:"config"`
}

// ConfigMap returns the config as an object, or nil when it is not one.
func (m ResponseMeta) ConfigMap() map[string]any {
	cfg, _ := m.Config.(map[string]any)
	return cfg
}

// Trigger starts the session's walk at nodeID with payload as the trigger
// data and builds the response from the node's config.
//
// When the node's config sets waitForLastNode the whole walk completes before
// the response is built, and a failed walk is logged rather than returned.
// Otherwise the walk continues in the background after Trigger returns; use
// Done to wait for it. A session can be triggered only once.
func (s *Session) Trigger(ctx context.Context, nodeID string, payload any) (*Response, error) {
	if _, _, err := s.resolve(nodeID); err != nil {
		return nil, err
	}
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return nil, errors.Wrapf(ErrSessionStarted, "session %s", s.id)
	}

	normalized, err := schema.Normalize(payload)
	if err != nil {
		normalized = payload
	}
	s.ctx.setTrigger(normalized)
	s.triggerNodeID = nodeID
	s.startedAt = time.Now()
	s.trace = newTrace(s.startedAt)

	cfg, _ := s.ctx.Config(nodeID)
	wait := cast.ToBool(configField(cfg, ConfigWaitForLastNode))

	s.logger.Info("session triggered", "trigger_node_id", nodeID, "wait", wait)

	if wait {
		if err := s.run(ctx); err != nil {
			s.logger.Error("walk failed, answering with the trigger config as it stands",
				"trigger_node_id", nodeID,
				"error", err,
			)
		}
	} else {
		go s.run(context.WithoutCancel(ctx))
	}

	return s.respond(nodeID)
}

func (s *Session) run(ctx context.Context) error {
	err := s.invokeNode(ctx, s.triggerNodeID, nil, 0)
	s.finish(ctx, err)
	return err
}

// finish records the outcome of the walk and publishes the finished event.
func (s *Session) finish(ctx context.Context, walkErr error) {
	status := StatusCompleted
	if walkErr != nil {
		status = StatusFailed
	}
	Sessions.WithLabelValues(status).Inc()

	took := time.Since(s.startedAt)
	s.logger.Info("session finished", "status", status, "duration_ms", took.Milliseconds())

	if s.sink != nil {
		ev := FinishedEvent{
			FlowID:        s.FlowID(),
			SessionID:     s.id,
			TriggerNodeID: s.triggerNodeID,
			Status:        status,
			StartedAt:     s.startedAt,
			DurationMs:    took.Milliseconds(),
			Trace:         s.trace.snapshot(),
		}
		if walkErr != nil {
			ev.Error = walkErr.Error()
		}
		if s.graph.Flow().CaptureContext {
			ev.Context = s.ctx.Snapshot()
		}
		if err := s.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
			s.logger.Error("failed to publish finished event", "error", err)
		}
	}

	s.walkErr = walkErr
	s.state.Store(stateCompleted)
	close(s.done)
}

// respond re-reads the trigger node's config and renders its response.
func (s *Session) respond(nodeID string) (*Response, error) {
	cfg, _ := s.ctx.Config(nodeID)
	format := cast.ToString(configField(cfg, ConfigResponseFormat))
	body := configField(cfg, ConfigResponse)

	data, err := s.renderer.RenderDeep(body, s.ctx.Snapshot())
	if err != nil {
		s.logger.Error("failed to render response", "trigger_node_id", nodeID, "error", err)
		data = body
	}

	if text, ok := data.(string); ok && isJSONFormat(format) && looksLikeJSON(strings.TrimSpace(text)) {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			s.logger.Warn("response is not valid JSON, returning it as text",
				"trigger_node_id", nodeID,
				"response", text,
				"error", err,
			)
		} else {
			data = parsed
		}
	}

	return &Response{Meta: ResponseMeta{Config: cfg}, Data: data}, nil
}

func isJSONFormat(format string) bool {
	return strings.Contains(strings.ToLower(format), "json")
}

func configField(cfg any, key string) any {
	m, ok := cfg.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}
