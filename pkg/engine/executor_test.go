package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test handlers

type testHandler struct {
	meta HandlerMeta
	exec func(ctx context.Context, call *Call) (map[string]any, error)
}

func (h *testHandler) Meta() HandlerMeta { return h.meta }

func (h *testHandler) Execute(ctx context.Context, call *Call) (map[string]any, error) {
	if h.exec == nil {
		return nil, nil
	}
	return h.exec(ctx, call)
}

func newTestHandler(nodeType string, handles ...Handle) *testHandler {
	return &testHandler{meta: HandlerMeta{Type: nodeType, Handles: handles}}
}

func (h *testHandler) run(exec func(ctx context.Context, call *Call) (map[string]any, error)) *testHandler {
	h.exec = exec
	return h
}

func in(id string, schema ...string) Handle {
	h := Handle{ID: id, Direction: DirectionInput}
	if len(schema) > 0 {
		h.Schema = json.RawMessage(schema[0])
	}
	return h
}

func out(id string, schema ...string) Handle {
	h := Handle{ID: id, Direction: DirectionOutput}
	if len(schema) > 0 {
		h.Schema = json.RawMessage(schema[0])
	}
	return h
}

// triggerHandler emits the trigger payload on "request".
func triggerHandler() *testHandler {
	return newTestHandler("trigger", out("request")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		return map[string]any{"request": call.Session().Context().Trigger()}, nil
	})
}

// recorder counts invocations and keeps the input window each one received.
type recorder struct {
	mu      sync.Mutex
	windows map[string][]map[string]any
}

func newRecorder() *recorder {
	return &recorder{windows: make(map[string][]map[string]any)}
}

func (r *recorder) handler(nodeType string, inputs ...string) *testHandler {
	handles := make([]Handle, 0, len(inputs))
	for _, id := range inputs {
		handles = append(handles, in(id))
	}
	return newTestHandler(nodeType, handles...).run(func(_ context.Context, call *Call) (map[string]any, error) {
		window := make(map[string]any)
		for _, id := range inputs {
			if v := call.Input(id); v != nil {
				window[id] = v
			}
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.windows[call.NodeID()] = append(r.windows[call.NodeID()], window)
		return nil, nil
	})
}

func (r *recorder) calls(nodeID string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[nodeID]
}

func waitingTrigger(extra map[string]any) Node {
	cfg := map[string]any{"waitForLastNode": true}
	for k, v := range extra {
		cfg[k] = v
	}
	return Node{ID: "trigger-1", Type: "trigger", Config: cfg}
}

func edge(id, source, sourceHandle, target, targetHandle string) Edge {
	return Edge{ID: id, Source: source, SourceHandle: sourceHandle, Target: target, TargetHandle: targetHandle}
}

func runFlow(t *testing.T, registry *Registry, flow *Flow, payload any, opts ...Option) (*Response, *Session) {
	t.Helper()
	resp, s, err := NewExecutor(registry, opts...).Trigger(context.Background(), flow, "trigger-1", payload)
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not finish")
	}
	return resp, s
}

func TestTrigger_AckWithoutWaiting(t *testing.T) {
	var invoked []string
	var mu sync.Mutex
	track := func(_ context.Context, call *Call) (map[string]any, error) {
		mu.Lock()
		invoked = append(invoked, call.NodeID())
		mu.Unlock()
		return nil, nil
	}
	registry := NewRegistry(newTestHandler("trigger", out("request")).run(track))

	flow := &Flow{
		ID: "flow-a",
		Nodes: []Node{{
			ID:   "trigger-1",
			Type: "trigger",
			Config: map[string]any{
				"waitForLastNode": false,
				"responseFormat":  "application/json",
				"response":        `{"ack":true}`,
			},
		}},
	}

	resp, s := runFlow(t, registry, flow, nil)

	assert.Equal(t, map[string]any{"ack": true}, resp.Data)
	assert.Equal(t, []string{"trigger-1"}, invoked)
	assert.NoError(t, s.Err())
}

func TestInterpreter_OnlyPopulatedHandlesPropagate(t *testing.T) {
	rec := newRecorder()
	compare := newTestHandler("compare", in("input"), out("yes"), out("no")).
		run(func(_ context.Context, call *Call) (map[string]any, error) {
			var cfg struct {
				Subject float64 `json:"subject"`
				Against float64 `json:"against"`
			}
			if err := call.DecodeConfig(&cfg); err != nil {
				return nil, err
			}
			if cfg.Subject >= cfg.Against {
				return map[string]any{"yes": call.Input("input")}, nil
			}
			return map[string]any{"no": call.Input("input")}, nil
		})
	registry := NewRegistry(triggerHandler(), compare, rec.handler("log", "message"))

	flow := &Flow{
		ID: "flow-b",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "compare-1", Type: "compare", Config: map[string]any{"subject": 5, "operator": ">=", "against": 3}},
			{ID: "log-yes", Type: "log"},
			{ID: "log-no", Type: "log"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "compare-1", "input"),
			edge("e2", "compare-1", "yes", "log-yes", "message"),
			edge("e3", "compare-1", "no", "log-no", "message"),
		},
	}

	_, s := runFlow(t, registry, flow, map[string]any{"n": 1})

	require.NoError(t, s.Err())
	assert.Len(t, rec.calls("log-yes"), 1)
	assert.Empty(t, rec.calls("log-no"))

	state, ok := s.Context().Node("compare-1")
	require.True(t, ok)
	assert.Nil(t, state.Output["no"])
}

func TestInterpreter_PresenceNotTruthiness(t *testing.T) {
	rec := newRecorder()
	source := newTestHandler("source", in("in"), out("flag"), out("empty"), out("unused")).
		run(func(context.Context, *Call) (map[string]any, error) {
			return map[string]any{"flag": false, "empty": nil}, nil
		})
	registry := NewRegistry(triggerHandler(), source, rec.handler("sink", "value"))

	flow := &Flow{
		ID: "flow-presence",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "source-1", Type: "source"},
			{ID: "sink-flag", Type: "sink"},
			{ID: "sink-empty", Type: "sink"},
			{ID: "sink-unused", Type: "sink"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "source-1", "in"),
			edge("e2", "source-1", "flag", "sink-flag", "value"),
			edge("e3", "source-1", "empty", "sink-empty", "value"),
			edge("e4", "source-1", "unused", "sink-unused", "value"),
		},
	}

	_, s := runFlow(t, registry, flow, nil)

	require.NoError(t, s.Err())
	require.Len(t, rec.calls("sink-flag"), 1)
	assert.Equal(t, false, rec.calls("sink-flag")[0]["value"])
	assert.Len(t, rec.calls("sink-empty"), 1)
	assert.Empty(t, rec.calls("sink-unused"))
}

func TestInterpreter_TransformParsesJSON(t *testing.T) {
	var got any
	source := newTestHandler("number", in("in"), out("value")).run(func(context.Context, *Call) (map[string]any, error) {
		return map[string]any{"value": 42}, nil
	})
	sink := newTestHandler("sink", in("value")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		got = call.Input("value")
		return nil, nil
	})
	registry := NewRegistry(triggerHandler(), source, sink)

	flow := &Flow{
		ID: "flow-c",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "number-1", Type: "number"},
			{ID: "sink-1", Type: "sink"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "number-1", "in"),
			{ID: "e2", Source: "number-1", SourceHandle: "value", Target: "sink-1", TargetHandle: "value", Transform: "{{ $data }}"},
		},
	}

	_, s := runFlow(t, registry, flow, nil)

	require.NoError(t, s.Err())
	assert.Equal(t, float64(42), got)
}

func TestInterpreter_ValidationFailureStopsTarget(t *testing.T) {
	rec := newRecorder()
	source := newTestHandler("number", in("in"), out("value")).run(func(context.Context, *Call) (map[string]any, error) {
		return map[string]any{"value": 7}, nil
	})
	strict := newTestHandler("strict", in("text", `{"type":"string"}`)).run(func(_ context.Context, call *Call) (map[string]any, error) {
		rec.mu.Lock()
		rec.windows[call.NodeID()] = append(rec.windows[call.NodeID()], nil)
		rec.mu.Unlock()
		return nil, nil
	})
	registry := NewRegistry(triggerHandler(), source, strict)

	flow := &Flow{
		ID: "flow-d",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "number-1", Type: "number"},
			{ID: "strict-1", Type: "strict"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "number-1", "in"),
			edge("e2", "number-1", "value", "strict-1", "text"),
		},
	}

	resp, s := runFlow(t, registry, flow, nil)

	require.NotNil(t, resp)
	assert.ErrorIs(t, s.Err(), ErrValidationFailed)
	assert.Empty(t, rec.calls("strict-1"))

	v, _ := s.Context().NodeInput("strict-1", "text")
	assert.Nil(t, v)
}

func TestInterpreter_InvokedOncePerDeliveringEdge(t *testing.T) {
	rec := newRecorder()
	pass := newTestHandler("pass", in("in"), out("out")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		if call.NodeID() == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		return map[string]any{"out": call.NodeID()}, nil
	})
	registry := NewRegistry(triggerHandler(), pass, rec.handler("join", "left", "right"))

	flow := &Flow{
		ID: "flow-e",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "fast", Type: "pass"},
			{ID: "slow", Type: "pass"},
			{ID: "join-1", Type: "join"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "fast", "in"),
			edge("e2", "trigger-1", "request", "slow", "in"),
			edge("e3", "fast", "out", "join-1", "left"),
			edge("e4", "slow", "out", "join-1", "right"),
		},
	}

	_, s := runFlow(t, registry, flow, map[string]any{})

	require.NoError(t, s.Err())
	calls := rec.calls("join-1")
	require.Len(t, calls, 2)
	assert.ElementsMatch(t, []map[string]any{{"left": "fast"}, {"right": "slow"}}, calls)

	state, _ := s.Context().Node("join-1")
	assert.Equal(t, "fast", state.Input["left"])
	assert.Equal(t, "slow", state.Input["right"])
}

func TestInterpreter_EdgeValues(t *testing.T) {
	tests := []struct {
		name      string
		output    any
		transform string
		schema    string
		want      any
		wantErr   error
	}{
		{
			name:   "defaults are filled under object outputs",
			output: map[string]any{"b": "y"},
			schema: `{"type":"object","properties":{"a":{"type":"number","default":1},"b":{"type":"string","default":"x"}}}`,
			want:   map[string]any{"a": float64(1), "b": "y"},
		},
		{
			name:   "arrays are not merged",
			output: []any{"x"},
			schema: `{"type":"array","items":{"type":"string"},"default":["z"]}`,
			want:   []any{"x"},
		},
		{
			name:   "true string becomes bool",
			output: "true",
			want:   true,
		},
		{
			name:   "null string becomes nil",
			output: "null",
			want:   nil,
		},
		{
			name:      "plain text transform stays a string",
			output:    "Ada",
			transform: "Hello {{ $data }}",
			want:      "Hello Ada",
		},
		{
			name:      "transform sees the whole context",
			output:    "ignored",
			transform: "{{ .trigger.name }}",
			want:      "Grace",
		},
		{
			name:      "transform building an object",
			output:    map[string]any{"n": 2},
			transform: `{"double": {{ mul $data.n 2 }}}`,
			want:      map[string]any{"double": float64(4)},
		},
		{
			name:      "defaults fill objects rendered by a transform",
			output:    map[string]any{"n": 2},
			transform: `{"double": {{ mul $data.n 2 }}}`,
			schema:    `{"type":"object","properties":{"a":{"type":"number","default":1},"double":{"type":"number"}}}`,
			want:      map[string]any{"a": float64(1), "double": float64(4)},
		},
		{
			name:      "transform rendering false",
			output:    0,
			transform: "{{ if $data }}true{{ else }}false{{ end }}",
			want:      false,
		},
		{
			name:      "malformed JSON",
			output:    "hello",
			transform: `{"a": {{ $data }}}`,
			wantErr:   ErrMalformedTransformOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				got     any
				invoked bool
			)
			source := newTestHandler("source", in("in"), out("value")).run(func(context.Context, *Call) (map[string]any, error) {
				return map[string]any{"value": tt.output}, nil
			})
			var target Handle
			if tt.schema != "" {
				target = in("value", tt.schema)
			} else {
				target = in("value")
			}
			sink := newTestHandler("sink", target).run(func(_ context.Context, call *Call) (map[string]any, error) {
				invoked = true
				got = call.Input("value")
				return nil, nil
			})
			registry := NewRegistry(triggerHandler(), source, sink)

			flow := &Flow{
				ID: "flow-edges",
				Nodes: []Node{
					waitingTrigger(nil),
					{ID: "source-1", Type: "source"},
					{ID: "sink-1", Type: "sink"},
				},
				Edges: []Edge{
					edge("e1", "trigger-1", "request", "source-1", "in"),
					{ID: "e2", Source: "source-1", SourceHandle: "value", Target: "sink-1", TargetHandle: "value", Transform: tt.transform},
				},
			}

			_, s := runFlow(t, registry, flow, map[string]any{"name": "Grace"})

			if tt.wantErr != nil {
				assert.ErrorIs(t, s.Err(), tt.wantErr)
				assert.False(t, invoked)
				return
			}
			require.NoError(t, s.Err())
			assert.True(t, invoked)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpreter_SiblingsContinueAfterEdgeFailure(t *testing.T) {
	rec := newRecorder()
	registry := NewRegistry(triggerHandler(), rec.handler("sink", "value"))

	flow := &Flow{
		ID: "flow-siblings",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "bad", Type: "sink"},
			{ID: "good", Type: "sink"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "bad", "missing"),
			edge("e2", "trigger-1", "request", "good", "value"),
		},
	}

	_, s := runFlow(t, registry, flow, "payload")

	assert.ErrorIs(t, s.Err(), ErrUnknownHandle)
	assert.Empty(t, rec.calls("bad"))
	require.Len(t, rec.calls("good"), 1)
	assert.Equal(t, "payload", rec.calls("good")[0]["value"])
}

func TestInterpreter_JoinsEverySiblingFailure(t *testing.T) {
	errA := errors.New("branch a failed")
	errB := errors.New("branch b failed")
	failing := func(err error) func(context.Context, *Call) (map[string]any, error) {
		return func(context.Context, *Call) (map[string]any, error) {
			return nil, err
		}
	}
	registry := NewRegistry(
		triggerHandler(),
		newTestHandler("a", in("in")).run(failing(errA)),
		newTestHandler("b", in("in")).run(failing(errB)),
	)

	flow := &Flow{
		ID: "flow-joined",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "a1", Type: "a"},
			{ID: "b1", Type: "b"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "a1", "in"),
			edge("e2", "trigger-1", "request", "b1", "in"),
		},
	}

	_, s := runFlow(t, registry, flow, "payload")

	require.Error(t, s.Err())
	assert.ErrorIs(t, s.Err(), errA)
	assert.ErrorIs(t, s.Err(), errB)
	assert.Contains(t, s.Err().Error(), "node a1 (a)")
	assert.Contains(t, s.Err().Error(), "node b1 (b)")
}

func TestInterpreter_HandlerFailureLogLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	registry := NewRegistry(
		triggerHandler(),
		newTestHandler("fail", in("in")).run(func(context.Context, *Call) (map[string]any, error) {
			return nil, errors.New("nope")
		}),
	)

	flow := &Flow{
		ID:    "flow-log",
		Nodes: []Node{waitingTrigger(nil), {ID: "fail-1", Type: "fail"}},
		Edges: []Edge{edge("e1", "trigger-1", "request", "fail-1", "in")},
	}

	_, s := runFlow(t, registry, flow, "payload", WithLogger(logger))
	require.Error(t, s.Err())

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "node handler failed") {
			line = l
			break
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"flow_id"`))
	assert.Contains(t, line, `"node_id":"fail-1"`)
}

func TestInterpreter_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		handler *testHandler
		opts    []Option
		check   func(t *testing.T, err error)
	}{
		{
			name: "handler error",
			handler: newTestHandler("step", in("in"), out("out")).run(func(context.Context, *Call) (map[string]any, error) {
				return nil, boom
			}),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrHandlerFailed)
				assert.ErrorIs(t, err, boom)

				var herr *HandlerError
				require.ErrorAs(t, err, &herr)
				assert.Equal(t, "step-1", herr.NodeID)
				assert.Equal(t, "step", herr.NodeType)
			},
		},
		{
			name: "handler panic",
			handler: newTestHandler("step", in("in"), out("out")).run(func(context.Context, *Call) (map[string]any, error) {
				panic("kaboom")
			}),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrHandlerFailed)
				assert.Contains(t, err.Error(), "kaboom")
			},
		},
		{
			name: "returned output fails its schema",
			handler: newTestHandler("step", in("in"), out("out", `{"type":"number"}`)).run(func(context.Context, *Call) (map[string]any, error) {
				return map[string]any{"out": "not a number"}, nil
			}),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrValidationFailed)
			},
		},
		{
			name: "returned output on an undeclared handle",
			handler: newTestHandler("step", in("in"), out("out")).run(func(context.Context, *Call) (map[string]any, error) {
				return map[string]any{"other": 1}, nil
			}),
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnknownHandle)
			},
		},
		{
			name: "node timeout",
			handler: newTestHandler("step", in("in"), out("out")).run(func(ctx context.Context, _ *Call) (map[string]any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			opts: []Option{WithNodeTimeout(10 * time.Millisecond)},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(triggerHandler(), tt.handler)
			flow := &Flow{
				ID: "flow-failures",
				Nodes: []Node{
					waitingTrigger(map[string]any{"response": "still here"}),
					{ID: "step-1", Type: "step"},
				},
				Edges: []Edge{edge("e1", "trigger-1", "request", "step-1", "in")},
			}

			resp, s := runFlow(t, registry, flow, nil, tt.opts...)

			assert.Equal(t, "still here", resp.Data)
			tt.check(t, s.Err())

			trace := s.Trace()
			require.Len(t, trace, 2)
			assert.Equal(t, StatusFailed, trace[1].Status)
			assert.NotEmpty(t, trace[1].Error)
		})
	}
}

func TestInterpreter_UnregisteredType(t *testing.T) {
	registry := NewRegistry(triggerHandler())
	flow := &Flow{
		ID: "flow-ghost",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "ghost-1", Type: "ghost"},
		},
		Edges: []Edge{edge("e1", "trigger-1", "request", "ghost-1", "in")},
	}

	_, s := runFlow(t, registry, flow, nil)

	assert.ErrorIs(t, s.Err(), ErrUnregisteredType)
}

func TestInterpreter_MaxDepth(t *testing.T) {
	pass := newTestHandler("pass", in("in"), out("out")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		return map[string]any{"out": call.Input("in")}, nil
	})
	registry := NewRegistry(triggerHandler(), pass)

	flow := &Flow{
		ID: "flow-loop",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "a", Type: "pass"},
			{ID: "b", Type: "pass"},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "a", "in"),
			edge("e2", "a", "out", "b", "in"),
			edge("e3", "b", "out", "a", "in"),
		},
	}

	_, s := runFlow(t, registry, flow, 1, WithMaxDepth(5))

	assert.ErrorIs(t, s.Err(), ErrMaxDepthExceeded)
	assert.Len(t, s.Trace(), 6)
}

func TestInterpreter_FanOutRunsConcurrently(t *testing.T) {
	const width = 8

	var (
		started = make(chan struct{}, width)
		release = make(chan struct{})
	)
	worker := newTestHandler("worker", in("in")).run(func(context.Context, *Call) (map[string]any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	registry := NewRegistry(triggerHandler(), worker)

	flow := &Flow{ID: "flow-fan", Nodes: []Node{waitingTrigger(nil)}}
	for i := 0; i < width; i++ {
		id := string(rune('a' + i))
		flow.Nodes = append(flow.Nodes, Node{ID: id, Type: "worker"})
		flow.Edges = append(flow.Edges, edge("e-"+id, "trigger-1", "request", id, "in"))
	}

	s, err := NewExecutor(registry).NewSession(flow)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), "trigger-1", nil)
		done <- err
	}()

	for i := 0; i < width; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d workers started", i, width)
		}
	}
	close(release)

	require.NoError(t, <-done)
	assert.NoError(t, s.Err())
	assert.Len(t, s.Trace(), width+1)
}

func TestCall_Config(t *testing.T) {
	var (
		first, second any
		plain1, plain2 any
	)
	handler := newTestHandler("greeter", in("in")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		var err error
		if first, err = call.Config(); err != nil {
			return nil, err
		}
		second, _ = call.Config()
		return nil, nil
	})
	plain := newTestHandler("plain", in("in")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		plain1, _ = call.Config()
		plain2, _ = call.Config()
		return nil, nil
	})
	registry := NewRegistry(triggerHandler(), handler, plain)

	flow := &Flow{
		ID: "flow-config",
		Nodes: []Node{
			waitingTrigger(nil),
			{ID: "greeter-1", Type: "greeter", Config: map[string]any{
				"greeting":               "hello {{ .trigger.name }}",
				"{{ .trigger.name }}Key": 1,
			}},
			{ID: "plain-1", Type: "plain", Config: map[string]any{"n": 1, "list": []any{"a"}}},
		},
		Edges: []Edge{
			edge("e1", "trigger-1", "request", "greeter-1", "in"),
			edge("e2", "trigger-1", "request", "plain-1", "in"),
		},
	}

	_, s := runFlow(t, registry, flow, map[string]any{"name": "Ada"})

	require.NoError(t, s.Err())
	assert.Equal(t, map[string]any{"greeting": "hello Ada", "AdaKey": 1}, first)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"n": 1, "list": []any{"a"}}, plain1)
	assert.Equal(t, plain1, plain2)
}

func TestCall_SetInputRoundTrip(t *testing.T) {
	var got any
	var setErr, badErr error
	handler := newTestHandler("echo", in("in"), in("extra", `{"type":"string"}`)).
		run(func(_ context.Context, call *Call) (map[string]any, error) {
			setErr = call.SetInput("extra", "value")
			got = call.Input("extra")
			badErr = call.SetInput("extra", 5)
			return nil, nil
		})
	registry := NewRegistry(triggerHandler(), handler)

	flow := &Flow{
		ID:    "flow-roundtrip",
		Nodes: []Node{waitingTrigger(nil), {ID: "echo-1", Type: "echo"}},
		Edges: []Edge{edge("e1", "trigger-1", "request", "echo-1", "in")},
	}

	_, s := runFlow(t, registry, flow, nil)

	require.NoError(t, s.Err())
	require.NoError(t, setErr)
	assert.Equal(t, "value", got)
	assert.ErrorIs(t, badErr, ErrValidationFailed)

	v, ok := s.Context().NodeInput("echo-1", "extra")
	require.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestSession_SetInput(t *testing.T) {
	registry := NewRegistry(newTestHandler("sink", in("text", `{"type":"string"}`)))
	s, err := NewExecutor(registry).NewSession(&Flow{ID: "f", Nodes: []Node{{ID: "sink-1", Type: "sink"}}})
	require.NoError(t, err)

	assert.NoError(t, s.SetInput("sink-1", "text", "ok"))
	assert.ErrorIs(t, s.SetInput("sink-1", "text", 5), ErrValidationFailed)
	assert.ErrorIs(t, s.SetInput("sink-1", "other", "ok"), ErrUnknownHandle)
	assert.ErrorIs(t, s.SetInput("nope", "text", "ok"), ErrUnknownNode)

	v, _ := s.Context().NodeInput("sink-1", "text")
	assert.Equal(t, "ok", v)
}

func TestTrigger_Response(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		payload any
		want    any
	}{
		{
			name:    "template response",
			config:  map[string]any{"response": "hi {{ .trigger.name }}"},
			payload: map[string]any{"name": "Ada"},
			want:    "hi Ada",
		},
		{
			name:    "JSON template response",
			config:  map[string]any{"responseFormat": "application/json", "response": `{"name": "{{ .trigger.name }}"}`},
			payload: map[string]any{"name": "Ada"},
			want:    map[string]any{"name": "Ada"},
		},
		{
			name:   "broken JSON is returned as text",
			config: map[string]any{"responseFormat": "json", "response": "{nope}"},
			want:   "{nope}",
		},
		{
			name:   "JSON text without JSON format stays text",
			config: map[string]any{"responseFormat": "text/plain", "response": `{"a":1}`},
			want:   `{"a":1}`,
		},
		{
			name:   "object response",
			config: map[string]any{"response": map[string]any{"ok": true}},
			want:   map[string]any{"ok": true},
		},
		{
			name:   "no response",
			config: map[string]any{},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(triggerHandler())
			flow := &Flow{ID: "flow-resp", Nodes: []Node{waitingTrigger(tt.config)}}

			resp, _ := runFlow(t, registry, flow, tt.payload)

			assert.Equal(t, tt.want, resp.Data)
			assert.Equal(t, true, resp.Meta.ConfigMap()["waitForLastNode"])
		})
	}
}

func TestTrigger_TerminatorShapesResponse(t *testing.T) {
	terminator := newTestHandler("terminator", in("in")).run(func(_ context.Context, call *Call) (map[string]any, error) {
		triggerID := call.Session().TriggerNodeID()
		return nil, call.Session().Context().UpdateConfig(triggerID, func(cfg map[string]any) {
			cfg["statusCode"] = 201
			cfg["response"] = "created {{ .trigger.name }}"
		})
	})
	registry := NewRegistry(triggerHandler(), terminator)

	flow := &Flow{
		ID: "flow-terminator",
		Nodes: []Node{
			waitingTrigger(map[string]any{"response": "default"}),
			{ID: "end-1", Type: "terminator"},
		},
		Edges: []Edge{edge("e1", "trigger-1", "request", "end-1", "in")},
	}

	resp, s := runFlow(t, registry, flow, map[string]any{"name": "Ada"})

	require.NoError(t, s.Err())
	assert.Equal(t, "created Ada", resp.Data)
	assert.Equal(t, 201, resp.Meta.ConfigMap()["statusCode"])

	// The flow definition itself is never touched.
	assert.Equal(t, "default", flow.Nodes[0].Config.(map[string]any)["response"])
}

func TestTrigger_DoesNotWaitByDefault(t *testing.T) {
	release := make(chan struct{})
	slow := newTestHandler("slow", in("in")).run(func(context.Context, *Call) (map[string]any, error) {
		<-release
		return nil, nil
	})
	registry := NewRegistry(triggerHandler(), slow)

	flow := &Flow{
		ID: "flow-async",
		Nodes: []Node{
			{ID: "trigger-1", Type: "trigger", Config: map[string]any{"response": "accepted"}},
			{ID: "slow-1", Type: "slow"},
		},
		Edges: []Edge{edge("e1", "trigger-1", "request", "slow-1", "in")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	resp, s, err := NewExecutor(registry).Trigger(ctx, flow, "trigger-1", nil)
	require.NoError(t, err)
	cancel()

	assert.Equal(t, "accepted", resp.Data)
	select {
	case <-s.Done():
		t.Fatal("walk finished before the slow node was released")
	default:
	}

	close(release)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("walk did not finish")
	}
	assert.NoError(t, s.Err())
}

func TestTrigger_Errors(t *testing.T) {
	registry := NewRegistry(triggerHandler())
	flow := &Flow{ID: "flow-once", Nodes: []Node{waitingTrigger(nil)}}

	s, err := NewExecutor(registry).NewSession(flow)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = s.Trigger(context.Background(), "trigger-1", nil)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), "trigger-1", nil)
	assert.ErrorIs(t, err, ErrSessionStarted)
}

func TestTrigger_FinishedEvent(t *testing.T) {
	tests := []struct {
		name        string
		capture     bool
		fail        bool
		wantStatus  string
		wantContext bool
	}{
		{name: "completed", wantStatus: StatusCompleted},
		{name: "failed", fail: true, wantStatus: StatusFailed},
		{name: "captured context", capture: true, wantStatus: StatusCompleted, wantContext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := newTestHandler("step", in("in")).run(func(context.Context, *Call) (map[string]any, error) {
				if tt.fail {
					return nil, errors.New("step failed")
				}
				return nil, nil
			})
			registry := NewRegistry(triggerHandler(), step)

			events := make(chan FinishedEvent, 1)
			sink := EventSinkFunc(func(_ context.Context, ev FinishedEvent) error {
				events <- ev
				return nil
			})

			flow := &Flow{
				ID:             "flow-events",
				CaptureContext: tt.capture,
				Nodes:          []Node{waitingTrigger(nil), {ID: "step-1", Type: "step"}},
				Edges:          []Edge{edge("e1", "trigger-1", "request", "step-1", "in")},
			}

			_, s := runFlow(t, registry, flow, map[string]any{"k": "v"}, WithEventSink(sink))

			ev := <-events
			assert.Equal(t, "flow-events", ev.FlowID)
			assert.Equal(t, s.ID(), ev.SessionID)
			assert.Equal(t, "trigger-1", ev.TriggerNodeID)
			assert.Equal(t, tt.wantStatus, ev.Status)
			assert.Equal(t, tt.fail, ev.Error != "")
			require.Len(t, ev.Trace, 2)
			assert.Equal(t, "trigger-1", ev.Trace[0].NodeID)
			assert.LessOrEqual(t, ev.Trace[0].ElapsedMs, ev.Trace[1].ElapsedMs)

			if tt.wantContext {
				require.NotNil(t, ev.Context)
				assert.Equal(t, map[string]any{"k": "v"}, ev.Context["trigger"])
				assert.Contains(t, ev.Context["nodes"], "step-1")
			} else {
				assert.Nil(t, ev.Context)
			}
		})
	}
}

func TestNewSession_SeedsDeclaredHandles(t *testing.T) {
	registry := NewRegistry(newTestHandler("step", in("a"), in("b"), out("x"), out("y")))
	s, err := NewExecutor(registry).NewSession(&Flow{
		ID:    "flow-seed",
		Nodes: []Node{{ID: "step-1", Type: "step"}, {ID: "ghost-1", Type: "ghost"}},
	})
	require.NoError(t, err)

	state, ok := s.Context().Node("step-1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": nil, "b": nil}, state.Input)
	assert.Equal(t, map[string]any{"x": nil, "y": nil}, state.Output)

	ghost, ok := s.Context().Node("ghost-1")
	require.True(t, ok)
	assert.Empty(t, ghost.Input)
	assert.Empty(t, ghost.Output)
}
