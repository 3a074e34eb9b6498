package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"flowrunner/pkg/engine"
)

// CompareHandler evaluates "subject operator against" from its config and
// forwards its input on "yes" or "no". Subject and against are usually
// templates pointing into the context.
type CompareHandler struct{}

// NewCompareHandler creates a new CompareHandler
func NewCompareHandler() *CompareHandler {
	return &CompareHandler{}
}

func (h *CompareHandler) Meta() engine.HandlerMeta {
	return engine.HandlerMeta{
		Type:        TypeCompare,
		Description: "Routes the input to yes or no by comparing two values",
		Icon:        "git-branch",
		Handles: []engine.Handle{
			{ID: HandleInput, Direction: engine.DirectionInput},
			{ID: HandleYes, Direction: engine.DirectionOutput},
			{ID: HandleNo, Direction: engine.DirectionOutput},
		},
		ConfigSchema: json.RawMessage(`{
			"type": "object",
			"required": ["operator"],
			"properties": {
				"subject": {},
				"operator": {"type": "string"},
				"against": {}
			}
		}`),
	}
}

type compareConfig struct {
	Subject  any    `json:"subject"`
	Operator string `json:"operator"`
	Against  any    `json:"against"`
}

func (h *CompareHandler) Execute(_ context.Context, call *engine.Call) (map[string]any, error) {
	var cfg compareConfig
	if err := call.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.Operator == "" {
		return nil, fmt.Errorf("operator not specified in compare config")
	}

	result, err := Compare(cfg.Subject, cfg.Operator, cfg.Against)
	if err != nil {
		return nil, err
	}

	call.Logger().Debug("comparison evaluated",
		"subject", cfg.Subject,
		"operator", cfg.Operator,
		"against", cfg.Against,
		"result", result,
	)

	if result {
		return map[string]any{HandleYes: call.Input(HandleInput)}, nil
	}
	return map[string]any{HandleNo: call.Input(HandleInput)}, nil
}

// Compare applies operator to subject and against. Values that both convert
// to numbers are compared numerically, otherwise as strings.
func Compare(subject any, operator string, against any) (bool, error) {
	switch operator {
	case "==", "equals":
		return equal(subject, against), nil
	case "!=", "not_equals":
		return !equal(subject, against), nil
	case ">", "greater_than":
		c, err := order(subject, against)
		return c > 0, err
	case ">=", "greater_than_or_equal":
		c, err := order(subject, against)
		return c >= 0, err
	case "<", "less_than":
		c, err := order(subject, against)
		return c < 0, err
	case "<=", "less_than_or_equal":
		c, err := order(subject, against)
		return c <= 0, err
	case "contains":
		return strings.Contains(cast.ToString(subject), cast.ToString(against)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, y, ok := numbers(a, b); ok {
		return x == y
	}
	if x, y, ok := scalars(a, b); ok {
		return x == y
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any) (int, error) {
	if x, y, ok := numbers(a, b); ok {
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if x, y, ok := scalars(a, b); ok {
		return strings.Compare(x, y), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func numbers(a, b any) (float64, float64, bool) {
	if isBool(a) || isBool(b) {
		return 0, 0, false
	}
	x, err := cast.ToFloat64E(a)
	if err != nil {
		return 0, 0, false
	}
	y, err := cast.ToFloat64E(b)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

func scalars(a, b any) (string, string, bool) {
	if !isScalar(a) || !isScalar(b) {
		return "", "", false
	}
	return cast.ToString(a), cast.ToString(b), true
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return true
	}
	return false
}
