package engine

import (
	"encoding/json"
	"maps"
	"strings"

	"github.com/friendsofgo/errors"

	"flowrunner/pkg/schema"
	"flowrunner/pkg/template"
)

// edgeValue computes what an edge delivers for the raw value its source handle
// produced. The value is normalized to plain JSON, passed through the edge's
// transform, laid over the target handle's schema defaults when it is an object,
// and finally the sentinel strings "true", "false" and "null" become native values.
// Defaults are merged after the transform, so an object rendered by a transform
// receives them as well; without a transform the raw output gets them.
func (s *Session) edgeValue(edge Edge, raw any, target *schema.Schema) (any, error) {
	value, err := schema.Normalize(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "edge %s: normalize output", edge.ID)
	}

	if edge.Transform != "" {
		value, err = s.transform(edge, value)
		if err != nil {
			return nil, err
		}
	}

	if obj, ok := value.(map[string]any); ok {
		if defaults, ok := target.Defaults(); ok {
			maps.Copy(defaults, obj)
			value = defaults
		}
	}

	return coerce(value), nil
}

func (s *Session) transform(edge Edge, data any) (any, error) {
	ctx := s.ctx.Snapshot()
	ctx[template.DataKey] = data

	rendered, err := s.renderer.Render(edge.Transform, ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrTemplate, "edge %s transform: %v", edge.ID, err)
	}
	return parseRendered(rendered)
}

// parseRendered turns rendered template text back into a value. Valid JSON is
// decoded; text that only looks like JSON is an error; anything else stays a
// string.
func parseRendered(rendered string) (any, error) {
	trimmed := strings.TrimSpace(rendered)
	if json.Valid([]byte(trimmed)) {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, nil
		}
	}
	if looksLikeJSON(trimmed) {
		return nil, errors.Wrapf(ErrMalformedTransformOutput, "%q", rendered)
	}
	return rendered, nil
}

func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') ||
		(first == '[' && last == ']') ||
		(first == '"' && last == '"')
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return v
}
