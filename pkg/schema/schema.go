// Package schema compiles JSON Schema documents attached to handles and node
// configs and checks values against them.
//
// Schemas are decoded into kin-openapi schema objects, which cover the JSON
// Schema keywords lambdas declare (type, properties, required, items, enum,
// default, nullable and the numeric/string bounds).
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Schema is a compiled schema document. A nil *Schema accepts every value.
type Schema struct {
	raw    json.RawMessage
	schema *openapi3.Schema
}

// Compile decodes raw into a Schema. Empty input and JSON null compile to nil,
// meaning "no validation".
func Compile(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	s := &openapi3.Schema{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	return &Schema{raw: raw, schema: s}, nil
}

// MustCompile is like Compile but panics on error. Meant for schemas declared as
// literals in handler metadata.
func MustCompile(raw string) *Schema {
	s, err := Compile(json.RawMessage(raw))
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return s
}

// Raw returns the source document.
func (s *Schema) Raw() json.RawMessage {
	if s == nil {
		return nil
	}
	return s.raw
}

// Validate reports whether value conforms to the schema. The returned error is
// the validator's detail for logging; it is nil whenever ok is true. Validate
// never constructs a failure of its own, callers decide what to surface.
func (s *Schema) Validate(value any) (ok bool, details error) {
	if s == nil {
		return true, nil
	}

	normalized, err := Normalize(value)
	if err != nil {
		return false, err
	}

	if err := s.schema.VisitJSON(normalized); err != nil {
		return false, err
	}
	return true, nil
}

// Defaults instantiates the schema's default values. An object schema yields a
// map of every property that declares a default (recursively for nested object
// properties); a schema with a top-level object default yields that object.
// The second result is false when nothing can be instantiated.
func (s *Schema) Defaults() (map[string]any, bool) {
	if s == nil {
		return nil, false
	}

	switch v := instantiate(s.schema).(type) {
	case map[string]any:
		if len(v) == 0 {
			return nil, false
		}
		return v, true
	default:
		return nil, false
	}
}

func instantiate(s *openapi3.Schema) any {
	if s == nil {
		return nil
	}
	if s.Default != nil {
		return cloneJSON(s.Default)
	}
	if len(s.Properties) == 0 {
		return nil
	}

	out := make(map[string]any)
	for name, ref := range s.Properties {
		if ref == nil {
			continue
		}
		if v := instantiate(ref.Value); v != nil {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Normalize converts value into the plain JSON data model (nil, bool, float64,
// string, []any, map[string]any) by round-tripping it through encoding/json.
// Values already in that model are returned as-is.
func Normalize(value any) (any, error) {
	if isPlainJSON(value) {
		return value, nil
	}

	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize value of type %T: %w", value, err)
	}

	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize value of type %T: %w", value, err)
	}
	return out, nil
}

func isPlainJSON(value any) bool {
	switch v := value.(type) {
	case nil, bool, float64, string:
		return true
	case []any:
		for _, item := range v {
			if !isPlainJSON(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range v {
			if !isPlainJSON(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func cloneJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneJSON(item)
		}
		return out
	default:
		return val
	}
}
