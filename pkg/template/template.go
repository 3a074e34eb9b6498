// Package template renders the expressions embedded in node configs, edge
// transforms and trigger responses.
//
// Expressions use Go template syntax over a JSON-like context:
//
//	{{ .trigger.body.name }}
//	{{ index .nodes "compare-1" "output" "yes" }}
//	{{ $data | stringify }}
//
// The context key "$data", when present, is also bound to the template
// variable $data. Besides the sprig function set, two filters are provided:
// stringify (value to JSON text) and parse (JSON text to value).
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"

	// DataKey is the context key bound to the $data variable.
	DataKey = "$data"

	noValue = "<no value>"
)

// Renderer renders template strings. Parsed templates are cached by source.
// It is safe for concurrent use.
type Renderer struct {
	funcs template.FuncMap
	cache sync.Map // string -> *template.Template
}

// New returns a Renderer with the hermetic sprig functions and the stringify/parse
// filters installed.
func New() *Renderer {
	funcs := sprig.HermeticTxtFuncMap()
	funcs["stringify"] = stringify
	funcs["parse"] = parse
	return &Renderer{funcs: funcs}
}

// IsTemplate reports whether value is a string holding both template markers.
func IsTemplate(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return strings.Contains(s, openMarker) && strings.Contains(s, closeMarker)
}

// Render evaluates src against ctx.
func (r *Renderer) Render(src string, ctx map[string]any) (string, error) {
	tmpl, err := r.compile(src, ctx)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}

	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}

// RenderDeep walks value and renders every template string it finds. Object
// keys are rendered too; a rendered key replaces the original one. Values that
// are not templates are returned unchanged.
func (r *Renderer) RenderDeep(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !IsTemplate(v) {
			return v, nil
		}
		return r.Render(v, ctx)

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := r.RenderDeep(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			newKey := key
			if IsTemplate(key) {
				rendered, err := r.Render(key, ctx)
				if err != nil {
					return nil, fmt.Errorf("key %q: %w", key, err)
				}
				newKey = rendered
			}

			rendered, err := r.RenderDeep(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[newKey] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}

func (r *Renderer) compile(src string, ctx map[string]any) (*template.Template, error) {
	_, bindData := ctx[DataKey]
	key := src
	if bindData {
		key = DataKey + "\x00" + src
	}

	if cached, ok := r.cache.Load(key); ok {
		return cached.(*template.Template), nil
	}

	body := src
	if bindData {
		// $data must be declared before the source can refer to it.
		body = `{{ $data := index . "` + DataKey + `" }}` + src
	}

	tmpl, err := template.New("expr").Funcs(r.funcs).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	actual, _ := r.cache.LoadOrStore(key, tmpl)
	return actual.(*template.Template), nil
}

func stringify(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parse(s string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
