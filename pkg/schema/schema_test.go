package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Empty(t *testing.T) {
	for _, raw := range []string{"", "null"} {
		s, err := Compile(json.RawMessage(raw))
		require.NoError(t, err)
		assert.Nil(t, s)
	}
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile(json.RawMessage(`{"type":`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		value  any
		want   bool
	}{
		{name: "string ok", schema: `{"type":"string"}`, value: "hello", want: true},
		{name: "string rejects number", schema: `{"type":"string"}`, value: 42.0, want: false},
		{name: "number accepts int", schema: `{"type":"number"}`, value: 7, want: true},
		{name: "integer rejects fraction", schema: `{"type":"integer"}`, value: 1.5, want: false},
		{
			name:   "required property present",
			schema: `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`,
			value:  map[string]any{"name": "Alice"},
			want:   true,
		},
		{
			name:   "required property missing",
			schema: `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`,
			value:  map[string]any{"city": "Sydney"},
			want:   false,
		},
		{name: "enum", schema: `{"type":"string","enum":["a","b"]}`, value: "c", want: false},
		{
			name:   "typed go struct normalizes",
			schema: `{"type":"object","properties":{"n":{"type":"number"}}}`,
			value:  struct{ N int `json:"n"` }{N: 3},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := MustCompile(tt.schema)
			ok, details := s.Validate(tt.value)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.NoError(t, details)
			} else {
				assert.Error(t, details)
			}
		})
	}
}

func TestValidate_NilSchemaAcceptsEverything(t *testing.T) {
	var s *Schema
	ok, details := s.Validate(map[string]any{"anything": true})
	assert.True(t, ok)
	assert.NoError(t, details)
}

func TestDefaults(t *testing.T) {
	t.Run("object properties", func(t *testing.T) {
		s := MustCompile(`{
			"type":"object",
			"properties":{
				"method":{"type":"string","default":"GET"},
				"retries":{"type":"integer","default":3},
				"url":{"type":"string"},
				"headers":{"type":"object","properties":{"accept":{"type":"string","default":"application/json"}}}
			}
		}`)

		defaults, ok := s.Defaults()
		require.True(t, ok)
		assert.Equal(t, map[string]any{
			"method":  "GET",
			"retries": 3.0,
			"headers": map[string]any{"accept": "application/json"},
		}, defaults)
	})

	t.Run("top level object default", func(t *testing.T) {
		s := MustCompile(`{"type":"object","default":{"a":1}}`)
		defaults, ok := s.Defaults()
		require.True(t, ok)
		assert.Equal(t, map[string]any{"a": 1.0}, defaults)
	})

	t.Run("scalar schema", func(t *testing.T) {
		s := MustCompile(`{"type":"string","default":"x"}`)
		_, ok := s.Defaults()
		assert.False(t, ok)
	})

	t.Run("no defaults", func(t *testing.T) {
		s := MustCompile(`{"type":"object","properties":{"a":{"type":"string"}}}`)
		_, ok := s.Defaults()
		assert.False(t, ok)
	})
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, v)

	plain := map[string]any{"a": []any{"x", true, nil}}
	v, err = Normalize(plain)
	require.NoError(t, err)
	assert.Equal(t, plain, v)
}
