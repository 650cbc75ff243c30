package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string"},
			"days":  map[string]any{"type": "integer"},
			"exact": map[string]any{"type": "boolean"},
		},
		"required": []string{"city"},
	}

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{name: "valid", params: map[string]any{"city": "Berlin", "days": 3}},
		{name: "json numbers accepted as integers", params: map[string]any{"city": "Berlin", "days": float64(3)}},
		{name: "extra fields pass through", params: map[string]any{"city": "Berlin", "unknown": true}},
		{name: "missing required", params: map[string]any{"days": 3}, wantErr: "required field is missing"},
		{name: "wrong type", params: map[string]any{"city": 42}, wantErr: "expected type string"},
		{name: "fractional integer rejected", params: map[string]any{"city": "Berlin", "days": 1.5}, wantErr: "expected type integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParameters(tt.params, schema)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateParametersRequiredFromJSON(t *testing.T) {
	// A schema that went through a JSON round trip carries []any.
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}
	err := ValidateParameters(map[string]any{}, schema)
	require.Error(t, err)
}

func TestCreateSchema(t *testing.T) {
	type params struct {
		City     string  `json:"city" description:"city to look up"`
		Days     int     `json:"days,omitempty"`
		Fallback *string `json:"fallback"`
		ignored  string
		Skipped  string `json:"-"`
	}
	_ = params{ignored: ""}

	schema := CreateSchema(params{})
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 3)
	assert.Equal(t, map[string]any{"type": "string", "description": "city to look up"}, props["city"])
	assert.Equal(t, map[string]any{"type": "integer"}, props["days"])
	assert.Equal(t, []string{"city"}, schema["required"])
}

func TestCreateSchemaNonStruct(t *testing.T) {
	schema := CreateSchema(42)
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, schema)
}
