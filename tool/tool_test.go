package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumTool() *FunctionTool {
	return NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
}

func TestFunctionToolExecute(t *testing.T) {
	ctx := context.Background()
	tl := sumTool()

	result, err := tl.Execute(ctx, "tenant-1", map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionToolValidation(t *testing.T) {
	ctx := context.Background()
	tl := sumTool()

	_, err := tl.Execute(ctx, "tenant-1", map[string]any{"a": 2.0})
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
	assert.Equal(t, "calculate_sum", toolErr.Tool)
}

func TestFunctionToolErrorWrapping(t *testing.T) {
	ctx := context.Background()

	plain := NewFunctionTool("failing", "Always fails", map[string]any{"type": "object"},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		})
	_, err := plain.Execute(ctx, "tenant-1", map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Equal(t, "backend unavailable", toolErr.Message)

	custom := NewFunctionTool("custom", "Returns a custom code", map[string]any{"type": "object"},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			return nil, NewToolError("custom", "not allowed", "PERMISSION_DENIED")
		})
	_, err = custom.Execute(ctx, "tenant-1", map[string]any{})
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "PERMISSION_DENIED", toolErr.Code)
}

type weatherArgs struct {
	City string `json:"city" description:"City to look up"`
}

func TestFunctionToolFromStruct(t *testing.T) {
	tl := NewFunctionToolFromStruct("get_weather", "Look up the current weather", weatherArgs{},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			return "sunny in " + args["city"].(string), nil
		})

	schema := tl.Schema()
	assert.Equal(t, "get_weather", schema.Name)
	props, ok := schema.Parameters["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "city")

	result, err := tl.Execute(context.Background(), "tenant-1", map[string]any{"city": "Berlin"})
	require.NoError(t, err)
	assert.Equal(t, "sunny in Berlin", result)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(sumTool()))
	require.Error(t, reg.Register(sumTool()), "duplicate names must be rejected")

	got, ok := reg.Get("calculate_sum")
	require.True(t, ok)
	assert.Equal(t, "calculate_sum", got.Name())

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	require.NoError(t, reg.Register(NewFunctionTool("noop", "Does nothing", map[string]any{"type": "object"},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) { return "ok", nil })))

	assert.Equal(t, []string{"calculate_sum", "noop"}, reg.Names())
	schemas := reg.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "calculate_sum", schemas[0].Name)
}
