package model

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/core"
)

var _ Client = (*MockClient)(nil)

func TestMockClientCannedResponses(t *testing.T) {
	ctx := context.Background()
	client := NewMockClient("test-model", "mock")
	client.AddResponse("Hi", "Hello there")

	resp, err := client.ChatComplete(ctx, Request{
		Messages: []core.Message{core.UserMessage("Hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", resp.Content)
	assert.False(t, resp.HasToolCalls())

	resp, err = client.ChatComplete(ctx, Request{
		Messages: []core.Message{core.UserMessage("something else")},
	})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: something else", resp.Content)
	assert.Len(t, client.Calls(), 2)
}

func TestMockClientScriptedOrder(t *testing.T) {
	ctx := context.Background()
	client := NewMockClient("test-model", "mock")
	client.EnqueueToolCalls(core.ToolCall{
		ID: "call-1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Berlin"}`),
	})
	client.EnqueueError(errors.New("rate limit exceeded"))
	client.Enqueue(&Response{Content: "done"})

	resp, err := client.ChatComplete(ctx, Request{})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "get_weather", resp.ToolCalls[0].Name)

	_, err = client.ChatComplete(ctx, Request{})
	require.Error(t, err)

	resp, err = client.ChatComplete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, reg.Register(Candidate{Provider: "", Client: NewMockClient("m", "mock")}))
	require.Error(t, reg.Register(Candidate{Provider: "openai"}))

	require.NoError(t, reg.Register(Candidate{Provider: "openai", Model: "gpt-4o", Client: NewMockClient("gpt-4o", "openai")}))
	require.NoError(t, reg.Register(Candidate{Provider: "anthropic", Model: "claude", Client: NewMockClient("claude", "anthropic")}))

	c, ok := reg.Get("openai")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", c.Model)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	// Re-registering replaces in place, preserving order.
	require.NoError(t, reg.Register(Candidate{Provider: "openai", Model: "gpt-4.1", Client: NewMockClient("gpt-4.1", "openai")}))
	candidates := reg.Candidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, "gpt-4.1", candidates[0].Model)
}

func TestRegistryChainFor(t *testing.T) {
	reg := NewRegistry()
	for _, p := range []string{"openai", "anthropic", "local"} {
		require.NoError(t, reg.Register(Candidate{Provider: p, Client: NewMockClient(p, p)}))
	}

	chain := reg.ChainFor("anthropic")
	require.Len(t, chain, 3)
	assert.Equal(t, "anthropic", chain[0].Provider)
	assert.Equal(t, "openai", chain[1].Provider)
	assert.Equal(t, "local", chain[2].Provider)

	chain = reg.ChainFor("missing")
	require.Len(t, chain, 3)
	assert.Equal(t, "openai", chain[0].Provider)
}
