package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/checkpoint"
	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/pool"
	"github.com/xiaoyu-work/onevalet/tool"
)

func newTestDispatcher(t *testing.T, optFns ...func(o *DispatcherOptions)) (*ToolDispatcher, *pool.AgentPool) {
	t.Helper()
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(echoTool()))
	p := pool.New()
	d := NewToolDispatcher(append([]func(o *DispatcherOptions){func(o *DispatcherOptions) {
		o.Tools = tools
		o.Pool = p
	}}, optFns...)...)
	return d, p
}

func TestDispatcherExecutePlainTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "echo", `{"text":"hi"}`))
	assert.True(t, result.Success)
	assert.Equal(t, "echo: hi", result.Content)
	assert.Equal(t, "call-1", result.CallID)
}

func TestDispatcherExecuteUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "no_such_tool", `{}`))
	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] unknown tool: no_such_tool", result.Content)
}

func TestDispatcherExecuteInvalidArguments(t *testing.T) {
	d, _ := newTestDispatcher(t)

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "echo", `{not json`))
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, "[ERROR] invalid arguments for echo")
}

func TestDispatcherExecuteToolError(t *testing.T) {
	tools := tool.NewRegistry()
	failing := tool.NewFunctionTool("fail", "always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	)
	require.NoError(t, tools.Register(failing))
	d := NewToolDispatcher(func(o *DispatcherOptions) { o.Tools = tools })

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "fail", `{}`))
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, "[ERROR]")
	assert.Contains(t, result.Content, "backend unavailable")
}

func TestDispatcherPlainToolTimeout(t *testing.T) {
	tools := tool.NewRegistry()
	// Never returns and ignores ctx; the dispatcher must still produce a
	// timeout result.
	hung := tool.NewFunctionTool("hang", "never returns",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			select {}
		},
	)
	require.NoError(t, tools.Register(hung))
	d := NewToolDispatcher(func(o *DispatcherOptions) {
		o.Tools = tools
		o.PlainTimeout = 20 * time.Millisecond
	})

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "hang", `{}`))
	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] tool hang timed out after 20ms", result.Content)
}

func TestDispatcherPlainToolCancelled(t *testing.T) {
	tools := tool.NewRegistry()
	hung := tool.NewFunctionTool("hang", "never returns",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			select {}
		},
	)
	require.NoError(t, tools.Register(hung))
	d := NewToolDispatcher(func(o *DispatcherOptions) { o.Tools = tools })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.Execute(ctx, "tenant-1", toolCall("call-1", "hang", `{}`))
	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] tool hang cancelled", result.Content)
}

func TestDispatcherAgentToolCancelled(t *testing.T) {
	schema := core.Schema{AgentType: "slow_agent"}
	action := func(ctx context.Context, fields map[string]any) (string, error) {
		select {} // never returns, ignores ctx
	}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("never finishes", schema, action)))
	d, _ := newTestDispatcher(t, func(o *DispatcherOptions) { o.AgentTypes = agents })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.Execute(ctx, "tenant-1", toolCall("call-1", "slow_agent", `{"task":"go"}`))
	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] agent slow_agent cancelled", result.Content)
}

func TestDispatcherToolPanicIsContained(t *testing.T) {
	tools := tool.NewRegistry()
	panics := tool.NewFunctionTool("boom", "panics",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, tenantID string, args map[string]any) (any, error) {
			panic("kaboom")
		},
	)
	require.NoError(t, tools.Register(panics))
	d := NewToolDispatcher(func(o *DispatcherOptions) { o.Tools = tools })

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "boom", `{}`))
	assert.False(t, result.Success)
	assert.Contains(t, result.Content, "panic: kaboom")
}

func TestDispatcherExecuteAllKeepsCallOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	calls := make([]core.ToolCall, 5)
	for i := range calls {
		calls[i] = toolCall(fmt.Sprintf("call-%d", i), "echo", fmt.Sprintf(`{"text":"%d"}`, i))
	}
	results := d.ExecuteAll(context.Background(), "tenant-1", calls)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("call-%d", i), r.CallID)
		assert.Equal(t, fmt.Sprintf("echo: %d", i), r.Content)
	}
}

func TestDispatcherAgentToolWaits(t *testing.T) {
	schema := core.Schema{
		AgentType: "booking_agent",
		Fields: []core.FieldSpec{
			{Name: "date", Type: "string", Required: true, Prompt: "What date?"},
		},
	}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("Books appointments", schema, nil)))
	d, p := newTestDispatcher(t, func(o *DispatcherOptions) { o.AgentTypes = agents })

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "booking_agent", `{"task":"book a slot"}`))
	assert.True(t, result.Success)
	assert.True(t, result.Waiting)
	assert.Equal(t, "What date?", result.Content)
	assert.NotEmpty(t, result.AgentID)

	// The paused agent stays in the pool for the next inbound message.
	waiting := p.FindWaiting("tenant-1")
	require.NotNil(t, waiting)
	assert.Equal(t, result.AgentID, waiting.Instance().ID)
}

func TestDispatcherAgentToolResumesWaitingAgent(t *testing.T) {
	var executed map[string]any
	schema := core.Schema{
		AgentType: "booking_agent",
		Fields: []core.FieldSpec{
			{Name: "date", Type: "string", Required: true, Prompt: "What date?"},
		},
	}
	action := func(ctx context.Context, fields map[string]any) (string, error) {
		executed = fields
		return "Booked!", nil
	}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("Books appointments", schema, action)))
	d, p := newTestDispatcher(t, func(o *DispatcherOptions) { o.AgentTypes = agents })

	first := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "booking_agent", `{"task":"book a slot"}`))
	require.True(t, first.Waiting)

	second := d.Execute(context.Background(), "tenant-1", toolCall("call-2", "booking_agent", `{"task":"next Tuesday"}`))
	assert.True(t, second.Success)
	assert.False(t, second.Waiting)
	assert.Equal(t, "Booked!", second.Content)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, "next Tuesday", executed["date"])

	// Terminal agents leave the pool.
	assert.Nil(t, p.FindWaiting("tenant-1"))
	assert.Empty(t, p.List("tenant-1"))
}

func TestDispatcherAgentToolForgetsFinishedAgent(t *testing.T) {
	schema := core.Schema{
		AgentType: "booking_agent",
		Fields: []core.FieldSpec{
			{Name: "date", Type: "string", Required: true, Prompt: "What date?"},
		},
	}
	action := func(ctx context.Context, fields map[string]any) (string, error) {
		return "Booked!", nil
	}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("Books appointments", schema, action)))
	recorder := checkpoint.NewRecorder(checkpoint.NewInMemoryStorage(), nil)
	d, _ := newTestDispatcher(t, func(o *DispatcherOptions) {
		o.AgentTypes = agents
		o.Recorder = recorder
	})

	first := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "booking_agent", `{"task":"book a slot"}`))
	require.True(t, first.Waiting)
	assert.NotEmpty(t, recorder.LastID(first.AgentID))

	second := d.Execute(context.Background(), "tenant-1", toolCall("call-2", "booking_agent", `{"task":"next Tuesday"}`))
	require.False(t, second.Waiting)
	assert.Equal(t, first.AgentID, second.AgentID)

	// The finished agent's checkpoints survive, but its parent tracking is
	// released so long-lived processes do not accumulate ids.
	assert.Empty(t, recorder.LastID(first.AgentID))
	cps, err := recorder.Storage().ListByAgent(context.Background(), first.AgentID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestDispatcherAgentToolQueuesApproval(t *testing.T) {
	schema := core.Schema{
		AgentType: "payment_agent",
		Fields: []core.FieldSpec{
			{Name: "amount", Type: "string", Required: true},
		},
	}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("Sends payments", schema, nil,
		func(o *FieldAgentOptions) { o.RequireApproval = true })))
	approvals := NewApprovalQueue()
	d, _ := newTestDispatcher(t, func(o *DispatcherOptions) {
		o.AgentTypes = agents
		o.Approvals = approvals
	})

	result := d.Execute(context.Background(), "tenant-1",
		toolCall("call-1", "payment_agent", `{"task":"amount: 50 euro"}`))
	assert.True(t, result.Waiting)
	require.NotNil(t, result.Approval)
	assert.Equal(t, "payment_agent", result.Approval.AgentType)
	assert.Equal(t, result.AgentID, result.Approval.AgentID)

	pending := approvals.Pending("tenant-1")
	require.Len(t, pending, 1)
	assert.Equal(t, result.Approval.ID, pending[0].ID)
}

func TestDispatcherAgentToolNoTask(t *testing.T) {
	schema := core.Schema{AgentType: "helper"}
	agents := NewAgentTypeRegistry()
	require.NoError(t, agents.Register(FieldAgentType("helps", schema, nil)))
	d, _ := newTestDispatcher(t, func(o *DispatcherOptions) { o.AgentTypes = agents })

	result := d.Execute(context.Background(), "tenant-1", toolCall("call-1", "helper", `{"other":"x"}`))
	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] agent helper: no task provided", result.Content)
}

func TestTaskFromArgs(t *testing.T) {
	assert.Equal(t, "do it", taskFromArgs(map[string]any{"task": "do it"}))
	assert.Equal(t, "msg", taskFromArgs(map[string]any{"message": "msg"}))
	assert.Equal(t, "task wins", taskFromArgs(map[string]any{"task": "task wins", "input": "other"}))
	assert.Equal(t, "", taskFromArgs(map[string]any{"task": 42}))
	assert.Equal(t, "", taskFromArgs(nil))
}

func TestRenderResult(t *testing.T) {
	assert.Equal(t, "", renderResult(nil))
	assert.Equal(t, "plain", renderResult("plain"))
	assert.Equal(t, `{"n":3}`, renderResult(map[string]any{"n": 3}))
	assert.Equal(t, "42", renderResult(42))
}
