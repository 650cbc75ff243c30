package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xiaoyu-work/onevalet/checkpoint"
	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/pool"
	"github.com/xiaoyu-work/onevalet/tool"
)

// DispatchResult is the outcome of one tool call. Failures are data, not
// errors: Content always holds a tool-result message for the model, with an
// "[ERROR] ..." prefix when the call failed.
type DispatchResult struct {
	CallID     string
	Name       string
	Content    string
	Success    bool
	DurationMs int64

	// Agent-tool fields. Waiting means the sub-agent paused and the loop
	// should surface Content to the user instead of continuing.
	AgentID  string
	Waiting  bool
	Approval *PendingApproval
}

// DispatcherOptions configures a ToolDispatcher.
type DispatcherOptions struct {
	// Tools resolves plain tool names.
	Tools *tool.Registry
	// AgentTypes resolves agent-tool names. Agent types shadow plain tools
	// with the same name.
	AgentTypes *AgentTypeRegistry
	// Pool tracks live sub-agents across turns.
	Pool *pool.AgentPool
	// Approvals receives requests from sub-agents pausing for approval.
	Approvals *ApprovalQueue
	// PlainTimeout bounds a plain tool execution. Default 30s.
	PlainTimeout time.Duration
	// AgentTimeout bounds an agent-tool execution, which may involve its own
	// model calls. Default 120s.
	AgentTimeout time.Duration
	// MaxParallel caps the fan-out width. <=0 means one goroutine per call.
	MaxParallel int
	// Recorder checkpoints sub-agent transitions when set.
	Recorder *checkpoint.Recorder
	// Logger for dispatch events. Defaults to NoOp.
	Logger logging.Logger
}

// ToolDispatcher executes the tool calls of one turn: plain tools from the
// registry and sub-agents exposed as agent-tools. One call's failure,
// timeout, or panic never affects its siblings.
type ToolDispatcher struct {
	tools        *tool.Registry
	agentTypes   *AgentTypeRegistry
	pool         *pool.AgentPool
	approvals    *ApprovalQueue
	plainTimeout time.Duration
	agentTimeout time.Duration
	maxParallel  int
	recorder     *checkpoint.Recorder
	logger       logging.Logger
}

// NewToolDispatcher constructs a ToolDispatcher.
func NewToolDispatcher(optFns ...func(o *DispatcherOptions)) *ToolDispatcher {
	opts := DispatcherOptions{
		PlainTimeout: 30 * time.Second,
		AgentTimeout: 120 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Tools == nil {
		opts.Tools = tool.NewRegistry()
	}
	if opts.AgentTypes == nil {
		opts.AgentTypes = NewAgentTypeRegistry()
	}
	if opts.Approvals == nil {
		opts.Approvals = NewApprovalQueue()
	}
	if opts.PlainTimeout <= 0 {
		opts.PlainTimeout = 30 * time.Second
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 120 * time.Second
	}
	return &ToolDispatcher{
		tools:        opts.Tools,
		agentTypes:   opts.AgentTypes,
		pool:         opts.Pool,
		approvals:    opts.Approvals,
		plainTimeout: opts.PlainTimeout,
		agentTimeout: opts.AgentTimeout,
		maxParallel:  opts.MaxParallel,
		recorder:     opts.Recorder,
		logger:       logging.OrNoOp(opts.Logger),
	}
}

// ExecuteAll runs every call concurrently and returns one result per call in
// the original call order, regardless of completion order.
func (d *ToolDispatcher) ExecuteAll(ctx context.Context, tenantID string, calls []core.ToolCall) []*DispatchResult {
	n := len(calls)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []*DispatchResult{d.Execute(ctx, tenantID, calls[0])}
	}

	maxPar := d.maxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}
	results := make([]*DispatchResult, n)
	sem := make(chan struct{}, maxPar)
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, call core.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = d.Execute(ctx, tenantID, call)
		}(i, calls[i])
	}
	wg.Wait()
	return results
}

// Execute runs a single tool call, routing to an agent-tool when the name
// matches a registered agent type and to a plain tool otherwise.
func (d *ToolDispatcher) Execute(ctx context.Context, tenantID string, call core.ToolCall) *DispatchResult {
	start := time.Now()
	result := &DispatchResult{CallID: call.ID, Name: call.Name}

	args, err := parseArgs(call.Arguments)
	if err != nil {
		result.Content = fmt.Sprintf("[ERROR] invalid arguments for %s: %v", call.Name, err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	if at, ok := d.agentTypes.Get(call.Name); ok {
		d.runAgentTool(ctx, tenantID, at, args, result)
	} else if impl, ok := d.tools.Get(call.Name); ok {
		d.runPlainTool(ctx, tenantID, impl, args, result)
	} else {
		result.Content = fmt.Sprintf("[ERROR] unknown tool: %s", call.Name)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	d.logger.Debug("tool call dispatched",
		"tool", call.Name, "call_id", call.ID, "tenant_id", tenantID,
		"success", result.Success, "duration_ms", result.DurationMs)
	return result
}

// runPlainTool executes the tool in its own goroutine so a hung executor
// turns into a timeout result instead of blocking the turn. A timed-out
// goroutine is abandoned; executors should honor ctx where they can.
func (d *ToolDispatcher) runPlainTool(ctx context.Context, tenantID string, impl tool.Tool, args map[string]any, result *DispatchResult) {
	execCtx, cancel := context.WithTimeout(ctx, d.plainTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool panicked",
					"tool", impl.Name(), "recover", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := impl.Execute(execCtx, tenantID, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.Canceled) {
			result.Content = fmt.Sprintf("[ERROR] tool %s cancelled", impl.Name())
		} else {
			result.Content = fmt.Sprintf("[ERROR] tool %s timed out after %s", impl.Name(), d.plainTimeout)
		}
	case out := <-done:
		if out.err != nil {
			result.Content = fmt.Sprintf("[ERROR] %v", out.err)
			return
		}
		result.Content = renderResult(out.value)
		result.Success = true
	}
}

// runAgentTool hands the task to a sub-agent, reusing a waiting agent of the
// same type when one exists.
func (d *ToolDispatcher) runAgentTool(ctx context.Context, tenantID string, at AgentType, args map[string]any, result *DispatchResult) {
	task := taskFromArgs(args)
	if task == "" {
		result.Content = fmt.Sprintf("[ERROR] agent %s: no task provided", at.Name)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, d.agentTimeout)
	defer cancel()

	agent, resumed, err := d.resolveAgent(execCtx, tenantID, at)
	if err != nil {
		result.Content = fmt.Sprintf("[ERROR] agent %s: %v", at.Name, err)
		return
	}
	result.AgentID = agent.Instance().ID

	type outcome struct {
		reply *core.ReplyResult
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("agent-tool panicked",
					"agent_type", at.Name, "recover", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		var reply *core.ReplyResult
		var replyErr error
		if resumed {
			reply, replyErr = agent.Resume(execCtx, task)
		} else {
			reply, replyErr = agent.Reply(execCtx, task)
		}
		done <- outcome{reply: reply, err: replyErr}
	}()

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.Canceled) {
			result.Content = fmt.Sprintf("[ERROR] agent %s cancelled", at.Name)
		} else {
			result.Content = fmt.Sprintf("[ERROR] agent %s timed out after %s", at.Name, d.agentTimeout)
		}
		return
	case out := <-done:
		if out.err != nil {
			result.Content = fmt.Sprintf("[ERROR] agent %s: %v", at.Name, out.err)
			return
		}
		d.settleAgent(ctx, tenantID, at, agent, out.reply, result)
		if d.recorder != nil {
			if _, err := d.recorder.Record(ctx, agent.Instance(), task, out.reply.Text, nil); err != nil {
				d.logger.Warn("failed to checkpoint sub-agent",
					"agent_id", agent.Instance().ID, "error", err)
			}
			// Terminal agents left the pool; drop their parent tracking too.
			if out.reply.Completed() {
				d.recorder.Forget(agent.Instance().ID)
			}
		}
	}
}

// settleAgent maps the sub-agent's status to the dispatch result and keeps the
// pool in sync: terminal agents are removed, paused agents stay registered.
func (d *ToolDispatcher) settleAgent(ctx context.Context, tenantID string, at AgentType, agent core.Agent, reply *core.ReplyResult, result *DispatchResult) {
	result.Content = reply.Text
	result.Success = true

	switch {
	case reply.Completed():
		if d.pool != nil {
			if err := d.pool.Remove(ctx, tenantID, agent.Instance().ID); err != nil {
				d.logger.Warn("failed to remove finished agent",
					"tenant_id", tenantID, "agent_id", agent.Instance().ID, "error", err)
			}
		}
	case reply.Status.IsWaiting():
		result.Waiting = true
		if d.pool != nil {
			if err := d.pool.Update(ctx, tenantID, agent); err != nil {
				d.logger.Warn("failed to persist waiting agent",
					"tenant_id", tenantID, "agent_id", agent.Instance().ID, "error", err)
			}
		}
		if reply.Status == core.StatusWaitingForApproval {
			result.Approval = d.approvals.Queue(
				tenantID, agent.Instance().ID, at.Name, reply.Text, reply.Metadata)
		}
	default:
		if d.pool != nil {
			if err := d.pool.Update(ctx, tenantID, agent); err != nil {
				d.logger.Warn("failed to persist agent",
					"tenant_id", tenantID, "agent_id", agent.Instance().ID, "error", err)
			}
		}
	}
}

// resolveAgent returns a waiting sub-agent of the requested type if one
// exists, otherwise creates and registers a fresh one.
func (d *ToolDispatcher) resolveAgent(ctx context.Context, tenantID string, at AgentType) (core.Agent, bool, error) {
	if d.pool != nil {
		var waiting core.Agent
		for _, a := range d.pool.List(tenantID) {
			inst := a.Instance()
			if inst.Type != at.Name || !inst.Status.IsWaiting() {
				continue
			}
			if waiting == nil || inst.CreatedAt.Before(waiting.Instance().CreatedAt) {
				waiting = a
			}
		}
		if waiting != nil {
			return waiting, true, nil
		}
	}

	agent, err := at.Factory(tenantID, nil)
	if err != nil {
		return nil, false, err
	}
	if d.pool != nil {
		if err := d.pool.Add(ctx, tenantID, agent); err != nil {
			return nil, false, err
		}
	}
	return agent, false, nil
}

func parseArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// taskFromArgs extracts the instruction for an agent-tool, tolerating the
// argument names models actually produce.
func taskFromArgs(args map[string]any) string {
	for _, key := range []string{"task", "message", "instruction", "input"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// renderResult serializes a tool's return value for the conversation.
func renderResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
