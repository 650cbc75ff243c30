package engine

import (
	"context"
	"fmt"

	"github.com/xiaoyu-work/onevalet/checkpoint"
	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/logging"
	"github.com/xiaoyu-work/onevalet/metrics"
	"github.com/xiaoyu-work/onevalet/pool"
	"github.com/xiaoyu-work/onevalet/tool"
)

// defaultSystemPrompt frames the top-level assistant. Callers with their own
// persona override it via Options.SystemPrompt.
const defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help you answer. When a task belongs to a specialized agent, delegate to it instead of answering directly."

// Options configures an Orchestrator.
type Options struct {
	// Engine drives the reasoning loop. Required.
	Engine *ReactEngine
	// Pool caches live agents per tenant. Required for waiting-agent routing.
	Pool *pool.AgentPool
	// Tools are the plain tools exposed to the loop.
	Tools *tool.Registry
	// AgentTypes are the sub-agents exposed as agent-tools.
	AgentTypes *AgentTypeRegistry
	// Approvals tracks pending approval requests.
	Approvals *ApprovalQueue
	// Recorder checkpoints agent transitions when set.
	Recorder *checkpoint.Recorder
	// SystemPrompt overrides the default top-level prompt.
	SystemPrompt string
	// Metrics is optional; all methods are nil-safe.
	Metrics *metrics.Collector
	// Logger for orchestration events. Defaults to NoOp.
	Logger logging.Logger
}

// Orchestrator is the inbound entry point: it routes each tenant message
// either to an agent already waiting for input/approval or into a fresh
// reasoning loop run.
type Orchestrator struct {
	engine     *ReactEngine
	pool       *pool.AgentPool
	tools      *tool.Registry
	agentTypes *AgentTypeRegistry
	approvals  *ApprovalQueue
	recorder   *checkpoint.Recorder
	system     string
	metrics    *metrics.Collector
	logger     logging.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := Options{SystemPrompt: defaultSystemPrompt}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("orchestrator: react engine must be set")
	}
	if opts.Pool == nil {
		opts.Pool = pool.New()
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
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Orchestrator{
		engine:     opts.Engine,
		pool:       opts.Pool,
		tools:      opts.Tools,
		agentTypes: opts.AgentTypes,
		approvals:  opts.Approvals,
		recorder:   opts.Recorder,
		system:     opts.SystemPrompt,
		metrics:    opts.Metrics,
		logger:     logging.OrNoOp(opts.Logger),
	}, nil
}

// Process handles one inbound tenant message. An agent already paused in a
// waiting status gets the message first; otherwise the message starts a
// fresh reasoning loop over the registered tools and agent types.
func (o *Orchestrator) Process(ctx context.Context, tenantID, message string) (*RunResult, error) {
	if waiting := o.pool.FindWaiting(tenantID); waiting != nil {
		return o.resumeWaiting(ctx, tenantID, waiting, message)
	}

	messages := []core.Message{
		core.SystemMessage(o.system),
		core.UserMessage(message),
	}
	tools := append(o.tools.Schemas(), o.agentTypes.Schemas()...)
	return o.engine.Run(ctx, tenantID, messages, tools)
}

// resumeWaiting feeds the message to a paused agent and settles its new state.
func (o *Orchestrator) resumeWaiting(ctx context.Context, tenantID string, agent core.Agent, message string) (*RunResult, error) {
	inst := agent.Instance()
	o.logger.Debug("routing message to waiting agent",
		"tenant_id", tenantID, "agent_id", inst.ID, "agent_type", inst.Type, "status", inst.Status)

	reply, err := agent.Resume(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("resume agent %s: %w", inst.ID, err)
	}
	approval, err := o.settle(ctx, tenantID, agent, message, reply)
	if err != nil {
		return nil, err
	}
	result := &RunResult{Response: reply.Text, Turns: 1}
	if approval != nil {
		result.PendingApprovals = append(result.PendingApprovals, approval)
	}
	return result, nil
}

// ResolveApproval applies a human decision to a queued approval and resumes
// the paused agent with it.
func (o *Orchestrator) ResolveApproval(ctx context.Context, tenantID, approvalID string, approved bool) (*RunResult, error) {
	approval, err := o.approvals.Take(tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	agent, err := o.pool.Get(tenantID, approval.AgentID)
	if err != nil {
		return nil, fmt.Errorf("approval %s: %w", approvalID, err)
	}

	decision := "approved"
	if !approved {
		decision = "rejected"
	}
	reply, err := agent.Resume(ctx, decision)
	if err != nil {
		return nil, fmt.Errorf("resume agent %s: %w", approval.AgentID, err)
	}
	if _, err := o.settle(ctx, tenantID, agent, decision, reply); err != nil {
		return nil, err
	}
	return &RunResult{Response: reply.Text, Turns: 1}, nil
}

// PendingApprovals lists a tenant's queued approvals, oldest first.
func (o *Orchestrator) PendingApprovals(tenantID string) []*PendingApproval {
	return o.approvals.Pending(tenantID)
}

// RestoreSession rehydrates a tenant's persisted agents into the pool using
// the registered agent types. Stale entries are discarded by the pool's
// schema-version guard. Returns how many agents were restored.
func (o *Orchestrator) RestoreSession(ctx context.Context, tenantID string) (int, error) {
	restored, err := o.pool.RestoreTenantSession(ctx, tenantID, o.agentTypes.Factory())
	if err != nil {
		return 0, err
	}
	for range restored {
		o.metrics.PoolRestore("restored")
	}
	return len(restored), nil
}

// ReplayFromCheckpoint rebuilds an agent from a checkpoint and registers it
// in the pool; the next checkpoint saved for that agent branches off the
// restored one.
func (o *Orchestrator) ReplayFromCheckpoint(ctx context.Context, tenantID, checkpointID string) (core.Agent, error) {
	if o.recorder == nil {
		return nil, fmt.Errorf("replay: no checkpoint recorder configured")
	}
	inst, err := o.recorder.Restore(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	agent, err := o.agentTypes.Factory()(tenantID, inst)
	if err != nil {
		return nil, err
	}
	if err := o.pool.Add(ctx, tenantID, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// settle persists an agent's post-reply state: terminal agents leave the pool
// and drop their queued approvals, paused ones are re-persisted and, when
// paused on the approval gate, queued for a decision. Every transition is
// checkpointed when a recorder is configured.
func (o *Orchestrator) settle(ctx context.Context, tenantID string, agent core.Agent, message string, reply *core.ReplyResult) (*PendingApproval, error) {
	inst := agent.Instance()
	if o.recorder != nil {
		if _, err := o.recorder.Record(ctx, inst, message, reply.Text, nil); err != nil {
			o.logger.Warn("failed to checkpoint agent", "agent_id", inst.ID, "error", err)
		} else {
			o.metrics.CheckpointSaved()
		}
	}
	if reply.Completed() {
		o.approvals.ClearAgent(tenantID, inst.ID)
		if err := o.pool.Remove(ctx, tenantID, inst.ID); err != nil {
			return nil, fmt.Errorf("remove finished agent: %w", err)
		}
		if o.recorder != nil {
			o.recorder.Forget(inst.ID)
		}
		return nil, nil
	}
	if err := o.pool.Update(ctx, tenantID, agent); err != nil {
		return nil, fmt.Errorf("persist agent: %w", err)
	}
	if reply.Status == core.StatusWaitingForApproval {
		approval := o.approvals.Queue(tenantID, inst.ID, inst.Type, reply.Text, reply.Metadata)
		o.metrics.ApprovalQueued()
		return approval, nil
	}
	return nil, nil
}
