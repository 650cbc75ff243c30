package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AgentInstance is the mutable state of one live agent owned by exactly one
// tenant. It is mutated only by the engine and tool dispatcher during a turn;
// everything else (pool backends, checkpoints) works on deep copies.
type AgentInstance struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	TenantID        string         `json:"tenant_id"`
	Status          AgentStatus    `json:"status"`
	CollectedFields map[string]any `json:"collected_fields"`
	ExecutionState  map[string]any `json:"execution_state"`
	Context         map[string]any `json:"context"`
	SchemaVersion   int            `json:"schema_version"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewAgentInstance constructs an instance in StatusCreated with empty state maps.
func NewAgentInstance(agentType, tenantID string) *AgentInstance {
	return &AgentInstance{
		ID:              uuid.NewString(),
		Type:            agentType,
		TenantID:        tenantID,
		Status:          StatusCreated,
		CollectedFields: map[string]any{},
		ExecutionState:  map[string]any{},
		Context:         map[string]any{},
		CreatedAt:       time.Now().UTC(),
	}
}

// Transition moves the instance to next, enforcing the state machine.
func (a *AgentInstance) Transition(next AgentStatus) error {
	if !a.Status.CanTransition(next) {
		return &StatusTransitionError{From: a.Status, To: next}
	}
	a.Status = next
	return nil
}

// Clone returns a deep copy safe to hand to persistence layers.
func (a *AgentInstance) Clone() *AgentInstance {
	cp := *a
	cp.CollectedFields = cloneMap(a.CollectedFields)
	cp.ExecutionState = cloneMap(a.ExecutionState)
	cp.Context = cloneMap(a.Context)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ReplyResult is the outcome of driving an agent one step. Text carries the
// user-facing message (a field prompt, an approval question or the final
// result); Metadata carries agent specific extras such as approval payloads.
type ReplyResult struct {
	Status   AgentStatus    `json:"status"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Completed reports whether the agent reached a terminal state.
func (r *ReplyResult) Completed() bool { return r.Status.IsTerminal() }

// Agent is the capability interface consumed by the tool dispatcher and the
// agent pool. Implementations own their business logic; the runtime only ever
// observes the returned status and text.
//
// Implementations must:
//   - Respect context cancellation on every blocking step
//   - Keep Instance() status in lockstep with returned ReplyResult statuses
//   - Be safe for sequential reuse across multiple Reply/Resume cycles
type Agent interface {
	// Instance exposes the mutable state backing this agent.
	Instance() *AgentInstance

	// Reply feeds one user (or orchestrator) message to the agent and advances it.
	Reply(ctx context.Context, message string) (*ReplyResult, error)

	// Pause suspends the agent, returning its current prompt so the caller can
	// resurface it later.
	Pause(ctx context.Context) (*ReplyResult, error)

	// Resume continues a paused agent, optionally with a new user message.
	Resume(ctx context.Context, message string) (*ReplyResult, error)
}

// AgentFactory constructs a fresh agent of a given type for a tenant, or
// rehydrates one around a previously persisted instance (instance != nil).
type AgentFactory func(tenantID string, instance *AgentInstance) (Agent, error)
