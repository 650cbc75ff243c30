// Package checkpoint implements append-only, tree-structured snapshot
// persistence for agent state. Every state transition can be captured as an
// immutable Checkpoint linked to its predecessor, forming a per-agent tree
// that supports branching, replay and diffing. Three interchangeable backends
// (in-memory, embedded SQLite, bun/Postgres) implement identical semantics.
package checkpoint

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoyu-work/onevalet/core"
)

// Checkpoint is an immutable snapshot of an agent taken after a state
// transition. The first checkpoint of an agent has an empty ParentID; later
// ones link to the snapshot they were derived from, so overriding ParentID
// before a save creates a branch.
type Checkpoint struct {
	ID              string           `json:"id"`
	AgentID         string           `json:"agent_id"`
	AgentType       string           `json:"agent_type"`
	TenantID        string           `json:"tenant_id"`
	Status          core.AgentStatus `json:"status"`
	CollectedFields map[string]any   `json:"collected_fields"`
	ExecutionState  map[string]any   `json:"execution_state"`
	Context         map[string]any   `json:"context"`
	Message         string           `json:"message,omitempty"`
	Result          string           `json:"result,omitempty"`
	MessageHistory  []core.Message   `json:"message_history,omitempty"`
	ParentID        string           `json:"parent_checkpoint_id,omitempty"`
	BranchLabel     string           `json:"branch_label,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// FromInstance builds an unsaved checkpoint from a live agent instance.
// The instance's maps are deep-copied so later turns cannot mutate the snapshot.
func FromInstance(inst *core.AgentInstance, message, result string, history []core.Message) *Checkpoint {
	snap := inst.Clone()
	hist := make([]core.Message, len(history))
	copy(hist, history)
	return &Checkpoint{
		ID:              uuid.NewString(),
		AgentID:         inst.ID,
		AgentType:       inst.Type,
		TenantID:        inst.TenantID,
		Status:          snap.Status,
		CollectedFields: snap.CollectedFields,
		ExecutionState:  snap.ExecutionState,
		Context:         snap.Context,
		Message:         message,
		Result:          result,
		MessageHistory:  hist,
		Timestamp:       time.Now().UTC(),
	}
}

// ToInstance materializes a fresh agent instance from the snapshot. The
// returned instance carries the checkpoint's agent id so pool entries line up.
func (c *Checkpoint) ToInstance() *core.AgentInstance {
	inst := &core.AgentInstance{
		ID:              c.AgentID,
		Type:            c.AgentType,
		TenantID:        c.TenantID,
		Status:          c.Status,
		CollectedFields: cloneAnyMap(c.CollectedFields),
		ExecutionState:  cloneAnyMap(c.ExecutionState),
		Context:         cloneAnyMap(c.Context),
		CreatedAt:       c.Timestamp,
	}
	if inst.CollectedFields == nil {
		inst.CollectedFields = map[string]any{}
	}
	if inst.ExecutionState == nil {
		inst.ExecutionState = map[string]any{}
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	return inst
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Storage is the persistence contract shared by all checkpoint backends.
//
// Semantics every implementation must honor:
//   - Save rejects a checkpoint whose ParentID names an unknown checkpoint.
//   - Get returns core.ErrCheckpointNotFound (possibly wrapped) for unknown ids.
//   - ListByAgent / ListByUser order newest first and apply limit/offset after
//     ordering; limit <= 0 means unlimited.
//   - Delete reports whether a row was actually removed.
//   - ClearAgent / ClearUser return the number of removed checkpoints.
type Storage interface {
	Save(ctx context.Context, cp *Checkpoint) (string, error)
	Get(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Checkpoint, error)
	ListByUser(ctx context.Context, tenantID string, limit, offset int) ([]*Checkpoint, error)
	GetLatest(ctx context.Context, agentID string) (*Checkpoint, error)
	GetTree(ctx context.Context, agentID string) (*Tree, error)
	ClearAgent(ctx context.Context, agentID string) (int, error)
	ClearUser(ctx context.Context, tenantID string) (int, error)
}

// oldestFirst reverses a newest-first listing in place and returns it, so
// tree construction sees checkpoints in save order and timestamp ties keep
// their insertion order.
func oldestFirst(cps []*Checkpoint) []*Checkpoint {
	for i, j := 0, len(cps)-1; i < j; i, j = i+1, j-1 {
		cps[i], cps[j] = cps[j], cps[i]
	}
	return cps
}

// page applies newest-first limit/offset slicing shared by the backends that
// filter in memory.
func page(cps []*Checkpoint, limit, offset int) []*Checkpoint {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(cps) {
		return nil
	}
	cps = cps[offset:]
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps
}
