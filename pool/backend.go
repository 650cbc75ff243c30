// Package pool implements the per-tenant cache of live agent instances. An
// AgentPool keeps agents in memory behind a single mutex and mirrors them
// asynchronously into a pluggable Backend (in-memory, Redis with TTL
// namespaces, or bun/Postgres with expires_at filtering). Restoring from a
// backend is guarded by schema versions: entries persisted under an older
// field layout are discarded rather than force-fitted to new code.
package pool

import (
	"context"
	"time"

	"github.com/xiaoyu-work/onevalet/core"
)

// Entry is the serializable projection of an agent instance persisted by a
// Backend. It mirrors core.AgentInstance plus bookkeeping the pool needs to
// restore and expire entries.
type Entry struct {
	AgentID         string           `json:"agent_id"`
	AgentType       string           `json:"agent_type"`
	TenantID        string           `json:"tenant_id"`
	Status          core.AgentStatus `json:"status"`
	CollectedFields map[string]any   `json:"collected_fields"`
	ExecutionState  map[string]any   `json:"execution_state"`
	Context         map[string]any   `json:"context"`
	SchemaVersion   int              `json:"schema_version"`
	LastActivity    time.Time        `json:"last_activity"`
	CheckpointID    string           `json:"checkpoint_id,omitempty"`
}

// entryFromInstance snapshots a live instance into a persistable Entry.
func entryFromInstance(inst *core.AgentInstance, schemaVersion int, checkpointID string) *Entry {
	snap := inst.Clone()
	return &Entry{
		AgentID:         snap.ID,
		AgentType:       snap.Type,
		TenantID:        snap.TenantID,
		Status:          snap.Status,
		CollectedFields: snap.CollectedFields,
		ExecutionState:  snap.ExecutionState,
		Context:         snap.Context,
		SchemaVersion:   schemaVersion,
		LastActivity:    time.Now().UTC(),
		CheckpointID:    checkpointID,
	}
}

// ToInstance materializes an AgentInstance from the persisted entry.
func (e *Entry) ToInstance() *core.AgentInstance {
	inst := &core.AgentInstance{
		ID:              e.AgentID,
		Type:            e.AgentType,
		TenantID:        e.TenantID,
		Status:          e.Status,
		CollectedFields: e.CollectedFields,
		ExecutionState:  e.ExecutionState,
		Context:         e.Context,
		SchemaVersion:   e.SchemaVersion,
		CreatedAt:       e.LastActivity,
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

// Backend is the persistence contract for pool entries. Implementations must
// guarantee at most one entry per (tenantID, agentID); SaveAgent upserts.
// Cross-process consistency relies on the backend's own atomicity, not on the
// in-process pool lock.
type Backend interface {
	SaveAgent(ctx context.Context, entry *Entry) error
	GetAgent(ctx context.Context, tenantID, agentID string) (*Entry, error)
	ListAgents(ctx context.Context, tenantID string) ([]*Entry, error)
	RemoveAgent(ctx context.Context, tenantID, agentID string) error
	ClearTenant(ctx context.Context, tenantID string) (int, error)
	GetActiveTenants(ctx context.Context) ([]string, error)
}

// Versions resolves the current schema version of an agent type. The engine's
// agent type registry implements this; restored entries whose persisted
// version differs are treated as stale.
type Versions interface {
	SchemaVersion(agentType string) (int, bool)
}

// VersionsFunc adapts a plain function to the Versions interface.
type VersionsFunc func(agentType string) (int, bool)

// SchemaVersion implements Versions.
func (f VersionsFunc) SchemaVersion(agentType string) (int, bool) { return f(agentType) }
