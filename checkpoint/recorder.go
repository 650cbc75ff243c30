package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoyu-work/onevalet/core"
	"github.com/xiaoyu-work/onevalet/logging"
)

// Recorder sits between the orchestrator and a Storage backend. It tracks the
// last saved checkpoint id per agent so consecutive saves chain into a linear
// history, and re-points that tracking on restore so the next save branches
// off the restored snapshot.
//
// Concurrent writers: checkpoint trees assume a single writer per agent. The
// Recorder serializes Record/Restore per agent id with an internal lock, so
// two concurrent replay requests against the same agent cannot interleave
// their parent pointers. Cross-process writers are not guarded; deployments
// that need that must route an agent's traffic to one process.
type Recorder struct {
	storage Storage
	logger  logging.Logger

	mu      sync.Mutex
	lastIDs map[string]string // agentID -> last saved/restored checkpoint id
}

// NewRecorder wraps a storage backend.
func NewRecorder(storage Storage, logger logging.Logger) *Recorder {
	return &Recorder{
		storage: storage,
		logger:  logging.OrNoOp(logger),
		lastIDs: map[string]string{},
	}
}

// Storage exposes the wrapped backend for read-path callers (tree, diff, lists).
func (r *Recorder) Storage() Storage { return r.storage }

// Record snapshots inst and saves it with the agent's last known checkpoint
// as parent. Returns the new checkpoint id.
func (r *Recorder) Record(ctx context.Context, inst *core.AgentInstance, message, result string, history []core.Message) (string, error) {
	return r.RecordBranch(ctx, inst, message, result, history, "")
}

// RecordBranch is Record with an explicit branch label attached to the
// checkpoint, used when saving the first checkpoint after a replay.
func (r *Recorder) RecordBranch(ctx context.Context, inst *core.AgentInstance, message, result string, history []core.Message, branchLabel string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := FromInstance(inst, message, result, history)
	cp.ParentID = r.lastIDs[inst.ID]
	cp.BranchLabel = branchLabel

	id, err := r.storage.Save(ctx, cp)
	if err != nil {
		return "", fmt.Errorf("save checkpoint for agent %s: %w", inst.ID, err)
	}
	r.lastIDs[inst.ID] = id
	r.logger.Debug("checkpoint recorded",
		"agent_id", inst.ID, "checkpoint_id", id, "parent_id", cp.ParentID, "status", string(inst.Status))
	return id, nil
}

// LastID returns the last checkpoint id recorded or restored for an agent.
func (r *Recorder) LastID(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastIDs[agentID]
}

// Restore loads a checkpoint and re-points the agent's parent tracking at it,
// so the next Record creates a sibling branch of whatever followed the
// checkpoint originally. Returns the materialized instance.
func (r *Recorder) Restore(ctx context.Context, checkpointID string) (*core.AgentInstance, error) {
	cp, err := r.storage.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.lastIDs[cp.AgentID] = cp.ID
	r.mu.Unlock()

	r.logger.Info("checkpoint restored", "agent_id", cp.AgentID, "checkpoint_id", cp.ID)
	return cp.ToInstance(), nil
}

// Forget drops parent tracking for an agent, typically after the agent
// reached a terminal status and left the pool.
func (r *Recorder) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastIDs, agentID)
}

// ClearAgent removes an agent's checkpoints and its parent tracking.
func (r *Recorder) ClearAgent(ctx context.Context, agentID string) (int, error) {
	n, err := r.storage.ClearAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	r.Forget(agentID)
	return n, nil
}
