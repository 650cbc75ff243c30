package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoyu-work/onevalet/core"
)

// InMemoryStorage is a volatile Storage implementation keeping checkpoints in
// process-local maps. It is safe for concurrent access and best suited for
// tests or single-process deployments. Stored and returned checkpoints are
// cloned to preserve immutability against caller mutation.
type InMemoryStorage struct {
	mu      sync.RWMutex
	byID    map[string]*Checkpoint
	byAgent map[string][]string // insertion (save) order, oldest first
	byUser  map[string][]string
}

// NewInMemoryStorage constructs an empty in-memory checkpoint storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		byID:    map[string]*Checkpoint{},
		byAgent: map[string][]string{},
		byUser:  map[string][]string{},
	}
}

// Save stores a clone of cp after validating the parent link.
func (s *InMemoryStorage) Save(_ context.Context, cp *Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.ParentID != "" {
		if _, ok := s.byID[cp.ParentID]; !ok {
			return "", fmt.Errorf("parent %s: %w", cp.ParentID, core.ErrCheckpointNotFound)
		}
	}
	clone := cloneCheckpoint(cp)
	s.byID[clone.ID] = clone
	s.byAgent[clone.AgentID] = append(s.byAgent[clone.AgentID], clone.ID)
	s.byUser[clone.TenantID] = append(s.byUser[clone.TenantID], clone.ID)
	return clone.ID, nil
}

// Get returns a clone of the checkpoint with the given id.
func (s *InMemoryStorage) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrCheckpointNotFound)
	}
	return cloneCheckpoint(cp), nil
}

// Delete removes a single checkpoint, reporting whether it existed.
func (s *InMemoryStorage) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	delete(s.byID, id)
	s.byAgent[cp.AgentID] = removeID(s.byAgent[cp.AgentID], id)
	s.byUser[cp.TenantID] = removeID(s.byUser[cp.TenantID], id)
	return true, nil
}

// ListByAgent returns an agent's checkpoints newest first.
func (s *InMemoryStorage) ListByAgent(_ context.Context, agentID string, limit, offset int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(s.byAgent[agentID], limit, offset), nil
}

// ListByUser returns a tenant's checkpoints newest first.
func (s *InMemoryStorage) ListByUser(_ context.Context, tenantID string, limit, offset int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(s.byUser[tenantID], limit, offset), nil
}

func (s *InMemoryStorage) listLocked(ids []string, limit, offset int) []*Checkpoint {
	out := make([]*Checkpoint, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- { // newest first
		out = append(out, cloneCheckpoint(s.byID[ids[i]]))
	}
	return page(out, limit, offset)
}

// GetLatest returns the most recently saved checkpoint for an agent.
func (s *InMemoryStorage) GetLatest(_ context.Context, agentID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAgent[agentID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, core.ErrCheckpointNotFound)
	}
	return cloneCheckpoint(s.byID[ids[len(ids)-1]]), nil
}

// GetTree rebuilds the derived checkpoint tree for an agent.
func (s *InMemoryStorage) GetTree(ctx context.Context, agentID string) (*Tree, error) {
	cps, err := s.ListByAgent(ctx, agentID, 0, 0)
	if err != nil {
		return nil, err
	}
	return BuildTree(oldestFirst(cps)), nil
}

// ClearAgent removes all of an agent's checkpoints, returning the count.
func (s *InMemoryStorage) ClearAgent(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byAgent[agentID]
	for _, id := range ids {
		cp := s.byID[id]
		delete(s.byID, id)
		s.byUser[cp.TenantID] = removeID(s.byUser[cp.TenantID], id)
	}
	delete(s.byAgent, agentID)
	return len(ids), nil
}

// ClearUser removes all of a tenant's checkpoints, returning the count.
func (s *InMemoryStorage) ClearUser(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[tenantID]
	for _, id := range ids {
		cp := s.byID[id]
		delete(s.byID, id)
		s.byAgent[cp.AgentID] = removeID(s.byAgent[cp.AgentID], id)
	}
	delete(s.byUser, tenantID)
	return len(ids), nil
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	clone := *cp
	clone.CollectedFields = cloneAnyMap(cp.CollectedFields)
	clone.ExecutionState = cloneAnyMap(cp.ExecutionState)
	clone.Context = cloneAnyMap(cp.Context)
	if cp.MessageHistory != nil {
		clone.MessageHistory = make([]core.Message, len(cp.MessageHistory))
		copy(clone.MessageHistory, cp.MessageHistory)
	}
	return &clone
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
