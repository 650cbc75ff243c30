package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoyu-work/onevalet/core"
)

// InMemoryBackend keeps pool entries in process-local maps with no TTL;
// entries live for the process lifetime. Suitable for tests and single-node
// deployments that tolerate state loss on restart.
type InMemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // tenantID -> agentID -> entry
}

// NewInMemoryBackend constructs an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{entries: map[string]map[string]*Entry{}}
}

// SaveAgent upserts an entry keyed by (tenant, agent).
func (b *InMemoryBackend) SaveAgent(_ context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tenant, ok := b.entries[entry.TenantID]
	if !ok {
		tenant = map[string]*Entry{}
		b.entries[entry.TenantID] = tenant
	}
	tenant[entry.AgentID] = cloneEntry(entry)
	return nil
}

// GetAgent returns the entry for (tenantID, agentID).
func (b *InMemoryBackend) GetAgent(_ context.Context, tenantID, agentID string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[tenantID][agentID]
	if !ok {
		return nil, fmt.Errorf("tenant %s agent %s: %w", tenantID, agentID, core.ErrAgentNotFound)
	}
	return cloneEntry(entry), nil
}

// ListAgents returns all entries of a tenant.
func (b *InMemoryBackend) ListAgents(_ context.Context, tenantID string) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Entry, 0, len(b.entries[tenantID]))
	for _, e := range b.entries[tenantID] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// RemoveAgent deletes an entry; removing a missing entry is not an error.
func (b *InMemoryBackend) RemoveAgent(_ context.Context, tenantID, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries[tenantID], agentID)
	if len(b.entries[tenantID]) == 0 {
		delete(b.entries, tenantID)
	}
	return nil
}

// ClearTenant removes all entries of a tenant, returning the count.
func (b *InMemoryBackend) ClearTenant(_ context.Context, tenantID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries[tenantID])
	delete(b.entries, tenantID)
	return n, nil
}

// GetActiveTenants returns all tenants with at least one entry.
func (b *InMemoryBackend) GetActiveTenants(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for tenantID := range b.entries {
		out = append(out, tenantID)
	}
	return out, nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	cp.CollectedFields = cloneMap(e.CollectedFields)
	cp.ExecutionState = cloneMap(e.ExecutionState)
	cp.Context = cloneMap(e.Context)
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
