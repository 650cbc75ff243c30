package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingApproval is a queued request for a human decision, created when a
// sub-agent pauses in waiting_for_approval.
type PendingApproval struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id"`
	AgentType string         `json:"agent_type"`
	Prompt    string         `json:"prompt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ApprovalQueue is the in-process registry of pending approvals, keyed by
// tenant. It only tracks the requests; resuming the paused agent after a
// decision is the orchestrator's job.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string][]*PendingApproval // tenantID -> FIFO
}

// NewApprovalQueue constructs an empty queue.
func NewApprovalQueue() *ApprovalQueue {
	return &ApprovalQueue{pending: map[string][]*PendingApproval{}}
}

// Queue registers a pending approval and returns it with its assigned id.
func (q *ApprovalQueue) Queue(tenantID, agentID, agentType, prompt string, metadata map[string]any) *PendingApproval {
	approval := &PendingApproval{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentID:   agentID,
		AgentType: agentType,
		Prompt:    prompt,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.pending[tenantID] = append(q.pending[tenantID], approval)
	q.mu.Unlock()
	return approval
}

// Pending returns a tenant's queued approvals, oldest first.
func (q *ApprovalQueue) Pending(tenantID string) []*PendingApproval {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*PendingApproval(nil), q.pending[tenantID]...)
}

// Take removes and returns the approval with the given id.
func (q *ApprovalQueue) Take(tenantID, approvalID string) (*PendingApproval, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.pending[tenantID]
	for i, approval := range queue {
		if approval.ID != approvalID {
			continue
		}
		q.pending[tenantID] = append(queue[:i:i], queue[i+1:]...)
		if len(q.pending[tenantID]) == 0 {
			delete(q.pending, tenantID)
		}
		return approval, nil
	}
	return nil, fmt.Errorf("approval %s not found for tenant %s", approvalID, tenantID)
}

// ClearAgent drops all approvals queued for one agent, used when the agent
// reaches a terminal state without a decision.
func (q *ApprovalQueue) ClearAgent(tenantID, agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.pending[tenantID]
	kept := queue[:0]
	removed := 0
	for _, approval := range queue {
		if approval.AgentID == agentID {
			removed++
			continue
		}
		kept = append(kept, approval)
	}
	if len(kept) == 0 {
		delete(q.pending, tenantID)
	} else {
		q.pending[tenantID] = kept
	}
	return removed
}
