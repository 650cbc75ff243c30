package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalQueueQueueAndPending(t *testing.T) {
	q := NewApprovalQueue()
	assert.Empty(t, q.Pending("tenant-1"))

	a1 := q.Queue("tenant-1", "agent-1", "payment_agent", "Pay 50 euro?", nil)
	a2 := q.Queue("tenant-1", "agent-2", "booking_agent", "Book it?", map[string]any{"date": "March 3rd"})
	q.Queue("tenant-2", "agent-3", "payment_agent", "Pay 10 euro?", nil)

	pending := q.Pending("tenant-1")
	require.Len(t, pending, 2)
	assert.Equal(t, a1.ID, pending[0].ID)
	assert.Equal(t, a2.ID, pending[1].ID)
	assert.Len(t, q.Pending("tenant-2"), 1)
}

func TestApprovalQueueTake(t *testing.T) {
	q := NewApprovalQueue()
	a1 := q.Queue("tenant-1", "agent-1", "payment_agent", "Pay?", nil)
	a2 := q.Queue("tenant-1", "agent-2", "booking_agent", "Book?", nil)

	taken, err := q.Take("tenant-1", a1.ID)
	require.NoError(t, err)
	assert.Equal(t, a1.ID, taken.ID)
	assert.Equal(t, "agent-1", taken.AgentID)

	pending := q.Pending("tenant-1")
	require.Len(t, pending, 1)
	assert.Equal(t, a2.ID, pending[0].ID)

	// Taking twice fails.
	_, err = q.Take("tenant-1", a1.ID)
	assert.Error(t, err)

	// Wrong tenant cannot take another tenant's approval.
	_, err = q.Take("tenant-2", a2.ID)
	assert.Error(t, err)
}

func TestApprovalQueueClearAgent(t *testing.T) {
	q := NewApprovalQueue()
	q.Queue("tenant-1", "agent-1", "payment_agent", "Pay?", nil)
	q.Queue("tenant-1", "agent-1", "payment_agent", "Pay again?", nil)
	kept := q.Queue("tenant-1", "agent-2", "booking_agent", "Book?", nil)

	removed := q.ClearAgent("tenant-1", "agent-1")
	assert.Equal(t, 2, removed)

	pending := q.Pending("tenant-1")
	require.Len(t, pending, 1)
	assert.Equal(t, kept.ID, pending[0].ID)

	assert.Equal(t, 0, q.ClearAgent("tenant-1", "agent-1"))
}
