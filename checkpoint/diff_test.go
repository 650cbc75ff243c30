package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/core"
)

func TestDiffFields(t *testing.T) {
	c1 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	c1.CollectedFields = map[string]any{"name": "Alice"}
	c2 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	c2.CollectedFields = map[string]any{"name": "Bob", "age": 30}

	d := Diff(c1, c2)
	require.Len(t, d.FieldsModified, 1)
	assert.Equal(t, FieldChange{Old: "Alice", New: "Bob"}, d.FieldsModified["name"])
	assert.Equal(t, map[string]any{"age": 30}, d.FieldsAdded)
	assert.Empty(t, d.FieldsRemoved)
}

func TestDiffRemovedAndStatus(t *testing.T) {
	c1 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	c1.Status = core.StatusCollecting
	c1.CollectedFields = map[string]any{"seat": "12A"}
	c2 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	c2.Status = core.StatusExecuting
	c2.CollectedFields = map[string]any{}

	d := Diff(c1, c2)
	assert.True(t, d.StatusChanged)
	assert.Equal(t, core.StatusCollecting, d.OldStatus)
	assert.Equal(t, core.StatusExecuting, d.NewStatus)
	assert.Equal(t, map[string]any{"seat": "12A"}, d.FieldsRemoved)
}

func TestDiffExecutionState(t *testing.T) {
	c1 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	c2 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	assert.False(t, Diff(c1, c2).ExecutionStateChanged)

	c2.ExecutionState = map[string]any{"step": 2}
	assert.True(t, Diff(c1, c2).ExecutionStateChanged)
}

func TestDiffIdentical(t *testing.T) {
	c1 := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
	d := Diff(c1, c1)
	assert.False(t, d.StatusChanged)
	assert.Empty(t, d.FieldsAdded)
	assert.Empty(t, d.FieldsRemoved)
	assert.Empty(t, d.FieldsModified)
	assert.False(t, d.ExecutionStateChanged)
}
