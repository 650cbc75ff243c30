package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/core"
)

func TestRecorderChainsParents(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(NewInMemoryStorage(), nil)
	inst := core.NewAgentInstance("book_flight", "u1")

	first, err := rec.Record(ctx, inst, "book a flight", "where to?", nil)
	require.NoError(t, err)

	inst.CollectedFields["destination"] = "Tokyo"
	require.NoError(t, inst.Transition(core.StatusCollecting))
	second, err := rec.Record(ctx, inst, "Tokyo", "when?", nil)
	require.NoError(t, err)

	cp, err := rec.Storage().Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first, cp.ParentID)

	root, err := rec.Storage().Get(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, root.ParentID, "first checkpoint has no parent")
	assert.Equal(t, second, rec.LastID(inst.ID))
}

func TestRecorderRestoreBranches(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(NewInMemoryStorage(), nil)
	inst := core.NewAgentInstance("book_flight", "u1")

	first, err := rec.Record(ctx, inst, "m1", "", nil)
	require.NoError(t, err)
	_, err = rec.Record(ctx, inst, "m2", "", nil)
	require.NoError(t, err)

	// replay from the first checkpoint
	restored, err := rec.Restore(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, restored.ID)
	assert.Equal(t, first, rec.LastID(inst.ID))

	branchID, err := rec.RecordBranch(ctx, restored, "m2-alt", "", nil, "replay")
	require.NoError(t, err)

	cp, err := rec.Storage().Get(ctx, branchID)
	require.NoError(t, err)
	assert.Equal(t, first, cp.ParentID, "branch forks off the restored checkpoint")
	assert.Equal(t, "replay", cp.BranchLabel)

	tree, err := rec.Storage().GetTree(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, tree.Branches(first), 2)
}

func TestRecorderRestoreUnknown(t *testing.T) {
	rec := NewRecorder(NewInMemoryStorage(), nil)
	_, err := rec.Restore(context.Background(), "missing")
	require.ErrorIs(t, err, core.ErrCheckpointNotFound)
}

func TestRecorderClearAgent(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(NewInMemoryStorage(), nil)
	inst := core.NewAgentInstance("book_flight", "u1")

	_, err := rec.Record(ctx, inst, "m1", "", nil)
	require.NoError(t, err)
	_, err = rec.Record(ctx, inst, "m2", "", nil)
	require.NoError(t, err)

	n, err := rec.ClearAgent(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, rec.LastID(inst.ID))

	// a fresh save after clear starts a new root
	id, err := rec.Record(ctx, inst, "m3", "", nil)
	require.NoError(t, err)
	cp, err := rec.Storage().Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, cp.ParentID)
}
