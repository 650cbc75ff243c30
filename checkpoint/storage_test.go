package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyu-work/onevalet/core"
)

// Interface compliance (compile-time assertions)
var (
	_ Storage = (*InMemoryStorage)(nil)
	_ Storage = (*SQLiteStorage)(nil)
	_ Storage = (*PostgresStorage)(nil)
)

// backends under conformance test. Postgres is exercised against a live
// server in integration environments, not here.
func testBackends(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Storage{
		"in-memory": NewInMemoryStorage(),
		"sqlite":    sqlite,
	}
}

func newTestCheckpoint(agentID, tenantID, parentID string, ts time.Time) *Checkpoint {
	return &Checkpoint{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		AgentType:       "book_flight",
		TenantID:        tenantID,
		Status:          core.StatusCollecting,
		CollectedFields: map[string]any{"destination": "Tokyo"},
		ExecutionState:  map[string]any{},
		Context:         map[string]any{},
		ParentID:        parentID,
		Timestamp:       ts,
	}
}

func TestStorageSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			cp := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
			cp.Message = "book me a flight"
			cp.Result = "where to?"
			cp.MessageHistory = []core.Message{core.UserMessage("book me a flight")}

			id, err := store.Save(ctx, cp)
			require.NoError(t, err)
			require.Equal(t, cp.ID, id)

			got, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, cp.AgentID, got.AgentID)
			assert.Equal(t, cp.Status, got.Status)
			assert.Equal(t, "Tokyo", got.CollectedFields["destination"])
			assert.Equal(t, cp.Message, got.Message)
			require.Len(t, got.MessageHistory, 1)
			assert.Equal(t, core.RoleUser, got.MessageHistory[0].Role)
		})
	}
}

func TestStorageGetUnknownID(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "nope")
			require.ErrorIs(t, err, core.ErrCheckpointNotFound)
		})
	}
}

func TestStorageRejectsUnknownParent(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			cp := newTestCheckpoint("agent-1", "u1", "missing-parent", time.Now().UTC())
			_, err := store.Save(ctx, cp)
			require.ErrorIs(t, err, core.ErrCheckpointNotFound)
		})
	}
}

func TestStorageListOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Minute)
			var ids []string
			parent := ""
			for i := 0; i < 5; i++ {
				cp := newTestCheckpoint("agent-1", "u1", parent, base.Add(time.Duration(i)*time.Second))
				_, err := store.Save(ctx, cp)
				require.NoError(t, err)
				ids = append(ids, cp.ID)
				parent = cp.ID
			}

			all, err := store.ListByAgent(ctx, "agent-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, ids[4], all[0].ID, "newest first")
			assert.Equal(t, ids[0], all[4].ID)

			window, err := store.ListByAgent(ctx, "agent-1", 2, 1)
			require.NoError(t, err)
			require.Len(t, window, 2)
			assert.Equal(t, ids[3], window[0].ID)
			assert.Equal(t, ids[2], window[1].ID)

			byUser, err := store.ListByUser(ctx, "u1", 0, 0)
			require.NoError(t, err)
			assert.Len(t, byUser, 5)

			// A negative offset behaves like zero on every backend.
			clamped, err := store.ListByAgent(ctx, "agent-1", 2, -3)
			require.NoError(t, err)
			require.Len(t, clamped, 2)
			assert.Equal(t, ids[4], clamped[0].ID)

			latest, err := store.GetLatest(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, ids[4], latest.ID)
		})
	}
}

func TestStorageDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			cp := newTestCheckpoint("agent-1", "u1", "", time.Now().UTC())
			_, err := store.Save(ctx, cp)
			require.NoError(t, err)

			ok, err := store.Delete(ctx, cp.ID)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Delete(ctx, cp.ID)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = store.Get(ctx, cp.ID)
			require.ErrorIs(t, err, core.ErrCheckpointNotFound)
		})
	}
}

func TestStorageClear(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			for i := 0; i < 3; i++ {
				_, err := store.Save(ctx, newTestCheckpoint("agent-1", "u1", "", now.Add(time.Duration(i)*time.Millisecond)))
				require.NoError(t, err)
			}
			_, err := store.Save(ctx, newTestCheckpoint("agent-2", "u1", "", now))
			require.NoError(t, err)
			_, err = store.Save(ctx, newTestCheckpoint("agent-3", "u2", "", now))
			require.NoError(t, err)

			n, err := store.ClearAgent(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			n, err = store.ClearUser(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, 1, n, "only agent-2 left under u1")

			remaining, err := store.ListByUser(ctx, "u2", 0, 0)
			require.NoError(t, err)
			assert.Len(t, remaining, 1)
		})
	}
}

func TestStorageGetTree(t *testing.T) {
	ctx := context.Background()
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Minute)
			root := newTestCheckpoint("agent-1", "u1", "", base)
			mid := newTestCheckpoint("agent-1", "u1", root.ID, base.Add(time.Second))
			branchA := newTestCheckpoint("agent-1", "u1", mid.ID, base.Add(2*time.Second))
			branchB := newTestCheckpoint("agent-1", "u1", mid.ID, base.Add(3*time.Second))
			for _, cp := range []*Checkpoint{root, mid, branchA, branchB} {
				_, err := store.Save(ctx, cp)
				require.NoError(t, err)
			}

			tree, err := store.GetTree(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, root.ID, tree.RootID)
			assert.Len(t, tree.Nodes, 4)
			assert.Equal(t, []string{branchA.ID, branchB.ID}, tree.Branches(mid.ID))
			assert.ElementsMatch(t, []string{branchA.ID, branchB.ID}, tree.LeafNodes())
		})
	}
}
