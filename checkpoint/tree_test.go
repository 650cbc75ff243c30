package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain builds root -> c1 -> c2 -> ... with one branch off c1.
func buildTestTree(t *testing.T) (*Tree, []*Checkpoint) {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	root := newTestCheckpoint("agent-1", "u1", "", base)
	c1 := newTestCheckpoint("agent-1", "u1", root.ID, base.Add(time.Second))
	c2 := newTestCheckpoint("agent-1", "u1", c1.ID, base.Add(2*time.Second))
	c3 := newTestCheckpoint("agent-1", "u1", c2.ID, base.Add(3*time.Second))
	branch := newTestCheckpoint("agent-1", "u1", c1.ID, base.Add(4*time.Second))
	branch.BranchLabel = "replay"

	cps := []*Checkpoint{root, c1, c2, c3, branch}
	return BuildTree(cps), cps
}

func TestPathToRootEndsAtRoot(t *testing.T) {
	tree, cps := buildTestTree(t)
	root, c3 := cps[0], cps[3]

	path := tree.PathToRoot(c3.ID)
	require.NotEmpty(t, path)
	assert.Equal(t, c3.ID, path[0], "path is leaf to root")
	assert.Equal(t, root.ID, path[len(path)-1])
	assert.Equal(t, tree.RootID, path[len(path)-1])
}

func TestDepthMatchesPathLength(t *testing.T) {
	tree, cps := buildTestTree(t)
	for _, cp := range cps {
		path := tree.PathToRoot(cp.ID)
		assert.Equal(t, len(path)-1, tree.Depth(cp.ID))
	}
	assert.Equal(t, 0, tree.Depth(tree.RootID))
	assert.Equal(t, -1, tree.Depth("unknown"))
}

func TestBranchesAndLeaves(t *testing.T) {
	tree, cps := buildTestTree(t)
	root, c1, c2, c3, branch := cps[0], cps[1], cps[2], cps[3], cps[4]

	assert.Equal(t, []string{c1.ID}, tree.Branches(root.ID))
	assert.Equal(t, []string{c2.ID, branch.ID}, tree.Branches(c1.ID))
	assert.Empty(t, tree.Branches(c3.ID))

	assert.Equal(t, []string{c3.ID, branch.ID}, tree.LeafNodes())
	assert.Equal(t, "replay", tree.Nodes[branch.ID].BranchLabel)
}

func TestBuildTreeEmpty(t *testing.T) {
	tree := BuildTree(nil)
	assert.Empty(t, tree.RootID)
	assert.Empty(t, tree.Nodes)
	assert.Nil(t, tree.PathToRoot("anything"))
}

func TestBuildTreeRootIsOldest(t *testing.T) {
	base := time.Now().UTC()
	newer := newTestCheckpoint("agent-1", "u1", "", base.Add(time.Second))
	older := newTestCheckpoint("agent-1", "u1", "", base)

	// order of the input slice must not matter
	tree := BuildTree([]*Checkpoint{newer, older})
	assert.Equal(t, older.ID, tree.RootID)
}
