package checkpoint

import (
	"sort"
	"time"

	"github.com/xiaoyu-work/onevalet/core"
)

// Node is the tree-level metadata of one checkpoint. The full snapshot stays
// in storage; the tree only carries what navigation and display need.
type Node struct {
	ID          string           `json:"id"`
	ParentID    string           `json:"parent_checkpoint_id,omitempty"`
	Status      core.AgentStatus `json:"status"`
	BranchLabel string           `json:"branch_label,omitempty"`
	Message     string           `json:"message,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Tree is a derived, in-memory view over one agent's checkpoint set. It is
// rebuilt from storage on demand and never persisted itself.
type Tree struct {
	RootID   string              `json:"root_id"`
	Nodes    map[string]Node     `json:"nodes"`
	Children map[string][]string `json:"children"`
}

// BuildTree assembles a Tree from an agent's checkpoints. The root is the
// oldest checkpoint; children lists are ordered oldest first. Checkpoints
// whose parent is absent from the set (beyond the root) are attached as
// additional roots' children of nothing — they simply have no path to RootID.
func BuildTree(cps []*Checkpoint) *Tree {
	t := &Tree{Nodes: map[string]Node{}, Children: map[string][]string{}}
	if len(cps) == 0 {
		return t
	}

	ordered := make([]*Checkpoint, len(cps))
	copy(ordered, cps)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	t.RootID = ordered[0].ID
	for _, cp := range ordered {
		t.Nodes[cp.ID] = Node{
			ID:          cp.ID,
			ParentID:    cp.ParentID,
			Status:      cp.Status,
			BranchLabel: cp.BranchLabel,
			Message:     cp.Message,
			Timestamp:   cp.Timestamp,
		}
		if cp.ParentID != "" {
			t.Children[cp.ParentID] = append(t.Children[cp.ParentID], cp.ID)
		}
	}
	return t
}

// PathToRoot walks parent links from id to the root, inclusive, ordered
// leaf to root. Returns nil when id is unknown.
func (t *Tree) PathToRoot(id string) []string {
	node, ok := t.Nodes[id]
	if !ok {
		return nil
	}
	path := []string{node.ID}
	for node.ParentID != "" {
		parent, ok := t.Nodes[node.ParentID]
		if !ok {
			break
		}
		path = append(path, parent.ID)
		node = parent
	}
	return path
}

// Branches returns the direct children of id, oldest first.
func (t *Tree) Branches(id string) []string {
	children := t.Children[id]
	out := make([]string, len(children))
	copy(out, children)
	return out
}

// LeafNodes returns the ids of all checkpoints without children, oldest first.
func (t *Tree) LeafNodes() []string {
	var leaves []string
	for id := range t.Nodes {
		if len(t.Children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		ni, nj := t.Nodes[leaves[i]], t.Nodes[leaves[j]]
		if ni.Timestamp.Equal(nj.Timestamp) {
			return leaves[i] < leaves[j]
		}
		return ni.Timestamp.Before(nj.Timestamp)
	})
	return leaves
}

// Depth is the number of edges between id and the root. The root has depth 0;
// an unknown id has depth -1.
func (t *Tree) Depth(id string) int {
	return len(t.PathToRoot(id)) - 1
}
