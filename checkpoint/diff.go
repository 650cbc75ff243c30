package checkpoint

import (
	"reflect"

	"github.com/xiaoyu-work/onevalet/core"
)

// FieldChange records an old/new value pair for a modified collected field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// DiffResult summarizes what changed between two checkpoints of the same agent.
type DiffResult struct {
	StatusChanged         bool                   `json:"status_changed"`
	OldStatus             core.AgentStatus       `json:"old_status,omitempty"`
	NewStatus             core.AgentStatus       `json:"new_status,omitempty"`
	FieldsAdded           map[string]any         `json:"fields_added"`
	FieldsRemoved         map[string]any         `json:"fields_removed"`
	FieldsModified        map[string]FieldChange `json:"fields_modified"`
	ExecutionStateChanged bool                   `json:"execution_state_changed"`
}

// Diff compares checkpoint a (older) against b (newer). Collected fields are
// diffed by set difference plus value comparison; execution state collapses
// to a single changed/unchanged flag.
func Diff(a, b *Checkpoint) *DiffResult {
	res := &DiffResult{
		FieldsAdded:    map[string]any{},
		FieldsRemoved:  map[string]any{},
		FieldsModified: map[string]FieldChange{},
	}

	if a.Status != b.Status {
		res.StatusChanged = true
		res.OldStatus = a.Status
		res.NewStatus = b.Status
	}

	for k, newVal := range b.CollectedFields {
		oldVal, ok := a.CollectedFields[k]
		switch {
		case !ok:
			res.FieldsAdded[k] = newVal
		case !reflect.DeepEqual(oldVal, newVal):
			res.FieldsModified[k] = FieldChange{Old: oldVal, New: newVal}
		}
	}
	for k, oldVal := range a.CollectedFields {
		if _, ok := b.CollectedFields[k]; !ok {
			res.FieldsRemoved[k] = oldVal
		}
	}

	res.ExecutionStateChanged = !reflect.DeepEqual(a.ExecutionState, b.ExecutionState)
	return res
}
