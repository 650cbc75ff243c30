package core

import "errors"

// Sentinel errors shared across subsystem boundaries. Callers classify with
// errors.Is so wrapped variants keep their meaning through fmt.Errorf chains.
var (
	// ErrCheckpointNotFound is returned by checkpoint storage lookups for
	// unknown ids. Replay and restore callers treat it as a typed result,
	// never a crash.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrAgentNotFound is returned by pool lookups for unknown (tenant, agent) pairs.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUnknownAgentType is returned when no factory or schema is registered
	// for a requested agent type.
	ErrUnknownAgentType = errors.New("unknown agent type")
)
