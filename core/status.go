package core

import "fmt"

// AgentStatus is the closed set of lifecycle states an agent instance moves
// through. Transitions are validated by CanTransition / Transition; string
// comparison against raw status values is deliberately not supported anywhere
// else in the runtime.
type AgentStatus string

const (
	// StatusCreated is the initial state of a freshly constructed instance.
	StatusCreated AgentStatus = "created"
	// StatusCollecting indicates the agent is gathering required fields.
	StatusCollecting AgentStatus = "collecting"
	// StatusWaitingForInput indicates the agent paused for a user reply.
	StatusWaitingForInput AgentStatus = "waiting_for_input"
	// StatusWaitingForApproval indicates the agent paused for an approval decision.
	StatusWaitingForApproval AgentStatus = "waiting_for_approval"
	// StatusExecuting indicates the agent is running its business action.
	StatusExecuting AgentStatus = "executing"
	// StatusCompleted is the terminal success state.
	StatusCompleted AgentStatus = "completed"
	// StatusFailed is the terminal failure state.
	StatusFailed AgentStatus = "failed"
	// StatusCancelled is the terminal state for an explicitly abandoned agent.
	StatusCancelled AgentStatus = "cancelled"
)

// transitions is the exhaustive adjacency table of the agent state machine.
// Terminal states have no outgoing edges.
var transitions = map[AgentStatus][]AgentStatus{
	StatusCreated: {
		StatusCollecting, StatusWaitingForInput, StatusWaitingForApproval,
		StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusCollecting: {
		StatusCollecting, StatusWaitingForInput, StatusWaitingForApproval,
		StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusWaitingForInput: {
		StatusCollecting, StatusWaitingForApproval, StatusExecuting,
		StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusWaitingForApproval: {
		StatusCollecting, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled,
	},
	StatusExecuting: {
		StatusExecuting, StatusWaitingForInput, StatusWaitingForApproval,
		StatusCompleted, StatusFailed,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsWaiting reports whether the agent is paused awaiting external input.
func (s AgentStatus) IsWaiting() bool {
	return s == StatusWaitingForInput || s == StatusWaitingForApproval
}

// Valid reports whether s is a member of the closed status set.
func (s AgentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine permits moving from s to next.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// StatusTransitionError reports an attempted transition outside the state machine.
type StatusTransitionError struct {
	From AgentStatus
	To   AgentStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
