// Package models defines the domain types shared by the swarm and routine
// state machines, the workflow navigator and the persistence layer.
package models

// ExecutionState is the lifecycle state of a swarm or routine instance.
type ExecutionState string

const (
	StateUninitialized ExecutionState = "UNINITIALIZED"
	StateLoading       ExecutionState = "LOADING"
	StateConfiguring   ExecutionState = "CONFIGURING"
	StateReady         ExecutionState = "READY"
	StateRunning       ExecutionState = "RUNNING"
	StatePaused        ExecutionState = "PAUSED"
	StateSuspended     ExecutionState = "SUSPENDED"
	StateCompleted     ExecutionState = "COMPLETED"
	StateFailed        ExecutionState = "FAILED"
	StateCancelled     ExecutionState = "CANCELLED"
)

// AllExecutionStates lists every state in declaration order.
var AllExecutionStates = []ExecutionState{
	StateUninitialized,
	StateLoading,
	StateConfiguring,
	StateReady,
	StateRunning,
	StatePaused,
	StateSuspended,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// IsTerminal reports whether no transition may leave s.
func (s ExecutionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsStable reports whether s is a resting state an instance may revert to
// after a non-fatal processing error.
func (s ExecutionState) IsStable() bool {
	return s == StateReady || s == StatePaused || s == StateSuspended
}

func (s ExecutionState) String() string {
	return string(s)
}

// Transitions is an allowed-transition table keyed by source state.
type Transitions map[ExecutionState][]ExecutionState

// Allows reports whether from -> to is present in the table.
func (t Transitions) Allows(from, to ExecutionState) bool {
	for _, allowed := range t[from] {
		if allowed == to {
			return true
		}
	}

	return false
}
