package models

import (
	"fmt"
	"time"
)

// Location points at a node of a routine's workflow graph.
type Location struct {
	ID        string `json:"id"`
	RoutineID string `json:"routine_id"`
	NodeID    string `json:"node_id"`
}

// ContinuationKind distinguishes a plain node position from the
// interpreter-internal continuations an AbstractLocation can represent.
type ContinuationKind string

const (
	ContinueAtNode        ContinuationKind = "node"
	WaitingOnTimer        ContinuationKind = "timer_waiting"
	WaitingOnMessage      ContinuationKind = "message_waiting"
	WaitingOnSignal       ContinuationKind = "signal_waiting"
	WaitingOnCondition    ContinuationKind = "conditional_waiting"
	WaitingOnJoin         ContinuationKind = "join_waiting"
	WaitingOnInstances    ContinuationKind = "multi_instance_waiting"
	MultiInstanceInstance ContinuationKind = "multi_instance_instance"
)

// AbstractLocation is a Location plus its continuation kind. ParentNodeID
// is the activity a boundary or instance belongs to, SubprocessID the
// enclosing subprocess scope, EventID the awaited event node and ViaFlowID
// the sequence flow the location was reached through.
type AbstractLocation struct {
	Location
	Kind         ContinuationKind `json:"kind"`
	ParentNodeID string           `json:"parent_node_id,omitempty"`
	SubprocessID string           `json:"subprocess_id,omitempty"`
	EventID      string           `json:"event_id,omitempty"`
	ViaFlowID    string           `json:"via_flow_id,omitempty"`
	Instance     int              `json:"instance,omitempty"`
}

// At returns a plain node continuation for nodeID.
func At(routineID, nodeID string) AbstractLocation {
	return AbstractLocation{
		Location: Location{ID: routineID + ":" + nodeID, RoutineID: routineID, NodeID: nodeID},
		Kind:     ContinueAtNode,
	}
}

// IsWaiting reports whether the location is blocked on something external.
func (l AbstractLocation) IsWaiting() bool {
	switch l.Kind {
	case WaitingOnTimer, WaitingOnMessage, WaitingOnSignal, WaitingOnCondition, WaitingOnJoin, WaitingOnInstances:
		return true
	default:
		return false
	}
}

// Key identifies the location within a run's set of active locations.
func (l AbstractLocation) Key() string {
	if l.Kind == MultiInstanceInstance {
		return fmt.Sprintf("%s#%d", l.NodeID, l.Instance)
	}

	return l.NodeID
}

// FiredEvent records that an awaited message, signal or timer occurred.
type FiredEvent struct {
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload,omitempty"`
	FiredAt time.Time      `json:"fired_at"`
}

// PendingEvent is an event a catch location is waiting on.
type PendingEvent struct {
	Key    string     `json:"key"`
	NodeID string     `json:"node_id"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

type EventsState struct {
	Fired   []FiredEvent   `json:"fired"`
	Pending []PendingEvent `json:"pending"`
}

// JoinState counts branch arrivals at a converging gateway.
type JoinState struct {
	Expected int      `json:"expected"`
	Arrived  []string `json:"arrived"`
}

// SubprocessScope is one entry of the active subprocess stack.
type SubprocessScope struct {
	SubprocessID string    `json:"subprocess_id"`
	EnteredAt    time.Time `json:"entered_at"`
}

// MultiInstanceState tracks instance progress of one multi-instance activity.
type MultiInstanceState struct {
	Total     int   `json:"total"`
	Started   int   `json:"started"`
	Completed []int `json:"completed"`
	Done      bool  `json:"done"`
}

// NavigatorState is the durable part of the navigator's execution context.
type NavigatorState struct {
	Events        EventsState                    `json:"events"`
	Parallel      map[string]*JoinState          `json:"parallel"`
	Subprocesses  []SubprocessScope              `json:"subprocesses"`
	Gateways      map[string][]string            `json:"gateways"`
	MultiInstance map[string]*MultiInstanceState `json:"multi_instance"`
}

func NewNavigatorState() NavigatorState {
	return NavigatorState{
		Events:        EventsState{Fired: []FiredEvent{}, Pending: []PendingEvent{}},
		Parallel:      map[string]*JoinState{},
		Subprocesses:  []SubprocessScope{},
		Gateways:      map[string][]string{},
		MultiInstance: map[string]*MultiInstanceState{},
	}
}
