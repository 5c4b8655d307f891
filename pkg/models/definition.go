package models

import "time"

// NodeKind is the top-level category of a workflow graph node.
type NodeKind string

const (
	NodeTask          NodeKind = "task"
	NodeGateway       NodeKind = "gateway"
	NodeEvent         NodeKind = "event"
	NodeSubprocess    NodeKind = "subprocess"
	NodeMultiInstance NodeKind = "multi_instance"
)

type GatewayType string

const (
	GatewayExclusive GatewayType = "exclusive"
	GatewayParallel  GatewayType = "parallel"
	GatewayInclusive GatewayType = "inclusive"
)

type EventType string

const (
	EventStart             EventType = "start"
	EventEnd               EventType = "end"
	EventIntermediateThrow EventType = "intermediate_throw"
	EventIntermediateCatch EventType = "intermediate_catch"
	EventBoundary          EventType = "boundary"
)

// TriggerType is what an event node throws or waits for.
type TriggerType string

const (
	TriggerNone        TriggerType = ""
	TriggerTimer       TriggerType = "timer"
	TriggerMessage     TriggerType = "message"
	TriggerSignal      TriggerType = "signal"
	TriggerError       TriggerType = "error"
	TriggerConditional TriggerType = "conditional"
)

// EventTrigger describes the definition of an event node. Timers use one of
// Duration (Go duration syntax), Date or Cycle (cron expression).
type EventTrigger struct {
	Type      TriggerType `json:"type"                yaml:"type"`
	Name      string      `json:"name,omitempty"      yaml:"name,omitempty"`
	Duration  string      `json:"duration,omitempty"  yaml:"duration,omitempty"`
	Date      *time.Time  `json:"date,omitempty"      yaml:"date,omitempty"`
	Cycle     string      `json:"cycle,omitempty"     yaml:"cycle,omitempty"`
	Condition string      `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// LoopCharacteristics turns an activity into a multi-instance activity.
// Cardinality is an expression yielding a count; Collection names a variable
// holding a list. One of the two is required.
type LoopCharacteristics struct {
	Sequential          bool   `json:"sequential,omitempty"           yaml:"sequential,omitempty"`
	Cardinality         string `json:"cardinality,omitempty"          yaml:"cardinality,omitempty"`
	Collection          string `json:"collection,omitempty"           yaml:"collection,omitempty"`
	ElementVariable     string `json:"element_variable,omitempty"     yaml:"element_variable,omitempty"`
	CompletionCondition string `json:"completion_condition,omitempty" yaml:"completion_condition,omitempty"`
}

// Node is a vertex in a workflow graph. Nodes inside a subprocess carry the
// subprocess id in ParentID; boundary events name their activity in AttachedTo.
type Node struct {
	ID             string               `json:"id"                        yaml:"id"          validate:"required"`
	Name           string               `json:"name,omitempty"            yaml:"name,omitempty"`
	Kind           NodeKind             `json:"kind"                      yaml:"kind"        validate:"required,oneof=task gateway event subprocess multi_instance"`
	GatewayType    GatewayType          `json:"gateway_type,omitempty"    yaml:"gateway_type,omitempty"`
	EventType      EventType            `json:"event_type,omitempty"      yaml:"event_type,omitempty"`
	Trigger        *EventTrigger        `json:"trigger,omitempty"         yaml:"trigger,omitempty"`
	AttachedTo     string               `json:"attached_to,omitempty"     yaml:"attached_to,omitempty"`
	CancelActivity *bool                `json:"cancel_activity,omitempty" yaml:"cancel_activity,omitempty"`
	ParentID       string               `json:"parent_id,omitempty"       yaml:"parent_id,omitempty"`
	Loop           *LoopCharacteristics `json:"loop,omitempty"            yaml:"loop,omitempty"`
	Config         map[string]any       `json:"config,omitempty"          yaml:"config,omitempty"`
}

// Interrupting reports whether a boundary event cancels its activity.
func (n Node) Interrupting() bool {
	return n.CancelActivity == nil || *n.CancelActivity
}

// TriggerType returns the trigger type or TriggerNone.
func (n Node) TriggerType() TriggerType {
	if n.Trigger == nil {
		return TriggerNone
	}

	return n.Trigger.Type
}

// IsMultiInstance reports whether the node expands into several instances.
func (n Node) IsMultiInstance() bool {
	return n.Kind == NodeMultiInstance || (n.Loop != nil && n.Kind == NodeTask)
}

type SequenceFlow struct {
	ID        string `json:"id"                  yaml:"id"        validate:"required"`
	SourceID  string `json:"source_id"           yaml:"source_id" validate:"required"`
	TargetID  string `json:"target_id"           yaml:"target_id" validate:"required"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is an immutable routine version.
type WorkflowDefinition struct {
	ID          string         `json:"id"                    yaml:"id"         validate:"required"`
	RoutineID   string         `json:"routine_id"            yaml:"routine_id" validate:"required"`
	Name        string         `json:"name"                  yaml:"name"`
	Version     string         `json:"version,omitempty"     yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []Node         `json:"nodes"                 yaml:"nodes"      validate:"required,min=1,dive"`
	Flows       []SequenceFlow `json:"flows"                 yaml:"flows"      validate:"dive"`
	CreatedAt   time.Time      `json:"created_at"            yaml:"created_at,omitempty"`
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}

	return nil, false
}
