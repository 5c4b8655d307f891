// Package testutil provides test data builders shared by package tests.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukex/swarmflow/pkg/models"
)

// Definition builds a workflow definition with the given nodes and flows.
func Definition(routineID string, nodes []models.Node, flows ...models.SequenceFlow) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:        routineID + "-v1",
		RoutineID: routineID,
		Name:      "Test " + routineID,
		Version:   "1",
		Nodes:     nodes,
		Flows:     flows,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Linear builds start -> task -> end.
func Linear(routineID string) *models.WorkflowDefinition {
	return Definition(routineID,
		[]models.Node{StartEvent("start"), Task("task"), EndEvent("end")},
		Flow("start", "task"),
		Flow("task", "end"),
	)
}

func StartEvent(id string, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeEvent, EventType: models.EventStart}, overrides)
}

func EndEvent(id string, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeEvent, EventType: models.EventEnd}, overrides)
}

func Task(id string, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Name: id, Kind: models.NodeTask}, overrides)
}

func Gateway(id string, gatewayType models.GatewayType, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeGateway, GatewayType: gatewayType}, overrides)
}

func Subprocess(id string, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeSubprocess}, overrides)
}

func CatchEvent(id string, trigger models.EventTrigger, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeEvent, EventType: models.EventIntermediateCatch, Trigger: &trigger}, overrides)
}

func ThrowEvent(id string, trigger models.EventTrigger, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{ID: id, Kind: models.NodeEvent, EventType: models.EventIntermediateThrow, Trigger: &trigger}, overrides)
}

func BoundaryEvent(id, attachedTo string, trigger models.EventTrigger, interrupting bool, overrides ...func(*models.Node)) models.Node {
	return node(models.Node{
		ID:             id,
		Kind:           models.NodeEvent,
		EventType:      models.EventBoundary,
		AttachedTo:     attachedTo,
		Trigger:        &trigger,
		CancelActivity: &interrupting,
	}, overrides)
}

// InScope places the node inside a subprocess.
func InScope(subprocessID string) func(*models.Node) {
	return func(n *models.Node) {
		n.ParentID = subprocessID
	}
}

func WithLoop(loop models.LoopCharacteristics) func(*models.Node) {
	return func(n *models.Node) {
		n.Loop = &loop
	}
}

func WithConfig(config map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Config = config
	}
}

func WithTrigger(trigger models.EventTrigger) func(*models.Node) {
	return func(n *models.Node) {
		n.Trigger = &trigger
	}
}

// Flow builds a sequence flow with id "<source>-><target>".
func Flow(source, target string, condition ...string) models.SequenceFlow {
	flow := models.SequenceFlow{ID: source + "->" + target, SourceID: source, TargetID: target}
	if len(condition) > 0 {
		flow.Condition = condition[0]
	}

	return flow
}

func node(n models.Node, overrides []func(*models.Node)) models.Node {
	for _, override := range overrides {
		override(&n)
	}

	return n
}

// Budget builds a resource budget.
func Budget(credits string, durationMs, memoryMB, steps int64) models.ResourceBudget {
	return models.ResourceBudget{
		MaxCredits:    decimal.RequireFromString(credits),
		MaxDurationMs: durationMs,
		MaxMemoryMB:   memoryMB,
		MaxSteps:      steps,
	}
}

// SwarmState builds a swarm record with a generous budget.
func SwarmState(swarmID string, overrides ...func(*models.SwarmState)) *models.SwarmState {
	state := models.NewSwarmState(swarmID, "u1", models.ChatConfig{Goal: "Test goal"},
		Budget("100", 3_600_000, 4096, 1000), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	for _, override := range overrides {
		override(state)
	}

	return state
}
