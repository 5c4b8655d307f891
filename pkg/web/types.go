// Package web provides HTTP request and response types for the operational API.
package web

import (
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
)

// UserDataRequest identifies the user a swarm acts for.
type UserDataRequest struct {
	ID string `json:"id" validate:"required"`
}

// StartSwarmRequest is the body of POST /swarms. It is forwarded as the
// payload of swarm/start/requested.
type StartSwarmRequest struct {
	SwarmID  string                 `json:"swarmId,omitempty"`
	ChatID   string                 `json:"chatId,omitempty"`
	Goal     string                 `json:"goal,omitempty"   validate:"required_without=ChatID"`
	UserData UserDataRequest        `json:"userData"`
	Agents   []string               `json:"agents,omitempty"`
	Budget   *models.ResourceBudget `json:"budget,omitempty"`
}

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	RoutineVersionID string         `json:"routineVersionId"      validate:"required"`
	SwarmID          string         `json:"swarmId,omitempty"`
	RunID            string         `json:"runId,omitempty"`
	ResumeRunID      string         `json:"resumeRunId,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
}

// PublishEventRequest is the body of POST /events.
type PublishEventRequest struct {
	Type          string                   `json:"type"                     validate:"required,excludes=*"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
	Source        string                   `json:"source,omitempty"`
	Data          map[string]any           `json:"data,omitempty"`
	Execution     *events.ExecutionContext `json:"execution,omitempty"`
}

// AcceptedResponse acknowledges a command that was published to the bus.
type AcceptedResponse struct {
	EventID string `json:"eventId"`
	SwarmID string `json:"swarmId,omitempty"`
	RunID   string `json:"runId,omitempty"`
}

// RunResponse is a run record with its execution context when one exists.
type RunResponse struct {
	Run     *models.RunRecord           `json:"run"`
	Context *models.RunExecutionContext `json:"context,omitempty"`
}

// DefinitionSummary is the list entry for a workflow definition.
type DefinitionSummary struct {
	ID        string `json:"id"`
	RoutineID string `json:"routine_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	Nodes     int    `json:"nodes"`
}
