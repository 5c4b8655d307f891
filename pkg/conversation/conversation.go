// Package conversation is the client side of the external conversation
// engine that drives the agents of a swarm.
package conversation

import (
	"context"

	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
)

type TriggerType string

const (
	TriggerStart       TriggerType = "start"
	TriggerUserMessage TriggerType = "user_message"
	TriggerContinue    TriggerType = "continue"
)

type Strategy string

const (
	StrategyConversational Strategy = "conversational"
	StrategyReasoning      Strategy = "reasoning"
)

type Trigger struct {
	Type      TriggerType      `json:"type"`
	Message   string           `json:"message,omitempty"`
	LastEvent *events.Envelope `json:"last_event,omitempty"`
}

// Context is the view of a swarm handed to the engine.
type Context struct {
	SwarmID string             `json:"swarm_id"`
	UserID  string             `json:"user_id,omitempty"`
	State   *models.SwarmState `json:"state"`
}

type Request struct {
	Context  Context  `json:"context"`
	Trigger  Trigger  `json:"trigger"`
	Strategy Strategy `json:"strategy"`
}

type Message struct {
	Role    string `json:"role"`
	AgentID string `json:"agent_id,omitempty"`
	Content string `json:"content"`
}

type Result struct {
	Success     bool              `json:"success"`
	Messages    []Message         `json:"messages,omitempty"`
	SharedState models.Blackboard `json:"shared_state,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Engine runs one conversation turn. Transport failures are returned as
// errors; failures reported by the engine come back with Success false.
type Engine interface {
	OrchestrateConversation(ctx context.Context, req Request) (*Result, error)
}
