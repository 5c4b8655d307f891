// Package interceptor decides whether tool calls and outbound events may
// progress. Rules are tool-name globs and event-type patterns.
package interceptor

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
)

type Progression string

const (
	ProgressionContinue Progression = "continue"
	ProgressionBlocked  Progression = "blocked"
)

type Result struct {
	Intercepted bool        `json:"intercepted"`
	Progression Progression `json:"progression"`
	Responses   []string    `json:"responses,omitempty"`
}

func (r Result) Blocked() bool {
	return r.Progression == ProgressionBlocked
}

// Continue is the result of an event nothing objects to.
func Continue() Result {
	return Result{Progression: ProgressionContinue}
}

type Interceptor interface {
	CheckInterception(ctx context.Context, env *events.Envelope, state *models.SwarmState) (Result, error)
}

type Rules struct {
	BlockedTools             []string `mapstructure:"blocked_tools"               yaml:"blocked_tools"`
	BlockedEvents            []string `mapstructure:"blocked_events"              yaml:"blocked_events"`
	BlockWhenBudgetExhausted bool     `mapstructure:"block_when_budget_exhausted" yaml:"block_when_budget_exhausted"`
}

type RuleInterceptor struct {
	tools  []string
	events []events.Pattern
	budget bool
}

func NewRuleInterceptor(rules Rules) (*RuleInterceptor, error) {
	for _, glob := range rules.BlockedTools {
		if !doublestar.ValidatePattern(glob) {
			return nil, fmt.Errorf("invalid blocked tool pattern %q", glob)
		}
	}

	patterns := make([]events.Pattern, 0, len(rules.BlockedEvents))

	for _, p := range rules.BlockedEvents {
		pattern, err := events.NewPattern(p)
		if err != nil {
			return nil, err
		}

		patterns = append(patterns, pattern)
	}

	return &RuleInterceptor{tools: rules.BlockedTools, events: patterns, budget: rules.BlockWhenBudgetExhausted}, nil
}

func (i *RuleInterceptor) CheckInterception(_ context.Context, env *events.Envelope, state *models.SwarmState) (Result, error) {
	toolName := toolNameOf(env)

	if toolName != "" {
		for _, glob := range i.tools {
			if ok, _ := doublestar.Match(glob, toolName); ok {
				return blocked(fmt.Sprintf("tool %s is blocked by policy %s", toolName, glob)), nil
			}
		}

		if i.budget && state != nil && !state.Resources.Remaining.MaxCredits.IsPositive() {
			return blocked(fmt.Sprintf("tool %s blocked: swarm credit budget exhausted", toolName)), nil
		}
	}

	if events.MatchAny(i.events, env.Type) {
		return blocked("event " + env.Type + " is blocked by policy"), nil
	}

	return Continue(), nil
}

// CheckOutbound lets the interceptor gate publication of outbound events.
func (i *RuleInterceptor) CheckOutbound(_ context.Context, env *events.Envelope) (bool, string) {
	for _, p := range i.events {
		if p.Match(env.Type) {
			return false, "event " + env.Type + " is blocked by policy " + p.String()
		}
	}

	return true, ""
}

func blocked(reason string) Result {
	return Result{Intercepted: true, Progression: ProgressionBlocked, Responses: []string{reason}}
}

func toolNameOf(env *events.Envelope) string {
	if name := env.Field(events.KeyToolName); name != "" {
		return name
	}

	if env.Execution != nil && env.Execution.OriginalToolCall != nil {
		return env.Execution.OriginalToolCall.Name
	}

	return ""
}
