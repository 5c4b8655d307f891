// Package statemachine is the generic runtime shared by swarm and routine
// instances: a per-instance FIFO queue drained by one goroutine at a time,
// a validated transition table and the pause/resume/stop lifecycle.
package statemachine

import (
	"context"

	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/models"
)

// Machine is implemented by concrete state machines. Base calls it from the
// drain goroutine only, one event at a time.
type Machine interface {
	EventPatterns() []events.Pattern
	ShouldHandleEvent(env *events.Envelope) bool
	ProcessEvent(ctx context.Context, env *events.Envelope) error
	IsErrorFatal(err error, env *events.Envelope) bool
	Transitions() models.Transitions
}

// The hooks below are optional; Base checks for them with a type assertion.

type IdleHook interface {
	OnIdle(ctx context.Context)
}

type PauseHook interface {
	OnPause(ctx context.Context) error
}

type ResumeHook interface {
	OnResume(ctx context.Context) error
}

// StopHook returns the summary reported as the stop result.
type StopHook interface {
	OnStop(ctx context.Context, opts StopOptions) (map[string]any, error)
}

// FatalErrorHandler replaces the default FAILED transition on fatal errors.
type FatalErrorHandler interface {
	OnFatalError(ctx context.Context, err error, env *events.Envelope)
}

// StatePersister stores the new state after every accepted transition.
type StatePersister interface {
	PersistState(ctx context.Context, from, to models.ExecutionState) error
}

type StopMode string

const (
	StopGraceful StopMode = "graceful"
	StopForce    StopMode = "force"
)

type StopOptions struct {
	Mode   StopMode `json:"mode"`
	Reason string   `json:"reason"`
}

type StopResult struct {
	Success         bool                  `json:"success"`
	FinalState      models.ExecutionState `json:"final_state"`
	AlreadyTerminal bool                  `json:"already_terminal,omitempty"`
	Summary         map[string]any        `json:"summary,omitempty"`
}
