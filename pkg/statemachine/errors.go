package statemachine

import (
	"errors"
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminal          = errors.New("instance is in a terminal state")
)

// InvalidTransitionError is returned when a transition is not in the
// machine's table. The instance state is left untouched.
type InvalidTransitionError struct {
	Machine string
	From    models.ExecutionState
	To      models.ExecutionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s", e.Machine, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
