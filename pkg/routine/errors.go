package routine

import (
	"errors"
	"fmt"

	"github.com/dukex/swarmflow/pkg/models"
)

var (
	ErrNotResumable       = errors.New("run is not resumable")
	ErrAllocationFailed   = errors.New("resource allocation failed")
	ErrNotInitialized     = errors.New("routine is not initialized")
	ErrNavigationOverflow = errors.New("navigation did not settle")
	ErrResourceLimit      = errors.New("resource limit exceeded")
)

// ResourceAllocationError is returned when the parent swarm cannot grant the
// routine its budget.
type ResourceAllocationError struct {
	SwarmID string
	RunID   string
	Err     error
}

func (e *ResourceAllocationError) Error() string {
	return fmt.Sprintf("failed to allocate resources for run %s from swarm %s: %v", e.RunID, e.SwarmID, e.Err)
}

func (e *ResourceAllocationError) Unwrap() error {
	return e.Err
}

func (e *ResourceAllocationError) Is(target error) bool {
	return target == ErrAllocationFailed
}

// ResumptionError is returned when a persisted run cannot be resumed.
type ResumptionError struct {
	RunID  string
	Status models.RunStatus
	Err    error
}

func (e *ResumptionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("cannot resume run %s in status %s: %v", e.RunID, e.Status, e.Err)
	}

	return fmt.Sprintf("cannot resume run %s: %v", e.RunID, e.Err)
}

func (e *ResumptionError) Unwrap() error {
	return e.Err
}
