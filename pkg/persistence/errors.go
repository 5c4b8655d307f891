package persistence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrRunContextNotFound = errors.New("run context not found")
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrChatConfigNotFound = errors.New("chat config not found")
	ErrInvalidID          = errors.New("invalid identifier")
)

// PersistenceError wraps a storage failure with the operation and record it concerns.
type PersistenceError struct {
	Op     string // e.g. "SaveRun", "RunContext"
	Entity string // e.g. "run", "definition"
	ID     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewError(op, entity, id string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Entity: entity, ID: id, Err: err}
}

// ValidateID rejects identifiers that cannot safely name a file or row.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q contains path characters", ErrInvalidID, id)
	}

	return nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrRunContextNotFound) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrChatConfigNotFound)
}
