package events

import "errors"

var (
	ErrMissingType    = errors.New("event type is required")
	ErrInvalidPattern = errors.New("invalid event pattern")
)
