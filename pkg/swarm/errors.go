package swarm

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrAlreadyStarted = errors.New("swarm already started")
	ErrContextMissing = errors.New("swarm context not found")
	ErrNoLeader       = errors.New("no leader bot configured")
)

// ConversationError is a turn the conversation engine reported as failed.
type ConversationError struct {
	Message string
}

func (e *ConversationError) Error() string {
	return "conversation engine failed: " + e.Message
}

var (
	transientMarkers = []string{
		"econnrefused",
		"connection refused",
		"connection reset",
		"etimedout",
		"timeout",
		"temporarily unavailable",
		"no such host",
	}
	configurationMarkers = []string{
		"no leader bot configured",
		"not configured",
		"missing required config",
		"invalid configuration",
	}
)

// isFatal classifies processing errors. Network failures are retryable,
// configuration failures are not and anything unknown is treated as
// retryable.
func isFatal(err error) bool {
	if errors.Is(err, ErrContextMissing) || errors.Is(err, ErrNoLeader) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	for _, marker := range configurationMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
