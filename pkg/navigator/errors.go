package navigator

import (
	"errors"
	"fmt"
)

var (
	ErrNoStartLocation = errors.New("workflow has no start location")
	ErrUnknownNode     = errors.New("unknown workflow node")
	ErrNoMatchingFlow  = errors.New("no outgoing flow condition matched")
)

// UnhandledErrorEvent is returned when an error raised inside the workflow
// has no boundary event to catch it.
type UnhandledErrorEvent struct {
	NodeID string
	Code   string
}

func (e *UnhandledErrorEvent) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unhandled error raised at node %s", e.NodeID)
	}

	return fmt.Sprintf("unhandled error %q raised at node %s", e.Code, e.NodeID)
}

func unknownNode(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownNode, id)
}
