// Package eventbus provides event-driven communication between swarms, routines and external producers.
package eventbus

import (
	"context"

	"github.com/dukex/swarmflow/pkg/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, key string, env *events.Envelope) error
}

type EventSubscriber interface {
	Handle(pattern events.Pattern, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives every envelope whose type matches the pattern it was registered with.
type EventHandler func(ctx context.Context, env *events.Envelope) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
