package eventbus

import (
	"context"
	"log/slog"

	"github.com/dukex/swarmflow/pkg/events"
)

// Gate decides whether an outbound event may be published.
type Gate interface {
	CheckOutbound(ctx context.Context, env *events.Envelope) (bool, string)
}

// EmitResult reports whether an event was let through. Publishing failures
// are logged, never returned.
type EmitResult struct {
	Proceed bool
	Reason  string
	EventID string
}

type Emitter interface {
	Emit(ctx context.Context, eventType, correlationID string, data map[string]any, opts ...events.Option) EmitResult
}

type BusEmitter struct {
	bus    EventPublisher
	gate   Gate
	source string
	tier   events.Tier
	logger *slog.Logger
}

type EmitterOption func(*BusEmitter)

func WithGate(gate Gate) EmitterOption {
	return func(e *BusEmitter) { e.gate = gate }
}

// WithOrigin stamps every emitted envelope with a source and tier unless the
// caller overrides them per event.
func WithOrigin(source string, tier events.Tier) EmitterOption {
	return func(e *BusEmitter) {
		e.source = source
		e.tier = tier
	}
}

func NewEmitter(bus EventPublisher, logger *slog.Logger, opts ...EmitterOption) *BusEmitter {
	e := &BusEmitter{
		bus:    bus,
		tier:   events.TierSystem,
		logger: logger.With("module", "emitter"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// WithSource returns a copy of the emitter stamping a different source and tier.
func (e *BusEmitter) WithSource(source string, tier events.Tier) *BusEmitter {
	clone := *e
	clone.source = source
	clone.tier = tier

	return &clone
}

func (e *BusEmitter) Emit(
	ctx context.Context,
	eventType, correlationID string,
	data map[string]any,
	opts ...events.Option,
) EmitResult {
	base := []events.Option{events.WithSource(e.source), events.WithTier(e.tier)}
	env := events.New(eventType, correlationID, data, append(base, opts...)...)

	if e.gate != nil {
		if proceed, reason := e.gate.CheckOutbound(ctx, env); !proceed {
			e.logger.WarnContext(ctx, "Outbound event blocked", "event_type", eventType, "reason", reason)

			return EmitResult{Proceed: false, Reason: reason, EventID: env.ID}
		}
	}

	key := correlationID
	if key == "" {
		key = env.ID
	}

	if err := e.bus.Publish(ctx, key, env); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event", "event_type", eventType, "error", err)

		return EmitResult{Proceed: false, Reason: err.Error(), EventID: env.ID}
	}

	return EmitResult{Proceed: true, EventID: env.ID}
}
