package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type subscription struct {
	pattern events.Pattern
	handler EventHandler
}

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	logger        *slog.Logger
	tracer        trace.Tracer
	mu            sync.RWMutex
	subscriptions []subscription
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
		tracer:     otelhelper.Tracer("swarmflow.eventbus"),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, env *events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", env.Type, err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, env.Type)

	if err := eb.publisher.Publish(events.Topic, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", env.Type, err)
	}

	return nil
}

func (eb *WatermillEventBus) Handle(pattern events.Pattern, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions = append(eb.subscriptions, subscription{pattern: pattern, handler: handler})

	return nil
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.Topic, err)
	}

	go func() {
		for msg := range messages {
			eb.dispatch(ctx, msg)
		}
	}()

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := msg.Metadata.Get(events.EventTypeMetadataKey)

	handlers := eb.handlersFor(eventType)
	if len(handlers) == 0 {
		msg.Ack()

		return
	}

	env, err := events.Decode(msg.Payload)
	if err != nil {
		eb.logger.ErrorContext(ctx, "Dropping undecodable message", "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	traceCtx, span := otelhelper.StartSpan(ctx, eb.tracer, "eventbus.dispatch",
		attribute.String(otelhelper.EventIDKey, env.ID),
		attribute.String(otelhelper.EventTypeKey, env.Type),
	)
	defer span.End()

	for _, handler := range handlers {
		if err := handler(traceCtx, env); err != nil {
			eb.logger.ErrorContext(traceCtx, "Failed to handle event", "event_type", env.Type, "error", err)
			otelhelper.SetError(span, err)
			msg.Nack()

			return
		}
	}

	msg.Ack()
}

func (eb *WatermillEventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var handlers []EventHandler

	for _, s := range eb.subscriptions {
		if s.pattern.Match(eventType) {
			handlers = append(handlers, s.handler)
		}
	}

	return handlers
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
