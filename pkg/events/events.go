// Package events defines the event envelope exchanged between swarms,
// routines and external producers, the closed set of event kinds and the
// glob patterns instances subscribe with.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topic is the bus topic every envelope travels on.
const Topic = "swarmflow.events"

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

// Tier is the layer of the system an event originates from.
type Tier string

const (
	TierExternal Tier = "external"
	TierSwarm    Tier = "swarm"
	TierRoutine  Tier = "routine"
	TierSystem   Tier = "system"
)

// Payload keys shared by producers and consumers.
const (
	KeySwarmID    = "swarmId"
	KeyChatID     = "chatId"
	KeyRunID      = "runId"
	KeyUserID     = "userId"
	KeyToolName   = "toolName"
	KeyToolCallID = "toolCallId"
	KeyMessage    = "message"
	KeyReason     = "reason"
	KeyNodeID     = "nodeId"
	KeyInstance   = "instance"
	KeyOutputs    = "outputs"
	KeyError      = "error"

	KeyCreditsUsed = "creditsUsed"
)

// decimalKeys are payload keys carrying credit amounts. They are decoded
// into decimal.Decimal straight from their JSON text.
var decimalKeys = map[string]bool{
	KeyCreditsUsed: true,
}

// ToolCall is the tool invocation an approval event refers to.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ExecutionContext is the side channel carrying the original tool call.
type ExecutionContext struct {
	OriginalToolCall *ToolCall `json:"original_tool_call,omitempty"`
}

// Envelope is an event as it travels through the bus and instance queues.
// It must not be mutated once enqueued.
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Kind          Kind              `json:"-"`
	Timestamp     time.Time         `json:"timestamp"`
	Tier          Tier              `json:"tier"`
	Source        string            `json:"source"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          map[string]any    `json:"data,omitempty"`
	Execution     *ExecutionContext `json:"execution,omitempty"`
}

type Option func(*Envelope)

func WithTier(tier Tier) Option {
	return func(e *Envelope) { e.Tier = tier }
}

func WithSource(source string) Option {
	return func(e *Envelope) { e.Source = source }
}

func WithExecution(execution *ExecutionContext) Option {
	return func(e *Envelope) { e.Execution = execution }
}

func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts }
}

// New builds a classified envelope with a fresh id.
func New(eventType, correlationID string, data map[string]any, opts ...Option) *Envelope {
	if data == nil {
		data = map[string]any{}
	}

	e := &Envelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		Kind:          Classify(eventType),
		Timestamp:     time.Now().UTC(),
		Tier:          TierSystem,
		CorrelationID: correlationID,
		Data:          data,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Decode parses an envelope received from the wire and classifies it.
func Decode(payload []byte) (*Envelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var e Envelope
	if err := decoder.Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	if e.Type == "" {
		return nil, ErrMissingType
	}

	e.Kind = Classify(e.Type)

	for key, value := range e.Data {
		if n, ok := value.(json.Number); ok && decimalKeys[key] {
			d, err := decimal.NewFromString(n.String())
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}

			e.Data[key] = d

			continue
		}

		e.Data[key] = plainNumbers(value)
	}

	return &e, nil
}

// plainNumbers turns the json.Number values UseNumber leaves behind into
// float64, the shape conditions and templates expect.
func plainNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String()
		}

		return f
	case map[string]any:
		for key, item := range v {
			v[key] = plainNumbers(item)
		}

		return v
	case []any:
		for i, item := range v {
			v[i] = plainNumbers(item)
		}

		return v
	default:
		return value
	}
}

// Field returns the payload value for key when it is a non-empty string.
func (e *Envelope) Field(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}

	if s, ok := e.Data[key].(string); ok {
		return s
	}

	return ""
}

// Int returns the payload value for key as an int64, accepting the numeric
// shapes JSON decoding and Go producers use.
func (e *Envelope) Int(key string) (int64, bool) {
	if e == nil || e.Data == nil {
		return 0, false
	}

	switch v := e.Data[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()

		return n, err == nil
	default:
		return 0, false
	}
}

func (e *Envelope) SwarmID() string { return e.Field(KeySwarmID) }

func (e *Envelope) ChatID() string { return e.Field(KeyChatID) }

// RunID returns the run id from the payload or, for run/<id>/... and
// step/<id>/... types, from the second segment.
func (e *Envelope) RunID() string {
	if id := e.Field(KeyRunID); id != "" {
		return id
	}

	return scopedID(e.Type)
}

// ToolCallID returns the tool call id from the payload or the side channel.
func (e *Envelope) ToolCallID() string {
	if id := e.Field(KeyToolCallID); id != "" {
		return id
	}

	if e.Execution != nil && e.Execution.OriginalToolCall != nil {
		return e.Execution.OriginalToolCall.ID
	}

	return ""
}
