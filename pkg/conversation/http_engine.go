package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout   = 120 * time.Second
	orchestratePath  = "/orchestrate"
	maxErrorBodySize = 4096
)

// HTTPEngine posts requests as JSON to an external engine. Calls are not
// retried: the swarm decides what a failure means.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewHTTPEngine(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPEngine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPEngine{
		endpoint: strings.TrimRight(baseURL, "/") + orchestratePath,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "conversation_engine"),
		tracer:   otelhelper.Tracer("swarmflow.conversation"),
	}
}

func (e *HTTPEngine) OrchestrateConversation(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "conversation.orchestrate",
		attribute.String(otelhelper.SwarmIDKey, req.Context.SwarmID),
		attribute.String(otelhelper.TriggerTypeKey, string(req.Trigger.Type)),
		attribute.String(otelhelper.StrategyKey, string(req.Strategy)),
	)
	defer span.End()

	result, err := e.do(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)
		e.logger.ErrorContext(ctx, "Conversation engine call failed", "swarm_id", req.Context.SwarmID, "error", err)

		return nil, err
	}

	e.logger.DebugContext(ctx, "Conversation turn finished",
		"swarm_id", req.Context.SwarmID,
		"trigger", req.Trigger.Type,
		"success", result.Success,
		"messages", len(result.Messages),
	)

	return result, nil
}

func (e *HTTPEngine) do(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("conversation engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

		return nil, fmt.Errorf("conversation engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode conversation result: %w", err)
	}

	return &result, nil
}
