// Package web provides the HTTP handlers of the operational API. Commands are
// published to the event bus for workers to act on; reads go straight to the
// context store and persistence.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/definition"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/persistence"
)

const apiSource = "api"

type APIHandlers struct {
	persistence persistence.Persistence
	store       contextstore.ContextStore
	bus         eventbus.EventPublisher
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	persistence persistence.Persistence,
	store contextstore.ContextStore,
	bus eventbus.EventPublisher,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: persistence,
		store:       store,
		bus:         bus,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checkers := fiber.Map{"persistence": "ok", "context_store": "ok"}
	healthy := true

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		checkers["persistence"] = err.Error()
		healthy = false
	}

	if err := h.store.HealthCheck(c.Context()); err != nil {
		checkers["context_store"] = err.Error()
		healthy = false
	}

	status := "unhealthy"
	message := "Swarmflow API is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if healthy {
		status = "healthy"
		message = "Swarmflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"checkers":  checkers,
		"timestamp": time.Now().UTC(),
	})
}

// StartSwarm publishes swarm/start/requested. The swarm id is assigned here
// so the caller can follow the swarm before a worker picks it up.
func (h *APIHandlers) StartSwarm(c fiber.Ctx) error {
	var req StartSwarmRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.SwarmID == "" {
		req.SwarmID = uuid.NewString()
	}

	data, err := toPayload(req)
	if err != nil {
		return internalError(c, err)
	}

	env := events.New(events.SwarmStartRequested, req.SwarmID, data, h.origin()...)
	if err := h.bus.Publish(c.Context(), req.SwarmID, env); err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish swarm start", "swarm_id", req.SwarmID, "error", err)

		return unavailable(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: env.ID, SwarmID: req.SwarmID})
}

func (h *APIHandlers) GetSwarm(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Swarm ID is required")
	}

	state, err := h.store.GetContext(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	if state == nil {
		return notFound(c, "Swarm not found")
	}

	return c.JSON(state)
}

func (h *APIHandlers) GetSwarmRuns(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Swarm ID is required")
	}

	runs, err := h.persistence.RunRepository().RunsBySwarm(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs, "total_count": len(runs)})
}

// StartRun publishes routine/start/requested. A resumed run keeps its id.
func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var req StartRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	switch {
	case req.ResumeRunID != "":
		req.RunID = req.ResumeRunID
	case req.RunID == "":
		req.RunID = uuid.NewString()
	}

	data, err := toPayload(req)
	if err != nil {
		return internalError(c, err)
	}

	correlationID := req.SwarmID
	if correlationID == "" {
		correlationID = req.RunID
	}

	env := events.New(events.RoutineStartRequested, correlationID, data, h.origin()...)
	if err := h.bus.Publish(c.Context(), req.RunID, env); err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish run start", "run_id", req.RunID, "error", err)

		return unavailable(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: env.ID, SwarmID: req.SwarmID, RunID: req.RunID})
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.persistence.RunRepository().RunByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	resp := RunResponse{Run: run}

	runCtx, err := h.persistence.RunContextRepository().RunContext(c.Context(), id)

	switch {
	case err == nil:
		resp.Context = runCtx
	case persistence.IsNotFound(err):
	default:
		return handleStoreError(c, err)
	}

	return c.JSON(resp)
}

// PublishEvent puts an arbitrary envelope on the bus, classified like any
// other ingress event.
func (h *APIHandlers) PublishEvent(c fiber.Ctx) error {
	var req PublishEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	source := req.Source
	if source == "" {
		source = apiSource
	}

	env := events.New(req.Type, req.CorrelationID, req.Data,
		events.WithSource(source),
		events.WithTier(events.TierExternal),
		events.WithExecution(req.Execution),
	)

	key := env.SwarmID()
	if key == "" {
		key = env.ID
	}

	if err := h.bus.Publish(c.Context(), key, env); err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish event", "event_type", env.Type, "error", err)

		return unavailable(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: env.ID, SwarmID: env.SwarmID(), RunID: env.RunID()})
}

// CreateDefinition stores a workflow definition sent as JSON or, with a YAML
// content type, as YAML. Invalid graphs are rejected with every problem found.
func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	parse := definition.ParseJSON
	if strings.Contains(c.Get(fiber.HeaderContentType), "yaml") {
		parse = definition.ParseYAML
	}

	def, err := parse(c.Body())
	if err != nil {
		return invalidDefinition(c, err)
	}

	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	if err := h.persistence.DefinitionRepository().SaveDefinition(c.Context(), def); err != nil {
		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	def, err := h.persistence.DefinitionRepository().DefinitionByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) GetDefinitions(c fiber.Ctx) error {
	defs, err := h.persistence.DefinitionRepository().Definitions(c.Context())
	if err != nil {
		return handleStoreError(c, err)
	}

	summaries := make([]DefinitionSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, DefinitionSummary{
			ID:        def.ID,
			RoutineID: def.RoutineID,
			Name:      def.Name,
			Version:   def.Version,
			Nodes:     len(def.Nodes),
		})
	}

	return c.JSON(fiber.Map{"definitions": summaries, "total_count": len(summaries)})
}

func (h *APIHandlers) origin() []events.Option {
	return []events.Option{events.WithSource(apiSource), events.WithTier(events.TierExternal)}
}

// toPayload turns a request into the map form carried by envelopes.
func toPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return out, nil
}
