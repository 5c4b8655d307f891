// Package main provides the swarmflow operational API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       contextstore.ContextStore
	eventBus    eventbus.EventPublisher
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	store contextstore.ContextStore,
	eventBus eventbus.EventPublisher,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		store:       store,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.persistence, a.store, a.eventBus, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Swarmflow API")
	})

	app.Get("/health", handlers.HealthCheck)
	app.Post("/events", handlers.PublishEvent)

	s := app.Group("/swarms")
	s.Post("/", handlers.StartSwarm)
	s.Get("/:id", handlers.GetSwarm)
	s.Get("/:id/runs", handlers.GetSwarmRuns)

	r := app.Group("/runs")
	r.Post("/", handlers.StartRun)
	r.Get("/:id", handlers.GetRun)

	d := app.Group("/definitions")
	d.Get("/", handlers.GetDefinitions)
	d.Post("/", handlers.CreateDefinition)
	d.Get("/:id", handlers.GetDefinition)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
