package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukex/swarmflow/pkg/cmd"
	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/definition"
	"github.com/dukex/swarmflow/pkg/engine"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/metrics"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/routine"
	"github.com/dukex/swarmflow/pkg/swarm"
)

const shutdownTimeout = 30 * time.Second

// Worker owns the infrastructure of one worker process and the engine
// manager running on top of it.
type Worker struct {
	logger      *slog.Logger
	bus         eventbus.EventBus
	persistence persistence.Persistence
	store       *contextstore.Store
	manager     *engine.Manager
	registry    *prometheus.Registry

	closers []func() error
}

// NewWorker connects every backend named in cfg. Anything opened before a
// failure is closed again.
func NewWorker(ctx context.Context, id string, cfg *config.Config, logger *slog.Logger) (_ *Worker, err error) {
	w := &Worker{logger: logger, registry: prometheus.NewRegistry()}

	defer func() {
		if err != nil {
			w.close(ctx)
		}
	}()

	w.bus, err = cmd.NewEventBus(cfg.EventBus, cfg.ServiceName+"-worker", logger)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, w.bus.Close)

	w.persistence, err = cmd.NewPersistence(ctx, logger, cfg.Persistence.URL)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, func() error { return w.persistence.Close(ctx) })

	w.store, err = cmd.NewContextStore(ctx, cfg.ContextStore, logger)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, w.store.Close)

	locks, closeLocks, err := cmd.NewLockService(ctx, cfg.Lock)
	if err != nil {
		return nil, err
	}

	w.closers = append(w.closers, closeLocks)

	rules, err := interceptor.NewRuleInterceptor(cfg.Interceptor)
	if err != nil {
		return nil, fmt.Errorf("failed to build interceptor: %w", err)
	}

	m := metrics.New(w.registry)
	emitter := eventbus.NewEmitter(w.bus, logger,
		eventbus.WithGate(rules),
		eventbus.WithOrigin("worker:"+id, events.TierSystem),
	)

	w.manager = engine.NewManager(id, w.bus,
		swarm.Deps{
			Store:             w.store,
			Conversation:      conversation.NewHTTPEngine(cfg.Conversation.URL, cfg.Conversation.Timeout, logger),
			Interceptor:       rules,
			Locks:             locks,
			ChatConfigs:       w.persistence.ChatConfigRepository(),
			Emitter:           emitter,
			Metrics:           m,
			Logger:            logger,
			DefaultBudget:     cfg.Swarm.DefaultBudget,
			DefaultScheduling: cfg.Swarm.Scheduling,
		},
		routine.Deps{
			Store:             w.store,
			Runs:              w.persistence.RunRepository(),
			Contexts:          w.persistence.RunContextRepository(),
			Definitions:       w.persistence.DefinitionRepository(),
			Emitter:           emitter,
			Metrics:           m,
			Logger:            logger,
			DefaultAllocation: cfg.Routine.DefaultAllocation,
		},
		logger,
	)

	return w, nil
}

// LoadDefinitions stores every .yaml, .yml and .json definition found in dir.
// It returns how many were loaded.
func (w *Worker) LoadDefinitions(ctx context.Context, dir string) (int, error) {
	var paths []string

	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("failed to list definitions in %s: %w", dir, err)
		}

		paths = append(paths, matches...)
	}

	repo := w.persistence.DefinitionRepository()

	for _, path := range paths {
		def, err := definition.LoadFile(path)
		if err != nil {
			return 0, err
		}

		if def.CreatedAt.IsZero() {
			def.CreatedAt = time.Now().UTC()
		}

		if err := repo.SaveDefinition(ctx, def); err != nil {
			return 0, fmt.Errorf("failed to save definition %s: %w", def.ID, err)
		}

		w.logger.InfoContext(ctx, "Loaded workflow definition", "definition_id", def.ID, "path", path)
	}

	return len(paths), nil
}

// Run starts routing events and blocks until ctx is done, then stops every
// live instance.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine manager: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker started")

	<-ctx.Done()

	w.logger.InfoContext(ctx, "Shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	w.manager.Shutdown(shutdownCtx)
	w.close(shutdownCtx)

	return nil
}

// ServeMetrics exposes the Prometheus registry on port until ctx is done.
func (w *Worker) ServeMetrics(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		if err := server.Shutdown(context.WithoutCancel(ctx)); err != nil {
			w.logger.WarnContext(ctx, "Failed to stop metrics server", "error", err)
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.ErrorContext(ctx, "Metrics server failed", "error", err)
		}
	}()
}

func (w *Worker) close(ctx context.Context) {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.logger.ErrorContext(ctx, "Failed to close worker resource", "error", err)
		}
	}

	w.closers = nil
}
