// Package engine hosts live swarm and routine instances in a worker process.
// It creates instances from command events and routes every other event to
// the instances that subscribe to it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"github.com/dukex/swarmflow/pkg/config"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/routine"
	"github.com/dukex/swarmflow/pkg/statemachine"
	"github.com/dukex/swarmflow/pkg/swarm"
)

// Instance is the part of a state machine the manager needs.
type Instance interface {
	ID() string
	Kind() string
	EventPatterns() []events.Pattern
	Enqueue(env *events.Envelope) bool
	IsTerminal() bool
	QueueLen() int
	Stop(ctx context.Context, opts statemachine.StopOptions) (*statemachine.StopResult, error)
	Close()
}

// StartRoutine is the payload of routine/start/requested.
type StartRoutine struct {
	RoutineVersionID string         `json:"routineVersionId"`
	SwarmID          string         `json:"swarmId,omitempty"`
	RunID            string         `json:"runId,omitempty"`
	ResumeRunID      string         `json:"resumeRunId,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
}

type Manager struct {
	id          string
	logger      *slog.Logger
	bus         eventbus.EventSubscriber
	swarmDeps   swarm.Deps
	routineDeps routine.Deps

	mu        sync.RWMutex
	instances map[string]Instance
}

func NewManager(id string, bus eventbus.EventSubscriber, swarmDeps swarm.Deps, routineDeps routine.Deps, logger *slog.Logger) *Manager {
	return &Manager{
		id:          id,
		logger:      logger.With("module", "engine", "worker_id", id),
		bus:         bus,
		swarmDeps:   swarmDeps,
		routineDeps: routineDeps,
		instances:   make(map[string]Instance),
	}
}

// Start registers the catch-all route and subscribes to the bus. It returns
// once the subscription is running.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting engine manager")

	if err := m.bus.Handle(events.MustPattern("*"), m.Route); err != nil {
		return fmt.Errorf("failed to register event route: %w", err)
	}

	if err := m.bus.Subscribe(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	m.logger.InfoContext(ctx, "Engine manager started")

	return nil
}

// Route handles one envelope from the bus. Start commands create instances;
// everything else is delivered to the matching instances.
func (m *Manager) Route(ctx context.Context, env *events.Envelope) error {
	switch env.Kind {
	case events.KindSwarmStartRequested:
		return m.startSwarm(ctx, env)
	case events.KindRoutineStartRequested:
		return m.startRoutine(ctx, env)
	default:
		m.dispatch(ctx, env)

		return nil
	}
}

func (m *Manager) dispatch(ctx context.Context, env *events.Envelope) {
	m.reap(ctx)

	delivered := 0

	for _, instance := range m.snapshot() {
		if !events.MatchAny(instance.EventPatterns(), env.Type) {
			continue
		}

		if instance.Enqueue(env) {
			delivered++
		}
	}

	m.logger.DebugContext(ctx, "Routed event", "event_type", env.Type, "event_id", env.ID, "delivered", delivered)
}

func (m *Manager) startSwarm(ctx context.Context, env *events.Envelope) error {
	var task swarm.Task
	if err := decode(env.Data, &task); err != nil {
		m.logger.ErrorContext(ctx, "Invalid swarm start request", "event_id", env.ID, "error", err)

		return nil
	}

	id := swarm.IDFor(task)
	task.SwarmID = id

	s := swarm.New(id, m.swarmDeps)
	if !m.register(s) {
		s.Close()
		m.logger.WarnContext(ctx, "Swarm already running", "swarm_id", id)

		return nil
	}

	result := s.Start(ctx, task)
	if !result.Success {
		m.logger.ErrorContext(ctx, "Failed to start swarm", "swarm_id", id, "error", result.Error)

		if !s.IsTerminal() {
			m.unregister(s)
			s.Close()
		}

		m.reap(ctx)
	}

	return nil
}

func (m *Manager) startRoutine(ctx context.Context, env *events.Envelope) error {
	var cmd StartRoutine
	if err := decode(env.Data, &cmd); err != nil {
		m.logger.ErrorContext(ctx, "Invalid routine start request", "event_id", env.ID, "error", err)

		return nil
	}

	runID := cmd.RunID

	switch {
	case cmd.ResumeRunID != "":
		runID = cmd.ResumeRunID
	case runID == "":
		runID = uuid.NewString()
	}

	r := routine.New(runID, m.routineDeps)
	if !m.register(r) {
		r.Close()
		m.logger.WarnContext(ctx, "Run already active", "run_id", runID)

		return nil
	}

	logger := m.logger.With("run_id", runID, "routine_version_id", cmd.RoutineVersionID)

	err := r.InitializeExecution(ctx, routine.InitOptions{
		RoutineVersionID: cmd.RoutineVersionID,
		SwarmID:          cmd.SwarmID,
		ResumeRunID:      cmd.ResumeRunID,
		Variables:        cmd.Variables,
	})
	if err == nil && cmd.ResumeRunID == "" {
		err = r.Start(ctx)
	}

	if err != nil {
		logger.ErrorContext(ctx, "Failed to start routine", "error", err)

		if !r.IsTerminal() {
			m.unregister(r)
			r.Close()
		}

		m.reap(ctx)
	}

	return nil
}

// Get returns the live instance of kind with id.
func (m *Manager) Get(kind, id string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instance, ok := m.instances[key(kind, id)]

	return instance, ok
}

// Len is the number of live instances.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.instances)
}

// Shutdown force-stops every live instance and releases its timers.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, instance := range m.snapshot() {
		if _, err := instance.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopForce, Reason: "Worker shutting down"}); err != nil {
			m.logger.WarnContext(ctx, "Failed to stop instance", "kind", instance.Kind(), "id", instance.ID(), "error", err)
		}

		m.unregister(instance)
		instance.Close()
	}

	m.logger.InfoContext(ctx, "Engine manager stopped")
}

// reap drops terminal instances that have nothing left to process.
func (m *Manager) reap(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, instance := range m.instances {
		if instance.IsTerminal() && instance.QueueLen() == 0 {
			delete(m.instances, k)
			instance.Close()
			m.logger.DebugContext(ctx, "Removed finished instance", "kind", instance.Kind(), "id", instance.ID())
		}
	}
}

func (m *Manager) register(instance Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(instance.Kind(), instance.ID())
	if _, exists := m.instances[k]; exists {
		return false
	}

	m.instances[k] = instance

	return true
}

func (m *Manager) unregister(instance Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, key(instance.Kind(), instance.ID()))
}

func (m *Manager) snapshot() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Instance, 0, len(m.instances))
	for _, instance := range m.instances {
		out = append(out, instance)
	}

	return out
}

func key(kind, id string) string {
	return kind + ":" + id
}

// decode maps an event payload onto a command struct by its json tags.
func decode(data map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       config.StringToDecimalHook(),
		Result:           out,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(data); err != nil {
		return fmt.Errorf("failed to decode command: %w", err)
	}

	return nil
}
