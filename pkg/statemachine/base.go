package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/metrics"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ID   string
	Kind string
	// ScopeKey is the payload key carrying ID on emitted state-changed events.
	ScopeKey string
	Logger   *slog.Logger
	Emitter  eventbus.Emitter
	Metrics  *metrics.Metrics
}

// Base owns the queue and the state of one instance. Concrete machines embed
// it and hand themselves to NewBase.
type Base struct {
	id       string
	kind     string
	scopeKey string
	machine  Machine
	logger   *slog.Logger
	emitter  eventbus.Emitter
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	stateMu    sync.RWMutex
	state      models.ExecutionState
	lastStable models.ExecutionState
	changedAt  time.Time

	queueMu  sync.Mutex
	queue    []*events.Envelope
	draining bool
	idle     chan struct{}

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBase(machine Machine, cfg Config) *Base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Base{
		id:        cfg.ID,
		kind:      cfg.Kind,
		scopeKey:  cfg.ScopeKey,
		machine:   machine,
		logger:    logger.With("module", cfg.Kind, "instance_id", cfg.ID),
		emitter:   cfg.Emitter,
		metrics:   cfg.Metrics,
		tracer:    otelhelper.Tracer("swarmflow.statemachine"),
		state:     models.StateUninitialized,
		changedAt: time.Now().UTC(),
		timers:    make(map[*time.Timer]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.metrics.InstanceStarted(cfg.Kind)

	return b
}

func (b *Base) ID() string { return b.id }

func (b *Base) Kind() string { return b.kind }

func (b *Base) Logger() *slog.Logger { return b.logger }

func (b *Base) State() models.ExecutionState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	return b.state
}

func (b *Base) IsTerminal() bool {
	return b.State().IsTerminal()
}

// LastTransitionAt is the time of the last accepted transition.
func (b *Base) LastTransitionAt() time.Time {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()

	return b.changedAt
}

// Enqueue appends env to the queue if the machine accepts it and the
// instance is not terminal. It never blocks on processing.
func (b *Base) Enqueue(env *events.Envelope) bool {
	if !b.machine.ShouldHandleEvent(env) {
		b.metrics.EventDropped(b.kind, "scope")

		return false
	}

	if b.IsTerminal() {
		b.metrics.EventDropped(b.kind, "terminal")

		return false
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	b.queue = append(b.queue, env)

	if !b.draining {
		b.draining = true
		b.idle = make(chan struct{})

		go b.drain()
	}

	return true
}

// EnqueueAfter delivers env through Enqueue once delay has elapsed. Pending
// deliveries are dropped when the instance becomes terminal or is closed.
func (b *Base) EnqueueAfter(delay time.Duration, env *events.Envelope) {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	if b.closed {
		return
	}

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		delete(b.timers, timer)
		b.timersMu.Unlock()

		b.Enqueue(env)
	})

	b.timers[timer] = struct{}{}
}

// WaitForIdle blocks until the queue is empty and no event is in flight.
func (b *Base) WaitForIdle(ctx context.Context) error {
	b.queueMu.Lock()
	if !b.draining {
		b.queueMu.Unlock()

		return nil
	}

	idle := b.idle
	b.queueMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueLen reports the number of events waiting to be processed.
func (b *Base) QueueLen() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	return len(b.queue)
}

func (b *Base) drain() {
	for {
		b.queueMu.Lock()

		if len(b.queue) == 0 {
			b.queueMu.Unlock()

			if hook, ok := b.machine.(IdleHook); ok {
				hook.OnIdle(b.ctx)
			}

			b.queueMu.Lock()

			if len(b.queue) == 0 {
				b.draining = false
				close(b.idle)
				b.queueMu.Unlock()

				return
			}
		}

		env := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.process(b.ctx, env)
	}
}

func (b *Base) process(ctx context.Context, env *events.Envelope) {
	started := time.Now()

	ctx, span := otelhelper.StartSpan(ctx, b.tracer, b.kind+".process_event",
		attribute.String(otelhelper.MachineKindKey, b.kind),
		attribute.String(otelhelper.EventIDKey, env.ID),
		attribute.String(otelhelper.EventTypeKey, env.Type),
	)
	defer span.End()

	err := b.safeProcess(ctx, env)

	b.metrics.EventProcessed(b.kind, env.Kind.String(), time.Since(started))

	if err != nil {
		otelhelper.SetError(span, err)
		b.handleError(ctx, err, env)
	}
}

func (b *Base) safeProcess(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", env.Type, r)
		}
	}()

	return b.machine.ProcessEvent(ctx, env)
}

func (b *Base) handleError(ctx context.Context, err error, env *events.Envelope) {
	if b.IsTerminal() {
		b.logger.WarnContext(ctx, "Error after reaching terminal state", "event_type", env.Type, "error", err)

		return
	}

	fatal := b.machine.IsErrorFatal(err, env)
	b.metrics.EventError(b.kind, fatal)

	if fatal {
		b.logger.ErrorContext(ctx, "Fatal error processing event", "event_type", env.Type, "error", err)

		if handler, ok := b.machine.(FatalErrorHandler); ok {
			handler.OnFatalError(ctx, err, env)

			return
		}

		if terr := b.TransitionTo(ctx, models.StateFailed); terr != nil {
			b.logger.ErrorContext(ctx, "Failed to transition to FAILED", "error", terr)
		}

		return
	}

	b.logger.WarnContext(ctx, "Recovering from non-fatal error", "event_type", env.Type, "error", err)
	b.RevertToStable(ctx)
}

// RevertToStable moves the instance back to the last resting state it
// occupied, when the table allows it.
func (b *Base) RevertToStable(ctx context.Context) {
	b.stateMu.RLock()
	current, target := b.state, b.lastStable
	b.stateMu.RUnlock()

	if target == "" || current == target {
		return
	}

	if err := b.TransitionTo(ctx, target); err != nil {
		b.logger.DebugContext(ctx, "Cannot revert to stable state", "from", current, "to", target)
	}
}

// TransitionTo validates to against the table and, when allowed, applies it,
// persists it and emits a state-changed event. A rejected transition leaves
// the state unchanged.
func (b *Base) TransitionTo(ctx context.Context, to models.ExecutionState) error {
	b.stateMu.Lock()

	from := b.state
	if !b.machine.Transitions().Allows(from, to) {
		b.stateMu.Unlock()

		return &InvalidTransitionError{Machine: b.kind, From: from, To: to}
	}

	b.state = to
	b.changedAt = time.Now().UTC()

	if to.IsStable() {
		b.lastStable = to
	}

	b.stateMu.Unlock()

	b.afterTransition(ctx, from, to)

	return nil
}

// RestoreState sets the state without consulting the table. It is only used
// when rebuilding an instance from durable storage.
func (b *Base) RestoreState(state models.ExecutionState) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	b.state = state
	b.changedAt = time.Now().UTC()

	if state.IsStable() {
		b.lastStable = state
	}
}

func (b *Base) afterTransition(ctx context.Context, from, to models.ExecutionState) {
	_, span := otelhelper.StartSpan(ctx, b.tracer, b.kind+".transition",
		attribute.String(otelhelper.StateFromKey, string(from)),
		attribute.String(otelhelper.StateToKey, string(to)),
	)
	defer span.End()

	b.logger.InfoContext(ctx, "State transition", "from", from, "to", to)
	b.metrics.Transition(b.kind, string(to))

	if persister, ok := b.machine.(StatePersister); ok {
		if err := persister.PersistState(ctx, from, to); err != nil {
			b.logger.ErrorContext(ctx, "Failed to persist state", "state", to, "error", err)
		}
	}

	if b.emitter != nil {
		data := map[string]any{"from": string(from), "to": string(to)}
		if b.scopeKey != "" {
			data[b.scopeKey] = b.id
		}

		b.emitter.Emit(ctx, b.kind+"/state/changed", b.id, data)
	}

	if to.IsTerminal() {
		b.stopTimers()
		b.metrics.InstanceStopped(b.kind)
	}
}

func (b *Base) Pause(ctx context.Context) error {
	if err := b.TransitionTo(ctx, models.StatePaused); err != nil {
		return err
	}

	if hook, ok := b.machine.(PauseHook); ok {
		if err := hook.OnPause(ctx); err != nil {
			return fmt.Errorf("failed to run pause hook: %w", err)
		}
	}

	return nil
}

func (b *Base) Resume(ctx context.Context) error {
	if err := b.TransitionTo(ctx, models.StateRunning); err != nil {
		return err
	}

	if hook, ok := b.machine.(ResumeHook); ok {
		if err := hook.OnResume(ctx); err != nil {
			return fmt.Errorf("failed to run resume hook: %w", err)
		}
	}

	return nil
}

// Stop moves the instance to COMPLETED (graceful) or CANCELLED (force).
// Stopping a terminal instance succeeds without side effects.
func (b *Base) Stop(ctx context.Context, opts StopOptions) (*StopResult, error) {
	current := b.State()
	if current.IsTerminal() {
		return &StopResult{Success: true, FinalState: current, AlreadyTerminal: true}, nil
	}

	var summary map[string]any

	if hook, ok := b.machine.(StopHook); ok {
		s, err := hook.OnStop(ctx, opts)
		if err != nil {
			b.logger.WarnContext(ctx, "Stop hook failed", "error", err)
		}

		summary = s
	}

	target := models.StateCancelled
	if opts.Mode == StopGraceful && b.machine.Transitions().Allows(current, models.StateCompleted) {
		target = models.StateCompleted
	}

	if err := b.TransitionTo(ctx, target); err != nil {
		if now := b.State(); now.IsTerminal() {
			return &StopResult{Success: true, FinalState: now, AlreadyTerminal: true}, nil
		}

		return nil, err
	}

	b.logger.InfoContext(ctx, "Instance stopped", "mode", opts.Mode, "reason", opts.Reason, "state", target)

	return &StopResult{Success: true, FinalState: target, Summary: summary}, nil
}

func (b *Base) Cancel(ctx context.Context) (*StopResult, error) {
	return b.Stop(ctx, StopOptions{Mode: StopForce, Reason: "Cancelled"})
}

// Close drops pending delayed events and cancels the context handed to
// in-flight handlers.
func (b *Base) Close() {
	b.timersMu.Lock()
	b.closed = true
	b.timersMu.Unlock()

	b.stopTimers()
	b.cancel()
}

func (b *Base) stopTimers() {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()

	for t := range b.timers {
		t.Stop()
		delete(b.timers, t)
	}
}
