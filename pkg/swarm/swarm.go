// Package swarm implements the swarm state machine. A swarm owns a shared
// context in the context store and delegates every conversational turn of
// its agents to the conversation engine.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/swarmflow/pkg/contextstore"
	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/eventbus"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/interceptor"
	"github.com/dukex/swarmflow/pkg/lock"
	"github.com/dukex/swarmflow/pkg/metrics"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/persistence"
	"github.com/dukex/swarmflow/pkg/statemachine"
)

const Kind = "swarm"

// StatusTerminated is the externally published status of a force-stopped
// swarm.
const StatusTerminated = "TERMINATED"

var transitions = models.Transitions{
	models.StateUninitialized: {models.StateReady, models.StateFailed, models.StateCancelled},
	models.StateReady:         {models.StateRunning, models.StateFailed, models.StateCancelled, models.StateCompleted},
	models.StateRunning: {
		models.StateReady, models.StateCompleted, models.StateFailed, models.StatePaused, models.StateCancelled,
	},
	models.StatePaused: {models.StateRunning, models.StateFailed, models.StateCancelled, models.StateCompleted},
}

var validate = validator.New()

// Deps are the collaborators of a swarm instance. ChatConfigs may be nil.
type Deps struct {
	Store        contextstore.ContextStore
	Conversation conversation.Engine
	Interceptor  interceptor.Interceptor
	Locks        lock.Service
	ChatConfigs  persistence.ChatConfigRepository
	Emitter      eventbus.Emitter
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	DefaultBudget     models.ResourceBudget
	DefaultScheduling models.SchedulingConfig
	Now               func() time.Time
}

type UserData struct {
	ID string `json:"id" validate:"required"`
}

// Task is the input a swarm is started with.
type Task struct {
	SwarmID  string                 `json:"swarmId,omitempty"`
	ChatID   string                 `json:"chatId,omitempty"`
	Goal     string                 `json:"goal"               validate:"required_without=ChatID"`
	UserData UserData               `json:"userData"`
	Agents   []string               `json:"agents,omitempty"`
	Budget   *models.ResourceBudget `json:"budget,omitempty"`
}

type StartResult struct {
	Success bool   `json:"success"`
	SwarmID string `json:"swarmId"`
	Error   string `json:"error,omitempty"`
}

// IDFor returns the swarm id requested by task, or a fresh one.
func IDFor(task Task) string {
	if task.SwarmID != "" {
		return task.SwarmID
	}

	return uuid.NewString()
}

type Swarm struct {
	*statemachine.Base

	deps   Deps
	logger *slog.Logger

	metaMu  sync.RWMutex
	userID  string
	chatID  string
	created bool

	startMu sync.Mutex
}

func New(swarmID string, deps Deps) *Swarm {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	s := &Swarm{deps: deps}
	s.Base = statemachine.NewBase(s, statemachine.Config{
		ID:       swarmID,
		Kind:     Kind,
		ScopeKey: events.KeySwarmID,
		Logger:   deps.Logger,
		Emitter:  deps.Emitter,
		Metrics:  deps.Metrics,
	})
	s.logger = s.Base.Logger()

	return s
}

func (s *Swarm) Transitions() models.Transitions {
	return transitions
}

func (s *Swarm) UserID() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()

	return s.userID
}

func (s *Swarm) ChatID() string {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()

	return s.chatID
}

func (s *Swarm) hasContext() bool {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()

	return s.created
}

// Start creates the swarm context and runs the opening conversation turn.
func (s *Swarm) Start(ctx context.Context, task Task) StartResult {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.State() != models.StateUninitialized || s.hasContext() {
		return StartResult{SwarmID: s.ID(), Error: "Already started"}
	}

	if task.SwarmID != "" && task.SwarmID != s.ID() {
		return StartResult{SwarmID: s.ID(), Error: fmt.Sprintf("task targets swarm %s", task.SwarmID)}
	}

	if err := validate.Struct(task); err != nil {
		return StartResult{SwarmID: s.ID(), Error: fmt.Sprintf("invalid task: %v", err)}
	}

	chat := s.chatConfig(ctx, task)
	budget := s.deps.DefaultBudget

	if task.Budget != nil {
		budget = *task.Budget
	}

	state := models.NewSwarmState(s.ID(), task.UserData.ID, chat, budget, s.deps.Now())
	if len(task.Agents) > 0 {
		state.Execution.Agents = task.Agents
	}

	if err := s.deps.Store.CreateContext(ctx, state); err != nil {
		return s.startFailed(ctx, fmt.Sprintf("Failed to create swarm context: %v", err))
	}

	s.metaMu.Lock()
	s.userID = task.UserData.ID
	s.chatID = chat.ChatID
	s.created = true
	s.metaMu.Unlock()

	current, err := s.deps.Store.GetContext(ctx, s.ID())
	if err != nil || current == nil {
		return s.startFailed(ctx, "Failed to get swarm context")
	}

	result, err := s.deps.Conversation.OrchestrateConversation(ctx, s.request(current, conversation.Trigger{
		Type: conversation.TriggerStart,
	}, conversation.StrategyConversational))

	switch {
	case err != nil:
		return s.startFailed(ctx, fmt.Sprintf("Conversation engine failed: %v", err))
	case !result.Success:
		return s.startFailed(ctx, fmt.Sprintf("Conversation engine failed: %s", result.Error))
	}

	s.applyResult(ctx, result)

	if err := s.TransitionTo(ctx, models.StateReady); err != nil {
		return StartResult{SwarmID: s.ID(), Error: err.Error()}
	}

	s.emit(ctx, events.SwarmStarted, map[string]any{
		events.KeyChatID: chat.ChatID,
		events.KeyUserID: task.UserData.ID,
		"goal":           chat.Goal,
	})

	s.logger.InfoContext(ctx, "Swarm started", "chat_id", chat.ChatID, "leader_id", task.UserData.ID)

	return StartResult{Success: true, SwarmID: s.ID()}
}

// chatConfig loads the stored configuration of task's chat and lets the task
// goal override the stored one.
func (s *Swarm) chatConfig(ctx context.Context, task Task) models.ChatConfig {
	chat := models.ChatConfig{ChatID: task.ChatID, Goal: task.Goal, Scheduling: s.deps.DefaultScheduling}

	if task.ChatID == "" || s.deps.ChatConfigs == nil {
		return chat
	}

	stored, err := s.deps.ChatConfigs.ChatConfigByID(ctx, task.ChatID)
	if err != nil {
		if !errors.Is(err, persistence.ErrChatConfigNotFound) {
			s.logger.WarnContext(ctx, "Failed to load chat config", "chat_id", task.ChatID, "error", err)
		}

		return chat
	}

	chat = *stored
	chat.ChatID = task.ChatID

	if task.Goal != "" {
		chat.Goal = task.Goal
	}

	return chat
}

func (s *Swarm) startFailed(ctx context.Context, msg string) StartResult {
	s.logger.ErrorContext(ctx, "Swarm start failed", "error", msg)

	if err := s.TransitionTo(ctx, models.StateFailed); err != nil {
		s.logger.ErrorContext(ctx, "Failed to transition to FAILED", "error", err)
	}

	return StartResult{SwarmID: s.ID(), Error: msg}
}

// Stop ends the swarm. Graceful stops complete with a summary of the work
// done; force stops cancel and publish the TERMINATED status.
func (s *Swarm) Stop(ctx context.Context, opts statemachine.StopOptions) (*statemachine.StopResult, error) {
	result, err := s.Base.Stop(ctx, opts)
	if err != nil {
		return nil, err
	}

	if opts.Mode == statemachine.StopForce && !result.AlreadyTerminal {
		s.emit(ctx, events.SwarmStatusChanged, map[string]any{
			"status":         StatusTerminated,
			events.KeyReason: opts.Reason,
		})
	}

	return result, nil
}

func (s *Swarm) Cancel(ctx context.Context) (*statemachine.StopResult, error) {
	return s.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopForce, Reason: "Cancelled"})
}

// OnStop computes the final summary from the current context. A failed
// lookup yields zeros.
func (s *Swarm) OnStop(ctx context.Context, opts statemachine.StopOptions) (map[string]any, error) {
	summary := map[string]any{
		"mode":              string(opts.Mode),
		"reason":            opts.Reason,
		"totalSubTasks":     0,
		"completedSubTasks": 0,
		"totalCreditsUsed":  "0",
		"totalToolCalls":    int64(0),
	}

	if !s.hasContext() {
		return summary, nil
	}

	state, err := s.deps.Store.GetContext(ctx, s.ID())
	if err != nil {
		return summary, fmt.Errorf("failed to load swarm context: %w", err)
	}

	if state == nil {
		return summary, nil
	}

	summary["totalSubTasks"] = len(state.ChatConfig.Subtasks)
	summary["completedSubTasks"] = state.ChatConfig.CompletedSubtasks()
	summary["totalCreditsUsed"] = state.Resources.Consumed.CreditsUsed.String()
	summary["totalToolCalls"] = state.Resources.Consumed.ToolCalls

	return summary, nil
}

func (s *Swarm) IsErrorFatal(err error, _ *events.Envelope) bool {
	return isFatal(err)
}

// PersistState mirrors the state into execution.status. It is best effort
// and skipped until the context exists.
func (s *Swarm) PersistState(ctx context.Context, _, to models.ExecutionState) error {
	if !s.hasContext() {
		return nil
	}

	now := s.deps.Now()

	_, err := s.deps.Store.UpdateContext(ctx, s.ID(), map[string]any{
		"execution": map[string]any{
			"status":           to,
			"last_activity_at": now,
		},
	}, s.ID())
	if err != nil {
		return fmt.Errorf("failed to mirror swarm status: %w", err)
	}

	return nil
}

// current returns the swarm state; a missing context is fatal.
func (s *Swarm) current(ctx context.Context) (*models.SwarmState, error) {
	state, err := s.deps.Store.GetContext(ctx, s.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to load swarm context: %w", err)
	}

	if state == nil {
		return nil, ErrContextMissing
	}

	return state, nil
}

func (s *Swarm) request(state *models.SwarmState, trigger conversation.Trigger, strategy conversation.Strategy) conversation.Request {
	return conversation.Request{
		Context: conversation.Context{
			SwarmID: s.ID(),
			UserID:  s.UserID(),
			State:   state,
		},
		Trigger:  trigger,
		Strategy: strategy,
	}
}

// converse runs one conversation turn against the current context. Results
// arriving after the swarm reached a terminal state are discarded.
func (s *Swarm) converse(ctx context.Context, trigger conversation.Trigger, strategy conversation.Strategy) error {
	state, err := s.current(ctx)
	if err != nil {
		return err
	}

	result, err := s.deps.Conversation.OrchestrateConversation(ctx, s.request(state, trigger, strategy))

	if s.IsTerminal() {
		s.logger.DebugContext(ctx, "Discarding conversation result after stop", "trigger", trigger.Type)

		return nil
	}

	if err != nil {
		return fmt.Errorf("conversation engine failed: %w", err)
	}

	if !result.Success {
		return &ConversationError{Message: result.Error}
	}

	s.applyResult(ctx, result)

	return nil
}

// applyResult merges the shared state produced by a turn into the
// blackboard.
func (s *Swarm) applyResult(ctx context.Context, result *conversation.Result) {
	s.logger.DebugContext(ctx, "Conversation turn finished", "messages", len(result.Messages))

	if len(result.SharedState) == 0 {
		return
	}

	s.patch(ctx, "blackboard", map[string]any{
		"chat_config": map[string]any{"blackboard": result.SharedState},
	})
}

// patch updates the swarm context. Failures are logged only.
func (s *Swarm) patch(ctx context.Context, what string, patch map[string]any) {
	if _, err := s.deps.Store.UpdateContext(ctx, s.ID(), patch, s.ID()); err != nil {
		s.logger.WarnContext(ctx, "Failed to update swarm context", "update", what, "error", err)
	}
}

func (s *Swarm) emit(ctx context.Context, eventType string, data map[string]any) {
	if s.deps.Emitter == nil {
		return
	}

	data[events.KeySwarmID] = s.ID()

	s.deps.Emitter.Emit(ctx, eventType, s.ID(), data,
		events.WithSource(Kind+":"+s.ID()),
		events.WithTier(events.TierSwarm),
	)
}
