package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/conversation"
	"github.com/dukex/swarmflow/pkg/events"
	"github.com/dukex/swarmflow/pkg/lock"
	"github.com/dukex/swarmflow/pkg/models"
	"github.com/dukex/swarmflow/pkg/statemachine"
)

func (s *Swarm) EventPatterns() []events.Pattern {
	return events.Patterns(
		"chat/*",
		"tool/*",
		events.RunStarted,
		events.RunCompleted,
		events.RunFailed,
		events.RunCancelled,
		"swarm/*",
		"safety/*",
		"security/*",
		"user/*",
	)
}

// ShouldHandleEvent accepts events scoped to this swarm by swarm id, chat id
// or user, and broadcasts that carry no scoping field.
func (s *Swarm) ShouldHandleEvent(env *events.Envelope) bool {
	if swarmID := env.SwarmID(); swarmID != "" {
		return swarmID == s.ID()
	}

	if chatID := env.ChatID(); chatID != "" {
		return chatID == s.ChatID()
	}

	if userID := events.UserScope(env.Type); userID != "" {
		return userID == s.UserID()
	}

	return true
}

func (s *Swarm) ProcessEvent(ctx context.Context, env *events.Envelope) error {
	if s.IsTerminal() {
		s.logger.DebugContext(ctx, "Ignoring event after completion", "event_type", env.Type)

		return nil
	}

	switch env.Kind {
	case events.KindChatMessage:
		return s.handleExternalMessage(ctx, env)
	case events.KindChatCancellation:
		_, err := s.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopGraceful, Reason: "User requested cancellation"})

		return err
	case events.KindToolApprovalRequired:
		return s.handleApprovalRequired(ctx, env)
	case events.KindToolApprovalGranted:
		return s.handleApprovedTool(ctx, env)
	case events.KindToolApprovalRejected:
		return s.handleRejectedTool(ctx, env)
	case events.KindToolApprovalTimeout:
		return s.handleApprovalTimeout(ctx, env)
	case events.KindRunStarted:
		s.recordRunStarted(ctx, env)

		return nil
	case events.KindRunCompleted, events.KindRunFailed:
		return s.handleInternalStatusUpdate(ctx, env)
	case events.KindRunCancelled:
		s.forgetRun(ctx, env.RunID())

		return nil
	case events.KindSwarm:
		if env.SwarmID() != s.ID() {
			s.logger.InfoContext(ctx, "Observed swarm event", "event_type", env.Type, "source", env.Source)
		}

		return nil
	case events.KindSafety, events.KindEmergencyStop, events.KindSecurity:
		_, err := s.Stop(ctx, statemachine.StopOptions{Mode: statemachine.StopForce, Reason: "Emergency stop requested"})

		return err
	default:
		s.logger.DebugContext(ctx, "Ignoring unhandled event", "event_type", env.Type, "kind", env.Kind.String())

		return nil
	}
}

func (s *Swarm) handleExternalMessage(ctx context.Context, env *events.Envelope) error {
	if s.State() == models.StateReady {
		if err := s.TransitionTo(ctx, models.StateRunning); err != nil {
			return err
		}
	}

	return s.converse(ctx, conversation.Trigger{
		Type:      conversation.TriggerUserMessage,
		Message:   env.Field(events.KeyMessage),
		LastEvent: env,
	}, conversation.StrategyConversational)
}

// handleApprovedTool lets an approved tool call continue unless the
// interceptor blocks it. The approval lock covers the interception check.
func (s *Swarm) handleApprovedTool(ctx context.Context, env *events.Envelope) error {
	toolName := env.Field(events.KeyToolName)
	if toolName == "" || env.Execution == nil || env.Execution.OriginalToolCall == nil {
		s.logger.WarnContext(ctx, "Approved tool event without tool name or original call", "event_id", env.ID)

		return nil
	}

	state, err := s.current(ctx)
	if err != nil {
		return err
	}

	toolCallID := env.ToolCallID()
	key := lock.ToolApprovalKey(s.ID(), toolCallID)

	acquired, err := s.deps.Locks.AcquireLock(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire approval lock: %w", err)
	}

	if !acquired {
		s.logger.InfoContext(ctx, "Approval already being handled", "tool_call_id", toolCallID)

		return nil
	}

	verdict, err := s.deps.Interceptor.CheckInterception(ctx, env, state)

	if _, rerr := s.deps.Locks.ReleaseLock(ctx, key); rerr != nil {
		s.logger.WarnContext(ctx, "Failed to release approval lock", "key", key, "error", rerr)
	}

	if err != nil {
		return fmt.Errorf("failed to check interception: %w", err)
	}

	s.resolvePending(ctx, state, toolCallID)

	if verdict.Blocked() {
		s.logger.WarnContext(ctx, "Tool call blocked", "tool_name", toolName, "responses", verdict.Responses)

		s.emit(ctx, events.ToolFailed, map[string]any{
			events.KeyToolName:   toolName,
			events.KeyToolCallID: toolCallID,
			events.KeyMessage:    fmt.Sprintf("Tool %s was blocked by security system", toolName),
			events.KeyReason:     strings.Join(verdict.Responses, "; "),
		})

		return nil
	}

	return s.converse(ctx, conversation.Trigger{Type: conversation.TriggerContinue, LastEvent: env}, conversation.StrategyConversational)
}

// handleRejectedTool asks the engine to reason about an alternative.
func (s *Swarm) handleRejectedTool(ctx context.Context, env *events.Envelope) error {
	if env.Field(events.KeyToolName) == "" {
		s.logger.WarnContext(ctx, "Rejected tool event without tool name", "event_id", env.ID)

		return nil
	}

	state, err := s.current(ctx)
	if err != nil {
		return err
	}

	s.resolvePending(ctx, state, env.ToolCallID())

	return s.converse(ctx, conversation.Trigger{Type: conversation.TriggerContinue, LastEvent: env}, conversation.StrategyReasoning)
}

// handleApprovalRequired registers a pending tool call and schedules its
// approval timeout.
func (s *Swarm) handleApprovalRequired(ctx context.Context, env *events.Envelope) error {
	toolCallID := env.ToolCallID()
	if toolCallID == "" {
		s.logger.WarnContext(ctx, "Approval request without tool call id", "event_id", env.ID)

		return nil
	}

	state, err := s.current(ctx)
	if err != nil {
		return err
	}

	now := s.deps.Now()
	timeout := time.Duration(state.ChatConfig.Scheduling.ApprovalTimeoutMs) * time.Millisecond

	call := models.PendingToolCall{
		ToolCallID:  toolCallID,
		ToolName:    env.Field(events.KeyToolName),
		RequestedAt: now,
	}

	if env.Execution != nil && env.Execution.OriginalToolCall != nil {
		call.Arguments = env.Execution.OriginalToolCall.Arguments
		if call.ToolName == "" {
			call.ToolName = env.Execution.OriginalToolCall.Name
		}
	}

	if timeout > 0 {
		expires := now.Add(timeout)
		call.ExpiresAt = &expires
	}

	s.patch(ctx, "pending tool call", map[string]any{
		"chat_config": map[string]any{
			"pending_tool_calls": append(state.ChatConfig.WithoutPendingToolCall(toolCallID), call),
		},
	})

	if timeout > 0 {
		s.EnqueueAfter(timeout, events.New(events.ToolApprovalTimeout, s.ID(), map[string]any{
			events.KeySwarmID:    s.ID(),
			events.KeyToolCallID: toolCallID,
			events.KeyToolName:   call.ToolName,
		}, events.WithExecution(env.Execution), events.WithSource(Kind+":"+s.ID()), events.WithTier(events.TierSwarm)))
	}

	return nil
}

// handleApprovalTimeout auto-rejects a call that is still pending when the
// chat is configured to.
func (s *Swarm) handleApprovalTimeout(ctx context.Context, env *events.Envelope) error {
	state, err := s.current(ctx)
	if err != nil {
		return err
	}

	call, pending := state.ChatConfig.PendingToolCall(env.ToolCallID())
	if !pending {
		s.logger.DebugContext(ctx, "Approval already resolved", "tool_call_id", env.ToolCallID())

		return nil
	}

	if !state.ChatConfig.Scheduling.AutoRejectOnTimeout {
		s.logger.InfoContext(ctx, "Approval timed out, waiting for a decision", "tool_call_id", call.ToolCallID)

		return nil
	}

	s.logger.InfoContext(ctx, "Auto-rejecting tool call after approval timeout", "tool_call_id", call.ToolCallID)

	rejection := events.New(events.ToolApprovalRejected, s.ID(), map[string]any{
		events.KeySwarmID:    s.ID(),
		events.KeyToolCallID: call.ToolCallID,
		events.KeyToolName:   call.ToolName,
		events.KeyReason:     "Approval timed out",
	}, events.WithExecution(env.Execution), events.WithSource(Kind+":"+s.ID()), events.WithTier(events.TierSwarm))

	return s.handleRejectedTool(ctx, rejection)
}

// handleInternalStatusUpdate reacts to a child run finishing. Failures are
// handed to the reasoning strategy and put a running swarm back to READY.
func (s *Swarm) handleInternalStatusUpdate(ctx context.Context, env *events.Envelope) error {
	s.forgetRun(ctx, env.RunID())

	if env.Kind == events.KindRunCompleted {
		return s.converse(ctx, conversation.Trigger{Type: conversation.TriggerContinue, LastEvent: env}, conversation.StrategyConversational)
	}

	err := s.converse(ctx, conversation.Trigger{Type: conversation.TriggerContinue, LastEvent: env}, conversation.StrategyReasoning)

	if s.State() == models.StateRunning {
		if terr := s.TransitionTo(ctx, models.StateReady); terr != nil {
			s.logger.WarnContext(ctx, "Failed to return to READY", "error", terr)
		}
	}

	return err
}

func (s *Swarm) recordRunStarted(ctx context.Context, env *events.Envelope) {
	runID := env.RunID()
	if runID == "" {
		return
	}

	s.patch(ctx, "active run", map[string]any{
		"execution": map[string]any{
			"active_runs": map[string]any{
				runID: models.ActiveRun{
					RunID:     runID,
					RoutineID: env.Field("routineId"),
					Status:    string(models.StateRunning),
					StartedAt: env.Timestamp,
				},
			},
		},
	})
}

func (s *Swarm) forgetRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}

	s.patch(ctx, "active run", map[string]any{
		"execution": map[string]any{"active_runs": map[string]any{runID: nil}},
	})
}

// resolvePending drops toolCallID from the pending tool calls.
func (s *Swarm) resolvePending(ctx context.Context, state *models.SwarmState, toolCallID string) {
	if _, pending := state.ChatConfig.PendingToolCall(toolCallID); !pending {
		return
	}

	s.patch(ctx, "pending tool call", map[string]any{
		"chat_config": map[string]any{
			"pending_tool_calls": state.ChatConfig.WithoutPendingToolCall(toolCallID),
		},
	})
}
