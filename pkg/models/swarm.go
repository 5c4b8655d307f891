package models

import "time"

// SubtaskStatus tracks a single unit of work the swarm has planned.
type SubtaskStatus string

const (
	SubtaskTodo       SubtaskStatus = "todo"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskDone       SubtaskStatus = "done"
	SubtaskFailed     SubtaskStatus = "failed"
)

type Subtask struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Status      SubtaskStatus `json:"status"`
	AssigneeID  string        `json:"assignee_id,omitempty"`
}

// SchedulingConfig is the swarm's tool-approval policy.
type SchedulingConfig struct {
	ApprovalTimeoutMs   int64    `json:"approval_timeout_ms"    mapstructure:"approval_timeout_ms"    validate:"gte=0"`
	AutoRejectOnTimeout bool     `json:"auto_reject_on_timeout" mapstructure:"auto_reject_on_timeout"`
	RequiresApproval    []string `json:"requires_approval"      mapstructure:"requires_approval"`
}

type PendingToolCall struct {
	ToolCallID  string         `json:"tool_call_id"`
	ToolName    string         `json:"tool_name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// ChatConfig is the conversational configuration a swarm runs with. It is
// persisted per chat so a new swarm on the same chat picks it back up.
type ChatConfig struct {
	ChatID           string            `json:"chat_id,omitempty"`
	Goal             string            `json:"goal"`
	Subtasks         []Subtask         `json:"subtasks"`
	Blackboard       Blackboard        `json:"blackboard"`
	Scheduling       SchedulingConfig  `json:"scheduling"`
	PendingToolCalls []PendingToolCall `json:"pending_tool_calls"`
}

// CompletedSubtasks counts subtasks in the done state.
func (c ChatConfig) CompletedSubtasks() int {
	n := 0

	for _, subtask := range c.Subtasks {
		if subtask.Status == SubtaskDone {
			n++
		}
	}

	return n
}

// PendingToolCall returns the pending call with the given id.
func (c ChatConfig) PendingToolCall(toolCallID string) (PendingToolCall, bool) {
	for _, call := range c.PendingToolCalls {
		if call.ToolCallID == toolCallID {
			return call, true
		}
	}

	return PendingToolCall{}, false
}

// WithoutPendingToolCall returns the pending list minus toolCallID.
func (c ChatConfig) WithoutPendingToolCall(toolCallID string) []PendingToolCall {
	out := make([]PendingToolCall, 0, len(c.PendingToolCalls))

	for _, call := range c.PendingToolCalls {
		if call.ToolCallID != toolCallID {
			out = append(out, call)
		}
	}

	return out
}

// ActiveRun is the summary a swarm keeps for each child routine run.
type ActiveRun struct {
	RunID     string         `json:"run_id"`
	RoutineID string         `json:"routine_id,omitempty"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Summary   map[string]any `json:"summary,omitempty"`
}

type SwarmExecution struct {
	Status         ExecutionState       `json:"status"`
	LeaderID       string               `json:"leader_id"`
	Agents         []string             `json:"agents"`
	ActiveRuns     map[string]ActiveRun `json:"active_runs"`
	FinishedRuns   map[string]ActiveRun `json:"finished_runs,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	LastActivityAt *time.Time           `json:"last_activity_at,omitempty"`
}

type SwarmMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	UpdatedBy   string    `json:"updated_by"`
	Subscribers []string  `json:"subscribers"`
}

// SwarmState is the authoritative swarm record owned by the context store.
type SwarmState struct {
	SwarmID    string         `json:"swarm_id"`
	Version    int64          `json:"version"`
	ChatConfig ChatConfig     `json:"chat_config"`
	Execution  SwarmExecution `json:"execution"`
	Resources  SwarmResources `json:"resources"`
	Metadata   SwarmMetadata  `json:"metadata"`
}

// NewSwarmState builds the initial record for a swarm led by leaderID.
func NewSwarmState(swarmID, leaderID string, chat ChatConfig, budget ResourceBudget, now time.Time) *SwarmState {
	if chat.Blackboard == nil {
		chat.Blackboard = Blackboard{}
	}

	if chat.Subtasks == nil {
		chat.Subtasks = []Subtask{}
	}

	if chat.PendingToolCalls == nil {
		chat.PendingToolCalls = []PendingToolCall{}
	}

	return &SwarmState{
		SwarmID:    swarmID,
		Version:    1,
		ChatConfig: chat,
		Execution: SwarmExecution{
			Status:     StateUninitialized,
			LeaderID:   leaderID,
			Agents:     []string{},
			ActiveRuns: map[string]ActiveRun{},
			StartedAt:  &now,
		},
		Resources: NewSwarmResources(budget),
		Metadata: SwarmMetadata{
			CreatedAt:   now,
			LastUpdated: now,
			UpdatedBy:   leaderID,
			Subscribers: []string{leaderID},
		},
	}
}
