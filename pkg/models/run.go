package models

import "time"

// RunStatus is the status column of a durable run record.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunPaused    RunStatus = "Paused"
	RunSuspended RunStatus = "Suspended"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Resumable reports whether a run in this status may be resumed.
func (s RunStatus) Resumable() bool {
	return s == RunPaused || s == RunSuspended
}

// ExecutionState maps a persisted status onto the state machine's states.
func (s RunStatus) ExecutionState() (ExecutionState, bool) {
	switch s {
	case RunPending:
		return StateReady, true
	case RunRunning:
		return StateRunning, true
	case RunPaused:
		return StatePaused, true
	case RunSuspended:
		return StateSuspended, true
	case RunCompleted:
		return StateCompleted, true
	case RunFailed:
		return StateFailed, true
	case RunCancelled:
		return StateCancelled, true
	default:
		return "", false
	}
}

// RunStatusFor maps a machine state onto the persisted status.
func RunStatusFor(state ExecutionState) RunStatus {
	switch state {
	case StateRunning:
		return RunRunning
	case StatePaused:
		return RunPaused
	case StateSuspended:
		return RunSuspended
	case StateCompleted:
		return RunCompleted
	case StateFailed:
		return RunFailed
	case StateCancelled:
		return RunCancelled
	default:
		return RunPending
	}
}

// RunRecord is the durable database row for a routine run.
type RunRecord struct {
	ID               string     `json:"id"`
	RoutineVersionID string     `json:"routine_version_id"`
	SwarmID          string     `json:"swarm_id,omitempty"`
	Status           RunStatus  `json:"status"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type RunProgress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percent        float64 `json:"percent"`
}

// PauseInfo records who paused or suspended a run and why.
type PauseInfo struct {
	State  ExecutionState `json:"state"`
	By     string         `json:"by,omitempty"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// RunExecutionContext is the routine state machine's durable record.
type RunExecutionContext struct {
	RunID               string              `json:"run_id"`
	RoutineID           string              `json:"routine_id"`
	RoutineVersionID    string              `json:"routine_version_id"`
	SwarmID             string              `json:"swarm_id,omitempty"`
	State               ExecutionState      `json:"state"`
	Navigator           NavigatorState      `json:"navigator"`
	CurrentLocation     Location            `json:"current_location"`
	ActiveLocations     []AbstractLocation  `json:"active_locations"`
	VisitedLocations    []Location          `json:"visited_locations"`
	Variables           map[string]any      `json:"variables"`
	Outputs             map[string]any      `json:"outputs"`
	CompletedSteps      []string            `json:"completed_steps"`
	ResourceLimits      ResourceBudget      `json:"resource_limits"`
	ResourceUsage       ResourceUsage       `json:"resource_usage"`
	Allocation          *ResourceAllocation `json:"allocation,omitempty"`
	Progress            RunProgress         `json:"progress"`
	RetryCount          int                 `json:"retry_count"`
	StartedAt           *time.Time          `json:"started_at,omitempty"`
	LastStateTransition time.Time           `json:"last_state_transition"`
	Pause               *PauseInfo          `json:"pause,omitempty"`
	Result              map[string]any      `json:"result,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
}

// NewRunExecutionContext builds the initial context positioned at start.
func NewRunExecutionContext(runID, routineID, versionID, swarmID string, start Location, limits ResourceBudget, now time.Time) *RunExecutionContext {
	return &RunExecutionContext{
		RunID:               runID,
		RoutineID:           routineID,
		RoutineVersionID:    versionID,
		SwarmID:             swarmID,
		State:               StateLoading,
		Navigator:           NewNavigatorState(),
		CurrentLocation:     start,
		ActiveLocations:     []AbstractLocation{},
		VisitedLocations:    []Location{},
		Variables:           map[string]any{},
		Outputs:             map[string]any{},
		CompletedSteps:      []string{},
		ResourceLimits:      limits,
		LastStateTransition: now,
	}
}

// SetStatus moves the record to status, stamping StartedAt on the first
// transition to running and CompletedAt on the first terminal status.
func (r *RunRecord) SetStatus(status RunStatus, errMsg string, now time.Time) {
	r.Status = status
	r.Error = errMsg
	r.UpdatedAt = now

	if status == RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}

	switch status {
	case RunCompleted, RunFailed, RunCancelled:
		if r.CompletedAt == nil {
			r.CompletedAt = &now
		}
	default:
	}
}
