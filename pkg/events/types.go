package events

// Well-known event types.
const (
	ChatMessageCreated        = "chat/message/created"
	ChatCancellationRequested = "chat/cancellation/requested"

	ToolApprovalRequired = "tool/approval/required"
	ToolApprovalGranted  = "tool/approval/granted"
	ToolApprovalRejected = "tool/approval/rejected"
	ToolApprovalTimeout  = "tool/approval/timeout"
	ToolFailed           = "tool/failed"

	RunStarted   = "run/started"
	RunCompleted = "run/completed"
	RunFailed    = "run/failed"
	RunCancelled = "run/cancelled"

	SwarmStarted          = "swarm/started"
	SwarmStateChanged     = "swarm/state/changed"
	SwarmStatusChanged    = "swarm/status/changed"
	SwarmStartRequested   = "swarm/start/requested"
	RoutineStateChanged   = "routine/state/changed"
	RoutineStartRequested = "routine/start/requested"

	SafetyEmergencyStop       = "safety/emergency_stop"
	UserCancellationRequested = "user/cancellation/requested"
)

func TaskReady(runID string) string { return "run/" + runID + "/task/ready" }

func TaskCompleted(runID string) string { return "run/" + runID + "/task/completed" }

func TaskFailed(runID string) string { return "run/" + runID + "/task/failed" }

func RunMessage(runID, name string) string { return "run/" + runID + "/message/" + name }

func RunSignal(runID, name string) string { return "run/" + runID + "/signal/" + name }

func RunTimerElapsed(runID string) string { return "run/" + runID + "/timer/elapsed" }

func StepCompleted(runID string) string { return "step/" + runID + "/completed" }

// EventName returns the trailing segment, e.g. the message name of
// run/<id>/message/<name>.
func EventName(eventType string) string {
	for i := len(eventType) - 1; i >= 0; i-- {
		if eventType[i] == '/' {
			return eventType[i+1:]
		}
	}

	return eventType
}
