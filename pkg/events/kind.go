package events

import "strings"

// Kind is the closed set of event categories. Envelopes are classified once
// when they enter the process; handlers switch on Kind instead of probing
// type strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindChatMessage
	KindChatCancellation
	KindToolApprovalRequired
	KindToolApprovalGranted
	KindToolApprovalRejected
	KindToolApprovalTimeout
	KindToolOther
	KindRunStarted
	KindRunCompleted
	KindRunFailed
	KindRunCancelled
	KindRunTaskReady
	KindRunTaskCompleted
	KindRunTaskFailed
	KindRunMessage
	KindRunSignal
	KindRunTimer
	KindRunOther
	KindStepCompleted
	KindStepOther
	KindSwarm
	KindSwarmStartRequested
	KindRoutine
	KindRoutineStartRequested
	KindEmergencyStop
	KindSafety
	KindSecurity
	KindUserCancellation
	KindUser
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindChatMessage:           "chat_message",
	KindChatCancellation:      "chat_cancellation",
	KindToolApprovalRequired:  "tool_approval_required",
	KindToolApprovalGranted:   "tool_approval_granted",
	KindToolApprovalRejected:  "tool_approval_rejected",
	KindToolApprovalTimeout:   "tool_approval_timeout",
	KindToolOther:             "tool_other",
	KindRunStarted:            "run_started",
	KindRunCompleted:          "run_completed",
	KindRunFailed:             "run_failed",
	KindRunCancelled:          "run_cancelled",
	KindRunTaskReady:          "run_task_ready",
	KindRunTaskCompleted:      "run_task_completed",
	KindRunTaskFailed:         "run_task_failed",
	KindRunMessage:            "run_message",
	KindRunSignal:             "run_signal",
	KindRunTimer:              "run_timer",
	KindRunOther:              "run_other",
	KindStepCompleted:         "step_completed",
	KindStepOther:             "step_other",
	KindSwarm:                 "swarm",
	KindSwarmStartRequested:   "swarm_start_requested",
	KindRoutine:               "routine",
	KindRoutineStartRequested: "routine_start_requested",
	KindEmergencyStop:         "emergency_stop",
	KindSafety:                "safety",
	KindSecurity:              "security",
	KindUserCancellation:      "user_cancellation",
	KindUser:                  "user",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return "unknown"
}

// Classify maps a hierarchical event type onto its Kind.
func Classify(eventType string) Kind {
	segments := strings.Split(eventType, "/")
	last := segments[len(segments)-1]

	switch segments[0] {
	case "chat":
		return classifyChat(eventType, segments)
	case "tool":
		return classifyTool(eventType)
	case "run":
		return classifyRun(segments)
	case "step":
		if len(segments) >= 3 && last == "completed" {
			return KindStepCompleted
		}

		return KindStepOther
	case "swarm":
		if eventType == SwarmStartRequested {
			return KindSwarmStartRequested
		}

		return KindSwarm
	case "routine":
		if eventType == RoutineStartRequested {
			return KindRoutineStartRequested
		}

		return KindRoutine
	case "safety":
		if strings.Contains(eventType, "emergency_stop") {
			return KindEmergencyStop
		}

		return KindSafety
	case "security":
		return KindSecurity
	case "user":
		if strings.HasSuffix(eventType, "/cancellation/requested") {
			return KindUserCancellation
		}

		return KindUser
	}

	return KindUnknown
}

func classifyChat(eventType string, segments []string) Kind {
	switch {
	case len(segments) >= 2 && segments[1] == "message":
		return KindChatMessage
	case eventType == ChatCancellationRequested:
		return KindChatCancellation
	default:
		return KindUnknown
	}
}

func classifyTool(eventType string) Kind {
	switch eventType {
	case ToolApprovalRequired:
		return KindToolApprovalRequired
	case ToolApprovalGranted:
		return KindToolApprovalGranted
	case ToolApprovalRejected:
		return KindToolApprovalRejected
	case ToolApprovalTimeout:
		return KindToolApprovalTimeout
	default:
		return KindToolOther
	}
}

func classifyRun(segments []string) Kind {
	if len(segments) == 2 {
		switch segments[1] {
		case "started":
			return KindRunStarted
		case "completed":
			return KindRunCompleted
		case "failed":
			return KindRunFailed
		case "cancelled":
			return KindRunCancelled
		}

		return KindRunOther
	}

	if len(segments) < 4 {
		return KindRunOther
	}

	switch segments[2] {
	case "task":
		switch segments[3] {
		case "ready":
			return KindRunTaskReady
		case "completed":
			return KindRunTaskCompleted
		case "failed":
			return KindRunTaskFailed
		}
	case "message":
		return KindRunMessage
	case "signal":
		return KindRunSignal
	case "timer":
		return KindRunTimer
	}

	return KindRunOther
}

// scopedID returns the id segment of run/<id>/... and step/<id>/... types.
func scopedID(eventType string) string {
	segments := strings.Split(eventType, "/")
	if len(segments) < 3 {
		return ""
	}

	if segments[0] != "run" && segments[0] != "step" {
		return ""
	}

	return segments[1]
}

// UserScope returns the user id of a user/<id>/... type.
func UserScope(eventType string) string {
	segments := strings.Split(eventType, "/")
	if len(segments) < 3 || segments[0] != "user" || segments[1] == "cancellation" {
		return ""
	}

	return segments[1]
}
