package events

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"chat/message/created":           KindChatMessage,
		"chat/message/updated":           KindChatMessage,
		"chat/cancellation/requested":    KindChatCancellation,
		"tool/approval/required":         KindToolApprovalRequired,
		"tool/approval/granted":          KindToolApprovalGranted,
		"tool/approval/rejected":         KindToolApprovalRejected,
		"tool/approval/timeout":          KindToolApprovalTimeout,
		"tool/failed":                    KindToolOther,
		"run/started":                    KindRunStarted,
		"run/completed":                  KindRunCompleted,
		"run/failed":                     KindRunFailed,
		"run/cancelled":                  KindRunCancelled,
		"run/r1/task/ready":              KindRunTaskReady,
		"run/r1/task/completed":          KindRunTaskCompleted,
		"run/r1/task/failed":             KindRunTaskFailed,
		"run/r1/message/invoice":         KindRunMessage,
		"run/r1/signal/go":               KindRunSignal,
		"run/r1/timer/elapsed":           KindRunTimer,
		"run/r1/something":               KindRunOther,
		"step/r1/completed":              KindStepCompleted,
		"step/r1/started":                KindStepOther,
		"swarm/started":                  KindSwarm,
		"swarm/start/requested":          KindSwarmStartRequested,
		"routine/start/requested":        KindRoutineStartRequested,
		"routine/state/changed":          KindRoutine,
		"safety/emergency_stop":          KindEmergencyStop,
		"safety/global/emergency_stop_1": KindEmergencyStop,
		"safety/warning":                 KindSafety,
		"security/breach":                KindSecurity,
		"user/cancellation/requested":    KindUserCancellation,
		"user/u1/cancellation/requested": KindUserCancellation,
		"user/u1/profile/updated":        KindUser,
		"billing/charged":                KindUnknown,
	}

	for eventType, want := range cases {
		assert.Equal(t, want, Classify(eventType), eventType)
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "tool_approval_granted", KindToolApprovalGranted.String())
	assert.Equal(t, "unknown", Kind(999).String())
}

func TestPattern_Match(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"chat/*", "chat/message/created", true},
		{"chat/*", "tool/approval/granted", false},
		{"run/*", "run/completed", true},
		{"run/r1/*", "run/r1/task/ready", true},
		{"run/r1/*", "run/r2/task/ready", false},
		{"step/r1/*", "step/r1/completed", true},
		{"user/u1/*", "user/u1/cancellation/requested", true},
		{"tool/approval/granted", "tool/approval/granted", true},
		{"tool/approval/granted", "tool/approval/rejected", false},
		{"safety/*emergency_stop*", "safety/emergency_stop", true},
		{"*", "anything/at/all", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, MustPattern(tc.pattern).Match(tc.eventType), "%s ~ %s", tc.pattern, tc.eventType)
	}
}

func TestNewPattern_Invalid(t *testing.T) {
	_, err := NewPattern("")
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = NewPattern("chat/[")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestMatchAny(t *testing.T) {
	patterns := Patterns("chat/*", "tool/*")

	assert.True(t, MatchAny(patterns, "tool/failed"))
	assert.False(t, MatchAny(patterns, "swarm/started"))
}

func TestNewAndDecode(t *testing.T) {
	e := New(ToolApprovalGranted, "s1", map[string]any{KeyToolName: "search"},
		WithTier(TierExternal),
		WithSource("api"),
		WithExecution(&ExecutionContext{OriginalToolCall: &ToolCall{ID: "call-1", Name: "search"}}))

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, KindToolApprovalGranted, e.Kind)

	payload, err := json.Marshal(e)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, KindToolApprovalGranted, decoded.Kind)
	assert.Equal(t, "search", decoded.Field(KeyToolName))
	assert.Equal(t, "call-1", decoded.ToolCallID())
	assert.Equal(t, TierExternal, decoded.Tier)

	_, err = Decode([]byte(`{"id":"x"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecodeKeepsCreditsExact(t *testing.T) {
	payload := []byte(`{"id":"e1","type":"step/r1/completed","data":{"creditsUsed":0.1,"toolCalls":2,"outputs":{"score":1.5}}}`)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	credits, ok := decoded.Data[KeyCreditsUsed].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.1").Equal(credits))

	calls, ok := decoded.Int("toolCalls")
	require.True(t, ok)
	assert.Equal(t, int64(2), calls)
	assert.Equal(t, map[string]any{"score": 1.5}, decoded.Data[KeyOutputs])

	_, err = Decode([]byte(`{"type":"step/r1/completed","data":{"creditsUsed":1e999999999999}}`))
	assert.Error(t, err)
}

func TestEnvelope_ScopeHelpers(t *testing.T) {
	e := New(TaskCompleted("r9"), "", map[string]any{"count": float64(3)})

	assert.Equal(t, "r9", e.RunID())
	n, ok := e.Int("count")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	assert.Equal(t, "u1", UserScope("user/u1/profile/updated"))
	assert.Equal(t, "", UserScope("user/cancellation/requested"))
	assert.Equal(t, "invoice", EventName(RunMessage("r1", "invoice")))
}
