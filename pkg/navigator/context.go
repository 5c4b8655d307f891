package navigator

import (
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
)

// ExternalSignal is an outbound event a throw event asks the caller to publish.
type ExternalSignal struct {
	Type    models.TriggerType
	Name    string
	NodeID  string
	Payload map[string]any
}

// Timer is a due time registered for a timer catch or boundary event. The
// caller schedules a wake-up so the navigator is consulted again once it
// has elapsed.
type Timer struct {
	Key    string
	NodeID string
	DueAt  time.Time
}

// ExecutionContext is the navigator's view of a run for one navigation
// step. State is mutated in place; Active lists the caller's other active
// locations and is read only.
type ExecutionContext struct {
	Variables map[string]any
	State     *models.NavigatorState
	Active    []models.AbstractLocation
	External  []ExternalSignal
	Now       time.Time
}

// NewExecutionContext wraps persisted navigator state. A nil state starts fresh.
func NewExecutionContext(variables map[string]any, state *models.NavigatorState, now time.Time) *ExecutionContext {
	if variables == nil {
		variables = map[string]any{}
	}

	if state == nil {
		fresh := models.NewNavigatorState()
		state = &fresh
	}

	ensureState(state)

	return &ExecutionContext{
		Variables: variables,
		State:     state,
		Now:       now,
	}
}

func ensureState(state *models.NavigatorState) {
	if state.Parallel == nil {
		state.Parallel = map[string]*models.JoinState{}
	}

	if state.Gateways == nil {
		state.Gateways = map[string][]string{}
	}

	if state.MultiInstance == nil {
		state.MultiInstance = map[string]*models.MultiInstanceState{}
	}

	if state.Events.Fired == nil {
		state.Events.Fired = []models.FiredEvent{}
	}

	if state.Events.Pending == nil {
		state.Events.Pending = []models.PendingEvent{}
	}

	if state.Subprocesses == nil {
		state.Subprocesses = []models.SubprocessScope{}
	}
}

// MessageKey, SignalKey and ErrorKey build the keys fired events are stored under.
func MessageKey(name string) string { return "message:" + name }

func SignalKey(name string) string { return "signal:" + name }

func ErrorKey(code string) string { return "error:" + code }

func timerKey(nodeID string) string { return "timer:" + nodeID }

// Fire records that an awaited event occurred.
func (ec *ExecutionContext) Fire(key string, payload map[string]any) {
	ec.State.Events.Fired = append(ec.State.Events.Fired, models.FiredEvent{
		Key:     key,
		Payload: payload,
		FiredAt: ec.Now,
	})
}

// ClearSignals drops fired signals. Signals are broadcast to whoever is
// waiting when they arrive and are not retained afterwards.
func (ec *ExecutionContext) ClearSignals() {
	kept := ec.State.Events.Fired[:0]

	for _, fired := range ec.State.Events.Fired {
		if !strings.HasPrefix(fired.Key, "signal:") {
			kept = append(kept, fired)
		}
	}

	ec.State.Events.Fired = kept
}

func (ec *ExecutionContext) fired(key string, match func(models.FiredEvent) bool) (int, bool) {
	for i, fired := range ec.State.Events.Fired {
		if fired.Key != key {
			continue
		}

		if match == nil || match(fired) {
			return i, true
		}
	}

	return -1, false
}

func (ec *ExecutionContext) consumeFired(i int) {
	fired := ec.State.Events.Fired
	ec.State.Events.Fired = append(fired[:i:i], fired[i+1:]...)
}

func (ec *ExecutionContext) pending(key string) (models.PendingEvent, bool) {
	for _, pending := range ec.State.Events.Pending {
		if pending.Key == key {
			return pending, true
		}
	}

	return models.PendingEvent{}, false
}

func (ec *ExecutionContext) addPending(event models.PendingEvent) {
	ec.removePending(event.Key)
	ec.State.Events.Pending = append(ec.State.Events.Pending, event)
}

func (ec *ExecutionContext) removePending(key string) {
	kept := make([]models.PendingEvent, 0, len(ec.State.Events.Pending))

	for _, pending := range ec.State.Events.Pending {
		if pending.Key != key {
			kept = append(kept, pending)
		}
	}

	ec.State.Events.Pending = kept
}

// PendingTimers returns every registered timer, used to reschedule wake-ups
// after a restart.
func (ec *ExecutionContext) PendingTimers() []Timer {
	var timers []Timer

	for _, pending := range ec.State.Events.Pending {
		if pending.DueAt != nil {
			timers = append(timers, Timer{Key: pending.Key, NodeID: pending.NodeID, DueAt: *pending.DueAt})
		}
	}

	return timers
}

func (ec *ExecutionContext) isActive(nodeID string) bool {
	for _, loc := range ec.Active {
		if loc.NodeID == nodeID {
			return true
		}
	}

	return false
}

func (ec *ExecutionContext) inScope(scopeID string) bool {
	for _, scope := range ec.State.Subprocesses {
		if scope.SubprocessID == scopeID {
			return true
		}
	}

	return false
}

func (ec *ExecutionContext) pushScope(scopeID string) {
	if ec.inScope(scopeID) {
		return
	}

	ec.State.Subprocesses = append(ec.State.Subprocesses, models.SubprocessScope{
		SubprocessID: scopeID,
		EnteredAt:    ec.Now,
	})
}

func (ec *ExecutionContext) popScope(scopeID string) {
	for i := len(ec.State.Subprocesses) - 1; i >= 0; i-- {
		if ec.State.Subprocesses[i].SubprocessID == scopeID {
			ec.State.Subprocesses = append(ec.State.Subprocesses[:i:i], ec.State.Subprocesses[i+1:]...)

			return
		}
	}
}
