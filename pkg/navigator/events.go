package navigator

import (
	"strings"
	"time"

	"github.com/dukex/swarmflow/pkg/models"
)

func (n *Navigator) event(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	switch node.EventType {
	case models.EventStart, models.EventBoundary:
		return n.fallbackOrMatching(g, node, ec), nil
	case models.EventEnd:
		return n.end(g, node, ec)
	case models.EventIntermediateThrow:
		n.throw(node, ec)

		return n.fallbackOrMatching(g, node, ec), nil
	case models.EventIntermediateCatch:
		result := &Result{}
		if node.TriggerType() == models.TriggerTimer {
			if timer, ok := n.registerTimer(node, ec); ok {
				result.Timers = append(result.Timers, timer)
			}
		}

		return n.catch(g, node, current, ec, result)
	}

	n.logger.Warn("Unsupported event type, following unconditioned flows", "node_id", node.ID, "event_type", node.EventType)

	return n.fallback(g, node, ec), nil
}

func (n *Navigator) fallbackOrMatching(g *graph, node *models.Node, ec *ExecutionContext) *Result {
	result := &Result{ActivityComplete: true}
	n.follow(g, result, ec, n.matching(g.outgoing[node.ID], ec))

	return result
}

func (n *Navigator) throw(node *models.Node, ec *ExecutionContext) {
	signal := ExternalSignal{Type: models.TriggerSignal, NodeID: node.ID, Name: node.ID}
	if node.Trigger != nil {
		signal.Type = node.Trigger.Type
		if node.Trigger.Name != "" {
			signal.Name = node.Trigger.Name
		}
	}

	ec.External = append(ec.External, signal)
}

// end finishes a branch. Inside a subprocess the scope completes once no
// other location remains active in it; error end events raise their error
// on the enclosing subprocess.
func (n *Navigator) end(g *graph, node *models.Node, ec *ExecutionContext) (*Result, error) {
	if node.TriggerType() == models.TriggerError {
		code := ""
		if node.Trigger != nil {
			code = node.Trigger.Name
		}

		if node.ParentID == "" {
			return nil, &UnhandledErrorEvent{NodeID: node.ID, Code: code}
		}

		return n.raise(g, node.ParentID, code, ec)
	}

	if node.TriggerType() == models.TriggerSignal || node.TriggerType() == models.TriggerMessage {
		n.throw(node, ec)
	}

	if node.ParentID == "" {
		return &Result{ActivityComplete: true}, nil
	}

	return n.endInSubprocess(g, node, ec)
}

// catch returns the successors of a catch event when its trigger is
// satisfied, otherwise the waiting location.
func (n *Navigator) catch(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext, result *Result) (*Result, error) {
	if n.satisfied(node, node.ParentID, ec, true) {
		result.ActivityComplete = true
		n.follow(g, result, ec, n.matching(g.outgoing[node.ID], ec))

		return result, nil
	}

	waiting := current
	waiting.Kind = waitingKind(node.TriggerType())
	waiting.EventID = node.ID
	waiting.ViaFlowID = ""
	result.Locations = append(result.Locations, waiting)

	return result, nil
}

func (n *Navigator) resumeCatch(g *graph, node *models.Node, current models.AbstractLocation, ec *ExecutionContext) (*Result, error) {
	return n.catch(g, node, current, ec, &Result{})
}

func waitingKind(trigger models.TriggerType) models.ContinuationKind {
	switch trigger {
	case models.TriggerTimer:
		return models.WaitingOnTimer
	case models.TriggerMessage:
		return models.WaitingOnMessage
	case models.TriggerSignal:
		return models.WaitingOnSignal
	default:
		return models.WaitingOnCondition
	}
}

// satisfied reports whether the trigger of an event node has occurred.
// Consumable events are removed when consume is set. scope is the activity
// an error must originate from.
func (n *Navigator) satisfied(node *models.Node, scope string, ec *ExecutionContext, consume bool) bool {
	trigger := node.Trigger
	if trigger == nil {
		return true
	}

	switch trigger.Type {
	case models.TriggerTimer:
		pending, ok := ec.pending(timerKey(node.ID))
		if !ok || pending.DueAt == nil || pending.DueAt.After(ec.Now) {
			return false
		}

		if consume {
			ec.removePending(pending.Key)
		}

		return true
	case models.TriggerMessage:
		return n.consumeIfFired(ec, MessageKey(trigger.Name), nil, consume)
	case models.TriggerSignal:
		_, ok := ec.fired(SignalKey(trigger.Name), nil)

		return ok
	case models.TriggerError:
		return n.errorFired(trigger.Name, scope, ec, consume)
	case models.TriggerConditional:
		return trigger.Condition != "" && n.evaluator.Evaluate(trigger.Condition, ec.Variables)
	}

	return true
}

func (n *Navigator) consumeIfFired(ec *ExecutionContext, key string, match func(models.FiredEvent) bool, consume bool) bool {
	i, ok := ec.fired(key, match)
	if ok && consume {
		ec.consumeFired(i)
	}

	return ok
}

func (n *Navigator) errorFired(code, activityID string, ec *ExecutionContext, consume bool) bool {
	fromActivity := func(fired models.FiredEvent) bool {
		source, _ := fired.Payload["nodeId"].(string)

		return source == "" || source == activityID
	}

	for i, fired := range ec.State.Events.Fired {
		if !strings.HasPrefix(fired.Key, "error:") || !fromActivity(fired) {
			continue
		}

		if code != "" && fired.Key != ErrorKey(code) {
			continue
		}

		if consume {
			ec.consumeFired(i)
		}

		return true
	}

	return false
}

// registerTimer computes and records the due time of a timer event.
func (n *Navigator) registerTimer(node *models.Node, ec *ExecutionContext) (Timer, bool) {
	key := timerKey(node.ID)
	if pending, ok := ec.pending(key); ok && pending.DueAt != nil {
		return Timer{}, false
	}

	due, ok := n.dueAt(node.Trigger, ec.Now)
	if !ok {
		n.logger.Warn("Timer event has no usable schedule", "node_id", node.ID)

		return Timer{}, false
	}

	ec.addPending(models.PendingEvent{Key: key, NodeID: node.ID, DueAt: &due})

	return Timer{Key: key, NodeID: node.ID, DueAt: due}, true
}

func (n *Navigator) dueAt(trigger *models.EventTrigger, now time.Time) (time.Time, bool) {
	if trigger == nil {
		return time.Time{}, false
	}

	switch {
	case trigger.Date != nil:
		return *trigger.Date, true
	case trigger.Duration != "":
		d, err := time.ParseDuration(trigger.Duration)
		if err != nil {
			return time.Time{}, false
		}

		return now.Add(d), true
	case trigger.Cycle != "":
		schedule, err := n.cron.Parse(trigger.Cycle)
		if err != nil {
			return time.Time{}, false
		}

		return schedule.Next(now), true
	}

	return time.Time{}, false
}
