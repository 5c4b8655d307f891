package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EventProcessed("swarm", "chat_message", 10*time.Millisecond)
	m.EventProcessed("swarm", "chat_message", 5*time.Millisecond)
	m.Transition("routine", "RUNNING")
	m.EventError("swarm", true)
	m.Allocation("allocate", "ok")
	m.InstanceStarted("routine")

	assert.InDelta(t, 2, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("swarm", "chat_message")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Transitions.WithLabelValues("routine", "RUNNING")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventErrors.WithLabelValues("swarm", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ActiveInstances.WithLabelValues("routine")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.EventProcessed("swarm", "x", time.Second)
		m.EventDropped("swarm", "scope")
		m.Transition("swarm", "READY")
		m.InstanceStopped("swarm")
	})
}
