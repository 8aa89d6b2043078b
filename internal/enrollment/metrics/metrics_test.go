package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementOutcome("applied", "")
		m.ObserveProcessLatency("create", time.Millisecond)
		m.IncInFlight()
		m.DecInFlight()
		m.IncrementAck("ack")
		m.IncrementReconnect()
		m.IncrementHTTPRequest("/enrollments", "201")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementOutcome("rejected", "duplicate")
	m.IncrementOutcome("rejected", "duplicate")
	m.IncrementAck("dead_letter")
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("rejected", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Acks.WithLabelValues("dead_letter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
}
