package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the enrollment pipeline and its HTTP facade.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Processor outcomes by kind and reason
	Outcomes *prometheus.CounterVec

	// Time spent processing one delivery by operation
	ProcessLatency *prometheus.HistogramVec

	// Deliveries currently held by workers
	InFlight prometheus.Gauge

	// Broker acknowledgements by action: ack, retry, dead_letter, requeue
	Acks *prometheus.CounterVec

	// Broker connection (re)establishments
	Reconnects prometheus.Counter

	// HTTP facade requests by route and status code
	HTTPRequests *prometheus.CounterVec
}

// New registers all enrollment metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_processor_outcomes_total",
			Help: "Processed enrollment messages by outcome kind and reason",
		}, []string{"kind", "reason"}),

		ProcessLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrolld_processor_duration_seconds",
			Help:    "Duration of processing one enrollment message including store round trips",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}), // operation: "create", "update", "cancel", "unknown"

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enrolld_consumer_in_flight",
			Help: "Deliveries currently being processed",
		}),

		Acks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_consumer_acks_total",
			Help: "Broker acknowledgements by action",
		}, []string{"action"}),

		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "enrolld_consumer_connects_total",
			Help: "Broker connections established, including the first",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrolld_http_requests_total",
			Help: "HTTP facade requests by route pattern and status code",
		}, []string{"route", "code"}),
	}
}

// IncrementOutcome records one processor outcome.
func (m *Metrics) IncrementOutcome(kind, reason string) {
	if m != nil {
		m.Outcomes.WithLabelValues(kind, reason).Inc()
	}
}

// ObserveProcessLatency records how long one message took.
func (m *Metrics) ObserveProcessLatency(operation string, d time.Duration) {
	if m != nil {
		m.ProcessLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncInFlight() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) DecInFlight() {
	if m != nil {
		m.InFlight.Dec()
	}
}

// IncrementAck records a broker acknowledgement action.
func (m *Metrics) IncrementAck(action string) {
	if m != nil {
		m.Acks.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncrementReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

// IncrementHTTPRequest records a served request.
func (m *Metrics) IncrementHTTPRequest(route, code string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, code).Inc()
	}
}
