package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the messaging core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	ProjectionWrites  *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edd_events_bus_messages_received_total",
			Help: "Messages received from the bus, by subject",
		}, []string{"subject"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edd_events_bus_messages_dropped_total",
			Help: "Messages dropped without being applied, by subject and reason",
		}, []string{"subject", "reason"}),
		MessagesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edd_events_bus_messages_published_total",
			Help: "Publish attempts, by subject and result",
		}, []string{"subject", "result"}),
		ProjectionWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edd_events_projection_writes_total",
			Help: "User projection writes, by operation and result",
		}, []string{"op", "result"}),
		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edd_events_bus_handler_duration_seconds",
			Help:    "Time spent in subscription handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"subject"}),
	}
}

func (m *Metrics) Received(subject string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(subject).Inc()
}

func (m *Metrics) Dropped(subject, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(subject, reason).Inc()
}

func (m *Metrics) Published(subject string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MessagesPublished.WithLabelValues(subject, result).Inc()
}

func (m *Metrics) ProjectionWrite(op, result string) {
	if m == nil {
		return
	}
	m.ProjectionWrites.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveHandler(subject string, start time.Time) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
}
