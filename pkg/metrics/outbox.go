package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics tracks relay throughput and the unrelayed backlog.
type OutboxMetrics struct {
	unrelayed *prometheus.GaugeVec
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

// NewOutboxMetrics registers the outbox metrics on the provided registerer.
func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	unrelayed := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_unrelayed_records",
		Help: "Outbox records committed but not yet relayed to the event log.",
	}, []string{"service"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relay_published_total",
		Help: "Outbox records appended to the event log.",
	}, []string{"event_type"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_relay_failures_total",
		Help: "Outbox relay attempts that failed and will be retried.",
	}, []string{"event_type"})
	reg.MustRegister(unrelayed, published, failures)
	return &OutboxMetrics{
		unrelayed: unrelayed,
		published: published,
		failures:  failures,
	}
}

// SetUnrelayed records the current backlog for a service.
func (m *OutboxMetrics) SetUnrelayed(service string, count int64) {
	if m == nil || m.unrelayed == nil {
		return
	}
	m.unrelayed.WithLabelValues(normalizeLabel(service)).Set(float64(count))
}

func (m *OutboxMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *OutboxMetrics) IncFailure(eventType string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(eventType)).Inc()
}
