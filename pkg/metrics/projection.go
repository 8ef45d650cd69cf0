package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Apply results reported by projection consumers. Bridged deliveries skipped
// versions withheld by an evicted business transaction; effect_failed counts
// side effects given up after their retries.
const (
	ResultApplied      = "applied"
	ResultDuplicate    = "duplicate"
	ResultError        = "error"
	ResultUnsupported  = "unsupported"
	ResultBridged      = "bridged"
	ResultEffectFailed = "effect_failed"
)

// ProjectionMetrics tracks projection consumers in both modes.
type ProjectionMetrics struct {
	applied  *prometheus.CounterVec
	evicted  *prometheus.CounterVec
	owned    *prometheus.GaugeVec
	restores *prometheus.CounterVec
}

// NewProjectionMetrics registers the projection metrics on the provided registerer.
func NewProjectionMetrics(reg prometheus.Registerer) *ProjectionMetrics {
	if reg == nil {
		return &ProjectionMetrics{}
	}
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_consumer_applied_total",
		Help: "Events handled by projection consumers by mode and result.",
	}, []string{"mode", "result"})
	evicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_business_transactions_evicted_total",
		Help: "Open business transactions dropped from the buffer without being applied.",
	}, []string{"reason"})
	owned := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "projection_partition_owned",
		Help: "1 while this instance owns the partition.",
	}, []string{"partition"})
	restores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "projection_restore_attempts_total",
		Help: "Restore attempts by result.",
	}, []string{"result"})
	reg.MustRegister(applied, evicted, owned, restores)
	return &ProjectionMetrics{
		applied:  applied,
		evicted:  evicted,
		owned:    owned,
		restores: restores,
	}
}

func (m *ProjectionMetrics) IncApplied(mode, result string) {
	if m == nil || m.applied == nil {
		return
	}
	m.applied.WithLabelValues(normalizeLabel(mode), normalizeLabel(result)).Inc()
}

func (m *ProjectionMetrics) IncEvicted(reason string) {
	if m == nil || m.evicted == nil {
		return
	}
	m.evicted.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *ProjectionMetrics) SetPartitionOwned(partition int, owned bool) {
	if m == nil || m.owned == nil {
		return
	}
	value := 0.0
	if owned {
		value = 1
	}
	m.owned.WithLabelValues(strconv.Itoa(partition)).Set(value)
}

func (m *ProjectionMetrics) IncRestoreAttempt(result string) {
	if m == nil || m.restores == nil {
		return
	}
	m.restores.WithLabelValues(normalizeLabel(result)).Inc()
}
