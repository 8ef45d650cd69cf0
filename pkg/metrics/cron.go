package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"

	SkipLocked    = "locked"
	SkipLeaseLost = "lease_lost"
)

// CronJobMetrics covers every cron service of a worker; series carry the
// service label.
type CronJobMetrics struct {
	duration    *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	skipped     *prometheus.CounterVec
}

func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return nil
	}
	m := &CronJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cron_job_duration_seconds",
			Help:    "Duration of cron job runs.",
			Buckets: []float64{.05, .25, 1, 5, 30, 120, 600},
		}, []string{"service", "job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cron_job_runs_total",
			Help: "Cron job runs by result.",
		}, []string{"service", "job", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cron_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of a cron job.",
		}, []string{"service", "job"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cron_cycles_skipped_total",
			Help: "Cron cycles skipped or cut short because this instance did not hold the lock.",
		}, []string{"service", "reason"}),
	}
	reg.MustRegister(m.duration, m.runs, m.lastSuccess, m.skipped)
	return m
}

// ObserveRun records one finished job run. A nil err counts as success.
func (c *CronJobMetrics) ObserveRun(service, job string, took time.Duration, err error) {
	if c == nil {
		return
	}
	service, job = normalizeLabel(service), normalizeLabel(job)
	c.duration.WithLabelValues(service, job).Observe(took.Seconds())
	if err != nil {
		c.runs.WithLabelValues(service, job, resultFailure).Inc()
		return
	}
	c.runs.WithLabelValues(service, job, resultSuccess).Inc()
	c.lastSuccess.WithLabelValues(service, job).SetToCurrentTime()
}

// IncSkipped counts a cycle this instance did not complete; reason is
// SkipLocked or SkipLeaseLost.
func (c *CronJobMetrics) IncSkipped(service, reason string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(normalizeLabel(service), reason).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
