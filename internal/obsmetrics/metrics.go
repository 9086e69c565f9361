// Package obsmetrics registers the Prometheus collectors the automation
// engine's components emit against. Metadata only — these are counts and
// durations, never content.
package obsmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector C4-C9 record against.
type Metrics struct {
	RulesClaimedTotal        *prometheus.CounterVec
	RunsMaterializedTotal    *prometheus.CounterVec
	JobsClaimedTotal         *prometheus.CounterVec
	JobsSucceededTotal       *prometheus.CounterVec
	JobsFailedTotal          *prometheus.CounterVec
	JobsDeadLetteredTotal    *prometheus.CounterVec
	JobDuration              *prometheus.HistogramVec
	AttestationVerifiedTotal prometheus.Counter
	AttestationFailedTotal   *prometheus.CounterVec
	PushSentTotal            *prometheus.CounterVec
	PushSuppressedTotal      *prometheus.CounterVec
	SchedulerTickDuration    prometheus.Histogram
}

// New creates a Metrics instance registered against the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration entirely, useful in tests that
// construct multiple instances in the same process.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RulesClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_rules_claimed_total",
				Help: "Total number of automation rules claimed by the scheduler.",
			},
			[]string{"service"},
		),
		RunsMaterializedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_runs_materialized_total",
				Help: "Total number of automation runs materialized, by outcome.",
			},
			[]string{"service", "outcome"},
		),
		JobsClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_claimed_total",
				Help: "Total number of jobs claimed by a worker.",
			},
			[]string{"service", "type"},
		),
		JobsSucceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_succeeded_total",
				Help: "Total number of jobs that completed successfully.",
			},
			[]string{"service", "type"},
		),
		JobsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_failed_total",
				Help: "Total number of job attempt failures, by reason code.",
			},
			[]string{"service", "type", "reason_code"},
		),
		JobsDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_jobs_dead_lettered_total",
				Help: "Total number of jobs that exhausted their retry budget or failed permanently.",
			},
			[]string{"service", "type", "reason_code"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_job_duration_seconds",
				Help:    "Time spent executing a job attempt.",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "type"},
		),
		AttestationVerifiedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "automation_attestation_verified_total",
				Help: "Total number of attestation documents that passed every check.",
			},
		),
		AttestationFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_attestation_failed_total",
				Help: "Total number of attestation documents rejected, by failing check.",
			},
			[]string{"service", "check"},
		),
		PushSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_push_sent_total",
				Help: "Total number of push notifications transmitted.",
			},
			[]string{"service"},
		),
		PushSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_push_suppressed_total",
				Help: "Total number of push sends suppressed by idempotency or unregistered device.",
			},
			[]string{"service", "reason"},
		),
		SchedulerTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "automation_scheduler_tick_duration_seconds",
				Help:    "Time spent in one scheduler tick (claim through advance).",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RulesClaimedTotal,
			m.RunsMaterializedTotal,
			m.JobsClaimedTotal,
			m.JobsSucceededTotal,
			m.JobsFailedTotal,
			m.JobsDeadLetteredTotal,
			m.JobDuration,
			m.AttestationVerifiedTotal,
			m.AttestationFailedTotal,
			m.PushSentTotal,
			m.PushSuppressedTotal,
			m.SchedulerTickDuration,
		)
	}

	_ = serviceName
	return m
}

// RecordJobOutcome records a terminal or retry outcome for a job attempt.
func (m *Metrics) RecordJobOutcome(service, jobType string, duration time.Duration, err error, reasonCode string) {
	m.JobDuration.WithLabelValues(service, jobType).Observe(duration.Seconds())
	if err == nil {
		m.JobsSucceededTotal.WithLabelValues(service, jobType).Inc()
		return
	}
	m.JobsFailedTotal.WithLabelValues(service, jobType, reasonCode).Inc()
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes (once) and returns the process-wide metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the process-wide metrics instance, initializing a
// default one if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("alfred-automation")
	}
	return globalMetrics
}
