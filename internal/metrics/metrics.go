// Package metrics exposes Prometheus instrumentation for the job engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"diarist/internal/jobs"
)

const namespace = "diarist"

// Metrics holds every collector, registered on a private registry so several
// instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	Transitions *prometheus.CounterVec // labels: kind, status
	Retries     *prometheus.CounterVec // labels: kind
	Orphans     *prometheus.CounterVec // labels: kind
	Stuck       *prometheus.CounterVec // labels: kind, reason
	Reconciled  *prometheus.CounterVec // labels: kind
	Revived     prometheus.Counter
	Eligible    prometheus.Counter

	// Worker metrics
	ActiveRuns  prometheus.Gauge
	RunDuration *prometheus.HistogramVec // labels: kind, outcome

	// Identity metrics
	AutoLinks  prometheus.Counter
	Candidates prometheus.Counter

	// Notification metrics
	NotificationsDropped   *prometheus.CounterVec // labels: target
	NotificationsDelivered *prometheus.CounterVec // labels: sink
	NotificationsFailed    *prometheus.CounterVec // labels: sink
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Committed job status transitions",
		}, []string{"kind", "status"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Stuck or failed jobs returned to PENDING",
		}, []string{"kind"}),
		Orphans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_orphans_total",
			Help:      "Jobs moved to ORPHANED after exhausting retries",
		}, []string{"kind"}),
		Stuck: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_jobs_detected_total",
			Help:      "Jobs flagged as stuck by the detector",
		}, []string{"kind", "reason"}),
		Reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_false_positives_total",
			Help:      "Stale jobs whose worker was still alive",
		}, []string{"kind"}),
		Revived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_recoveries_total",
			Help:      "Jobs revived by emergency recovery",
		}),
		Eligible: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "force_delete_eligible_total",
			Help:      "Orphaned jobs marked eligible for forced deletion",
		}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Jobs currently executing in this process",
		}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Handler execution time per job",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"kind", "outcome"}),

		AutoLinks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_auto_links_total",
			Help:      "Voice prints linked to a profile automatically",
		}),
		Candidates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_candidates_total",
			Help:      "Match candidates proposed for review",
		}),

		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Events dropped because a listener queue was full",
		}, []string{"target"}),
		NotificationsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Events delivered to external sinks",
		}, []string{"sink"}),
		NotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Events abandoned after exhausting delivery attempts",
		}, []string{"sink"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// JobHook counts committed transitions.
func (m *Metrics) JobHook() jobs.TransitionHook {
	return func(_ context.Context, job *jobs.Job) {
		m.Transitions.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	}
}

func (m *Metrics) JobRetried(kind jobs.Kind)  { m.Retries.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) JobOrphaned(kind jobs.Kind) { m.Orphans.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) JobRevived()                { m.Revived.Inc() }
func (m *Metrics) JobDeleteEligible()         { m.Eligible.Inc() }

func (m *Metrics) StuckDetected(kind jobs.Kind, reason string) {
	m.Stuck.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) FalsePositive(kind jobs.Kind) { m.Reconciled.WithLabelValues(string(kind)).Inc() }

func (m *Metrics) IdentityPlanned(links, candidates int) {
	m.AutoLinks.Add(float64(links))
	m.Candidates.Add(float64(candidates))
}

func (m *Metrics) NotificationDropped(target string) {
	m.NotificationsDropped.WithLabelValues(target).Inc()
}

func (m *Metrics) NotificationDelivered(sink string) {
	m.NotificationsDelivered.WithLabelValues(sink).Inc()
}

func (m *Metrics) NotificationFailed(sink string) {
	m.NotificationsFailed.WithLabelValues(sink).Inc()
}

// TrackRun times a handler execution and records its outcome label.
func (m *Metrics) TrackRun(kind jobs.Kind, f func() (string, error)) error {
	m.ActiveRuns.Inc()
	defer m.ActiveRuns.Dec()

	start := time.Now()
	outcome, err := f()
	m.RunDuration.WithLabelValues(string(kind), outcome).Observe(time.Since(start).Seconds())
	return err
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
