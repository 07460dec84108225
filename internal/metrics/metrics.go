// Package metrics exposes the Prometheus counters and histograms shared
// across the engine's components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the engine records. One Registry is
// constructed at process start and threaded through as a dependency,
// never reached via a package-level global.
type Registry struct {
	JobsSubmitted   *prometheus.CounterVec
	JobsTerminal    *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	ShardMerges     *prometheus.CounterVec
	ReportStageTime *prometheus.HistogramVec
	DeliveryAttempt *prometheus.CounterVec
	LicenseAdmit    *prometheus.CounterVec
	EventsIngested  prometheus.Counter
	BatchesDrained  prometheus.Counter
}

// NewRegistry creates and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_jobs_submitted_total",
			Help: "Jobs submitted, by job type.",
		}, []string{"type"}),
		JobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_jobs_terminal_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_job_duration_seconds",
			Help:    "Job wall-clock duration from RUNNING to terminal.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"status"}),
		ShardMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_shard_merges_total",
			Help: "Shard merge operations, by tenant cloud.",
		}, []string{"cloud"}),
		ReportStageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compliance_report_stage_seconds",
			Help:    "Metrics pipeline stage latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		DeliveryAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_delivery_attempts_total",
			Help: "Delivery attempts, by sink and outcome.",
		}, []string{"sink", "outcome"}),
		LicenseAdmit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_license_admit_total",
			Help: "License manager admission outcomes.",
		}, []string{"outcome"}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compliance_events_ingested_total",
			Help: "Cloud change events ingested by the event batcher.",
		}),
		BatchesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compliance_batches_drained_total",
			Help: "Event batches drained into jobs.",
		}),
	}

	reg.MustRegister(
		r.JobsSubmitted, r.JobsTerminal, r.JobDuration, r.ShardMerges,
		r.ReportStageTime, r.DeliveryAttempt, r.LicenseAdmit,
		r.EventsIngested, r.BatchesDrained,
	)
	return r
}
