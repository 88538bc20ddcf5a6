package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished extraction jobs by outcome (succeeded,
	// failed, canceled, retried).
	JobsTotal *prometheus.CounterVec

	// JobDuration is the wall-clock time of one full job pipeline.
	JobDuration prometheus.Histogram

	// DedupDecisions counts merge-engine outcomes by action (merged,
	// superseded, inserted, conflict).
	DedupDecisions *prometheus.CounterVec

	// CandidatesTotal counts extracted candidates by memory kind.
	CandidatesTotal *prometheus.CounterVec

	// BatchesTotal counts terminal batches by final status.
	BatchesTotal *prometheus.CounterVec
)

var initOnce sync.Once

// Init registers all Prometheus metrics. Safe to call multiple times; only
// the first call registers.
func Init() {
	initOnce.Do(func() {
		f := promauto.With(prometheus.DefaultRegisterer)

		JobsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_extractor_jobs_total",
				Help: "Total extraction jobs by outcome",
			},
			[]string{"outcome"},
		)
		JobDuration = f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memory_extractor_job_duration_seconds",
				Help:    "Duration of one extraction job pipeline",
				Buckets: prometheus.DefBuckets,
			},
		)
		DedupDecisions = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_extractor_dedup_decisions_total",
				Help: "Dedup merge decisions by action",
			},
			[]string{"action"},
		)
		CandidatesTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_extractor_candidates_total",
				Help: "Extracted memory candidates by kind",
			},
			[]string{"kind"},
		)
		BatchesTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memory_extractor_batches_total",
				Help: "Terminal batch runs by final status",
			},
			[]string{"status"},
		)
	})
}

// ObserveJob records one finished job.
func ObserveJob(outcome string, d time.Duration) {
	if JobsTotal == nil {
		return
	}
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.Observe(d.Seconds())
}

// CountDedup records one merge-engine decision.
func CountDedup(action string) {
	if DedupDecisions == nil {
		return
	}
	DedupDecisions.WithLabelValues(action).Inc()
}

// CountCandidate records one extracted candidate.
func CountCandidate(kind string) {
	if CandidatesTotal == nil {
		return
	}
	CandidatesTotal.WithLabelValues(kind).Inc()
}

// CountBatch records one batch reaching a terminal status.
func CountBatch(status string) {
	if BatchesTotal == nil {
		return
	}
	BatchesTotal.WithLabelValues(status).Inc()
}
