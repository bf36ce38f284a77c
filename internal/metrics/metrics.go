// Package metrics holds the prometheus collectors for the rollup services.
// Each Registry owns its own prometheus registry so tests and multiple
// instances in one process never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollup"

// Registry groups every collector exported by the service.
type Registry struct {
	reg *prometheus.Registry

	EventsApplied     prometheus.Counter
	EventsSkipped     prometheus.Counter
	EventsQuarantined *prometheus.CounterVec
	EventsFailed      prometheus.Counter
	ApplyRetries      prometheus.Counter
	ApplyLatency      *prometheus.HistogramVec
	Checkpoint        prometheus.Gauge
	PassesPaused      prometheus.Counter

	BatchRecomputes prometheus.Counter
	BatchRuns       *prometheus.CounterVec

	AuditCustomersChecked prometheus.Counter
	AuditDiscrepancies    prometheus.Counter
	AuditRuns             *prometheus.CounterVec

	SnapshotsExported prometheus.Counter
	SnapshotsPruned   prometheus.Counter
}

// New creates a registry with all collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "applied_total",
			Help: "Mutation events whose delta was applied to the aggregate store.",
		}),
		EventsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "skipped_total",
			Help: "Mutation events ignored by the sequence guard (duplicates and stale deliveries).",
		}),
		EventsQuarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "quarantined_total",
			Help: "Mutation events quarantined for data-integrity failures, by error code.",
		}, []string{"code"}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "failed_total",
			Help: "Mutation events left for redelivery after exhausting retries.",
		}),
		ApplyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "apply_retries_total",
			Help: "Retries of aggregate writes after a retryable store failure.",
		}),
		ApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "events", Name: "apply_duration_seconds",
			Help:    "Latency of a single event apply, by lane.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"lane"}),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "checkpoint_sequence",
			Help: "Highest contiguous ledger sequence handled by the event maintainer.",
		}),
		PassesPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "passes_paused_total",
			Help: "Event passes skipped by backpressure.",
		}),
		BatchRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "recomputes_total",
			Help: "Customers recomputed by the batch maintainer.",
		}),
		BatchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "runs_total",
			Help: "Batch reconcile runs, by outcome.",
		}, []string{"outcome"}),
		AuditCustomersChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "customers_checked_total",
			Help: "Customers compared by the consistency checker.",
		}),
		AuditDiscrepancies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "discrepancies_total",
			Help: "Aggregates found to disagree with the ledger beyond epsilon.",
		}),
		AuditRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "audit", Name: "runs_total",
			Help: "Audit passes, by outcome.",
		}, []string{"outcome"}),
		SnapshotsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "exported_total",
			Help: "Aggregate snapshots written to object storage.",
		}),
		SnapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "pruned_total",
			Help: "Aggregate snapshots deleted by retention.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.EventsApplied,
		r.EventsSkipped,
		r.EventsQuarantined,
		r.EventsFailed,
		r.ApplyRetries,
		r.ApplyLatency,
		r.Checkpoint,
		r.PassesPaused,
		r.BatchRecomputes,
		r.BatchRuns,
		r.AuditCustomersChecked,
		r.AuditDiscrepancies,
		r.AuditRuns,
		r.SnapshotsExported,
		r.SnapshotsPruned,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
