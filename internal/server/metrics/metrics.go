// Package metrics holds the Prometheus instruments of the vault server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

// Metrics tracks event ingestion, pruning and key rotation. Labels carry
// event types, error codes and detector names only, never values.
type Metrics struct {
	EventsAppended  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	PIIMasked       *prometheus.CounterVec
	AppendDuration  prometheus.Histogram
	AppendInFlight  prometheus.Gauge

	PruneRuns     *prometheus.CounterVec
	PruneDeleted  prometheus.Counter
	PruneFailures prometheus.Counter
	PruneDuration prometheus.Histogram

	FieldsRotated   prometheus.Counter
	RotationSkipped prometheus.Counter
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophvault_events_appended_total",
			Help: "Events persisted, by event type",
		}, []string{"event_type"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophvault_events_rejected_total",
			Help: "Events rejected before persistence, by error code",
		}, []string{"code"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "gophvault_events_duplicate_total",
			Help: "Submissions acknowledged as duplicates of an idempotency token",
		}),
		PIIMasked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophvault_pii_masked_total",
			Help: "Property values masked in lenient mode, by detector",
		}, []string{"detector"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gophvault_append_duration_seconds",
			Help:    "Duration of single event appends",
			Buckets: durationBuckets,
		}),
		AppendInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gophvault_append_in_flight",
			Help: "Appends currently holding a store slot",
		}),
		PruneRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gophvault_prune_runs_total",
			Help: "Retention sweeps, by outcome",
		}, []string{"outcome"}),
		PruneDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "gophvault_prune_deleted_total",
			Help: "Expired events deleted",
		}),
		PruneFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gophvault_prune_row_failures_total",
			Help: "Rows that failed to delete and were left for the next sweep",
		}),
		PruneDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gophvault_prune_duration_seconds",
			Help:    "Duration of retention sweeps",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		FieldsRotated: f.NewCounter(prometheus.CounterOpts{
			Name: "gophvault_fields_rotated_total",
			Help: "Protected fields re-sealed under a new key version",
		}),
		RotationSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "gophvault_rotation_skipped_total",
			Help: "Rows skipped by rotation because a concurrent write won",
		}),
	}
}

// NewNop returns instruments registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveAppend records an append duration. Call with time.Now() at the
// start of the operation.
func (m *Metrics) ObserveAppend(start time.Time) {
	m.AppendDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObservePrune(start time.Time) {
	m.PruneDuration.Observe(time.Since(start).Seconds())
}
