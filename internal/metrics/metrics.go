// Package metrics exposes detection counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the detection collectors.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	Clusters       *prometheus.CounterVec
	Events         *prometheus.CounterVec
	SkippedRecords *prometheus.CounterVec
	StorageRetries *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_detection_runs_total",
				Help: "Total number of per-user detection runs",
			},
			[]string{"outcome"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recur_detection_run_duration_seconds",
				Help:    "Duration of per-user detection runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		Clusters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_clusters_total",
				Help: "Clusters seen by detection, by kind",
			},
			[]string{"kind"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_subscription_events_total",
				Help: "Subscription change events emitted, by type",
			},
			[]string{"type"},
		),
		SkippedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_skipped_transactions_total",
				Help: "Malformed transactions skipped, by field",
			},
			[]string{"field"},
		),
		StorageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recur_storage_retries_total",
				Help: "Storage calls retried, by operation",
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.RunDuration, m.Clusters, m.Events, m.SkippedRecords, m.StorageRetries)
	}
	return m
}

// ObserveRun records one user run.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// AddClusters counts clusters of a kind (candidate, unconfirmed, irregular,
// below_threshold).
func (m *Metrics) AddClusters(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Clusters.WithLabelValues(kind).Add(float64(n))
}

// Event counts one change event.
func (m *Metrics) Event(changeType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(changeType).Inc()
}

// Skipped counts one malformed record.
func (m *Metrics) Skipped(field string) {
	if m == nil {
		return
	}
	m.SkippedRecords.WithLabelValues(field).Inc()
}

// Retry counts one storage retry.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.StorageRetries.WithLabelValues(op).Inc()
}
