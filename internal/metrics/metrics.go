// Package metrics defines the Prometheus instruments for the coordination
// core. Instruments are constructor-injected rather than process globals so
// tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the uploader and admission instruments.
type Metrics struct {
	BatchesApplied prometheus.Counter
	BatchFailures  prometheus.Counter
	ChangesApplied prometheus.Counter
	FilesDeleted   prometheus.Counter
	LockContention prometheus.Counter
	ActiveDeferred prometheus.Gauge
}

// New registers the instruments with the given registry. A nil registry uses
// the default Prometheus registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Metrics{
		BatchesApplied: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driftsync_uploader_batches_applied_total",
			Help: "Deferred-upload batches applied successfully",
		}),
		BatchFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driftsync_uploader_batch_failures_total",
			Help: "Deferred-upload batches marked failed",
		}),
		ChangesApplied: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driftsync_uploader_changes_applied_total",
			Help: "Per-file content changes applied",
		}),
		FilesDeleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driftsync_uploader_files_deleted_total",
			Help: "Files deleted from cloud storage",
		}),
		LockContention: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "driftsync_admission_lock_contention_total",
			Help: "Admission attempts rejected because the scope lock was held",
		}),
		ActiveDeferred: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "driftsync_deferred_uploads_active",
			Help: "Deferred-upload batches awaiting application",
		}),
	}
}
