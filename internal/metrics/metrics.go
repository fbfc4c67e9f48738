// Package metrics provides Prometheus metrics for the sync server.
// Collectors live on a private registry so that tests can create independent
// instances; the HTTP handler serves that registry only.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncserver"

// Metrics holds all Prometheus collectors of a server process.
// Every recording method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route

	// Upload protocol
	Uploads                 *prometheus.CounterVec // labels: class, outcome
	FinishOutcomes          *prometheus.CounterVec // labels: outcome
	MasterVersionMismatches prometheus.Counter
	UploadsTransferred      prometheus.Counter

	// Short locks
	LockAcquisitions *prometheus.CounterVec // labels: result
	LockWait         prometheus.Histogram

	// Deferred uploader
	DeferredRuns        *prometheus.CounterVec // labels: status
	DeferredRunDuration prometheus.Histogram
	DeferredPostponed   prometheus.Gauge
	UploaderLastRunTime prometheus.Gauge

	// Cloud storage
	CloudOperations *prometheus.CounterVec // labels: operation, result
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Staged uploads by batch class and outcome",
		}, []string{"class", "outcome"}),
		FinishOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finish_outcomes_total",
			Help:      "Batch completion results",
		}, []string{"outcome"}),
		MasterVersionMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "master_version_mismatches_total",
			Help:      "Requests rejected because the presented master version was stale",
		}),
		UploadsTransferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_transferred_total",
			Help:      "Upload rows transferred into the file index",
		}),

		LockAcquisitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Sharing group lock acquisition attempts by result",
		}, []string{"result"}),
		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for sharing group locks",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		DeferredRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_uploads_processed_total",
			Help:      "Deferred uploads processed by terminal status",
		}, []string{"status"}),
		DeferredRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "uploader_run_duration_seconds",
			Help:      "Duration of deferred uploader runs",
			Buckets:   prometheus.DefBuckets,
		}),
		DeferredPostponed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deferred_uploads_postponed",
			Help:      "Deferred uploads the last uploader run left pending for a later run",
		}),
		UploaderLastRunTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploader_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed uploader run",
		}),

		CloudOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cloud_operations_total",
			Help:      "Cloud storage operations by result",
		}, []string{"operation", "result"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records the outcome of one upload request.
func (m *Metrics) RecordUpload(class, outcome string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(class, outcome).Inc()
}

// RecordFinish records the result of a batch completion.
func (m *Metrics) RecordFinish(outcome string, transferred int) {
	if m == nil {
		return
	}
	m.FinishOutcomes.WithLabelValues(outcome).Inc()
	m.UploadsTransferred.Add(float64(transferred))
}

// RecordMasterVersionMismatch records a stale master version.
func (m *Metrics) RecordMasterVersionMismatch() {
	if m == nil {
		return
	}
	m.MasterVersionMismatches.Inc()
}

// RecordLockAcquisition records a lock attempt and how long it waited.
func (m *Metrics) RecordLockAcquisition(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
	m.LockWait.Observe(wait.Seconds())
}

// RecordDeferredUpload records a deferred upload reaching a terminal status.
func (m *Metrics) RecordDeferredUpload(status string) {
	if m == nil {
		return
	}
	m.DeferredRuns.WithLabelValues(status).Inc()
}

// RecordUploaderRun records a completed uploader run.
func (m *Metrics) RecordUploaderRun(postponed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.DeferredPostponed.Set(float64(postponed))
	m.DeferredRunDuration.Observe(duration.Seconds())
	m.UploaderLastRunTime.SetToCurrentTime()
}

// RecordCloudOperation records one cloud storage call.
func (m *Metrics) RecordCloudOperation(operation, result string) {
	if m == nil {
		return
	}
	m.CloudOperations.WithLabelValues(operation, result).Inc()
}
