package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors the request runtime
// reports against: request volume/latency, fast-path hit rate, drift
// activity, and per-worker queue pressure.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	fastPathTotal   *prometheus.CounterVec
	actionErrors    *prometheus.CounterVec
	driftsTotal     *prometheus.CounterVec
	driftReplays    prometheus.Counter
	extensionErrors *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	driftDuration   *prometheus.HistogramVec

	uptime        prometheus.GaugeFunc
	workerQueue   *prometheus.GaugeVec
	activeWorkers prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace. Called once at startup; every Record*/Set* function is a
// no-op until this runs.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests served, by action and status",
			},
			[]string{"action", "status"},
		),

		fastPathTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fast_path_hits_total",
				Help:      "Requests served directly from the fast-path registry, by action",
			},
			[]string{"action"},
		),

		actionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_errors_total",
				Help:      "Actions that threw during execution, by action",
			},
			[]string{"action"},
		),

		driftsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drifts_total",
				Help:      "Drift operations issued, by op kind",
			},
			[]string{"kind"},
		),

		driftReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_replays_total",
				Help:      "Number of times a request was re-executed after a drift completed",
			},
		),

		extensionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extension_errors_total",
				Help:      "Native extensions that failed to load, by extension",
			},
			[]string{"extension"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "End-to-end request duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		driftDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "drift_duration_milliseconds",
				Help:      "Async executor duration for a single drift op, by kind",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		workerQueue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Pending commands queued on a worker's inbound channel",
			},
			[]string{"worker"},
		),

		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Number of isolate workers currently running",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the server started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.fastPathTotal,
		pm.actionErrors,
		pm.driftsTotal,
		pm.driftReplays,
		pm.extensionErrors,
		pm.requestDuration,
		pm.driftDuration,
		pm.uptime,
		pm.workerQueue,
		pm.activeWorkers,
	)

	promMetrics = pm
}

// RecordRequest records one completed request's outcome and latency.
func RecordRequest(action, status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.requestsTotal.WithLabelValues(action, status).Inc()
	promMetrics.requestDuration.WithLabelValues(action).Observe(durationMs)
}

// RecordFastPathHit records a request served directly from the fast-path
// registry, bypassing the worker pool entirely.
func RecordFastPathHit(action string) {
	if promMetrics == nil {
		return
	}
	promMetrics.fastPathTotal.WithLabelValues(action).Inc()
}

// RecordActionError records an action that threw during execution.
func RecordActionError(action string) {
	if promMetrics == nil {
		return
	}
	promMetrics.actionErrors.WithLabelValues(action).Inc()
}

// RecordDrift records one drift op dispatched to the async executor and
// its completion latency.
func RecordDrift(kind string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.driftsTotal.WithLabelValues(kind).Inc()
	promMetrics.driftDuration.WithLabelValues(kind).Observe(durationMs)
}

// RecordDriftReplay records that a request was re-executed following a
// completed drift.
func RecordDriftReplay() {
	if promMetrics == nil {
		return
	}
	promMetrics.driftReplays.Inc()
}

// RecordExtensionError records a native extension that failed to load.
func RecordExtensionError(extension string) {
	if promMetrics == nil {
		return
	}
	promMetrics.extensionErrors.WithLabelValues(extension).Inc()
}

// SetWorkerQueueDepth reports how many commands are queued on one worker's
// inbound channel.
func SetWorkerQueueDepth(workerID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.workerQueue.WithLabelValues(workerID).Set(float64(depth))
}

// SetActiveWorkers reports the current worker pool size.
func SetActiveWorkers(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeWorkers.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
// scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for tests or custom
// collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
