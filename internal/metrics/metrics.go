package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "view_service"

var (
	viewsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "views_recorded_total",
			Help:      "Detail-view calls by outcome (counted, suppressed, failed)",
		},
		[]string{"outcome"},
	)

	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Work shed under load, by reason",
		},
		[]string{"reason"},
	)

	flushCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_cycles_total",
			Help:      "Flush cycles by result (ok, skipped, error)",
		},
		[]string{"result"},
	)

	flushSubjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_subjects_total",
			Help:      "Subjects handled by flush cycles, by result",
		},
		[]string{"result"},
	)

	earlyFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_flushes_total",
			Help:      "Threshold-triggered subject flushes by result (ok, busy, error)",
		},
		[]string{"result"},
	)

	flushIncrementsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_increments_total",
			Help:      "Views committed to durable storage",
		},
	)

	flushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_cycle_duration_seconds",
			Help:      "Flush cycle wall-clock duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	sweepCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_cycles_total",
			Help:      "Retention sweep cycles by result (ok, skipped, error)",
		},
		[]string{"result"},
	)

	sweepDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Rows removed by the retention sweeper",
		},
		[]string{"table"},
	)

	readFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_fallback_total",
			Help:      "Reads served from durable storage only, by reason",
		},
		[]string{"reason"},
	)

	rawEventsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_events_written_total",
			Help:      "Raw view events persisted, by result",
		},
		[]string{"result"},
	)

	workerPoolJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_jobs_active",
			Help:      "Number of active jobs in the record worker pool",
		},
	)

	workerPoolJobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_jobs_queued",
			Help:      "Number of queued jobs in the record worker pool",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

func RecordView(outcome string) {
	viewsRecordedTotal.WithLabelValues(outcome).Inc()
}

// RecordDropped counts work shed under load (queue_full, raw_buffer_full, flush_trigger_full).
func RecordDropped(reason string) {
	droppedTotal.WithLabelValues(reason).Inc()
}

func RecordFlushCycle(result string, d time.Duration) {
	flushCyclesTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		flushDuration.Observe(d.Seconds())
	}
}

func RecordFlushSubjects(result string, n int) {
	if n <= 0 {
		return
	}
	flushSubjectsTotal.WithLabelValues(result).Add(float64(n))
}

func RecordEarlyFlush(result string) {
	earlyFlushesTotal.WithLabelValues(result).Inc()
}

func RecordFlushIncrements(n int64) {
	if n <= 0 {
		return
	}
	flushIncrementsTotal.Add(float64(n))
}

func RecordSweepCycle(result string) {
	sweepCyclesTotal.WithLabelValues(result).Inc()
}

func RecordSweepDeleted(table string, n int64) {
	if n <= 0 {
		return
	}
	sweepDeletedTotal.WithLabelValues(table).Add(float64(n))
}

func RecordReadFallback(reason string) {
	readFallbackTotal.WithLabelValues(reason).Inc()
}

func RecordRawEvents(result string, n int) {
	if n <= 0 {
		return
	}
	rawEventsWrittenTotal.WithLabelValues(result).Add(float64(n))
}

func SetWorkerPoolJobsActive(count int) {
	workerPoolJobsActive.Set(float64(count))
}

func SetWorkerPoolJobsQueued(count int) {
	workerPoolJobsQueued.Set(float64(count))
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMetrics records request RED metrics labelled by chi route pattern.
func HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
