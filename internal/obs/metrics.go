package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Data-plane metrics.
var (
	ingestSegmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_segments_total",
			Help: "Ingested segments by change-detection outcome.",
		},
		[]string{"result"}, // changed | duplicate | stale | pending
	)

	notificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_notifications_total",
		Help: "Delta notifications published to subscribers.",
	})

	activeMeetings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_meetings",
		Help: "Meetings with at least one live segment.",
	})

	liveSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_segments",
		Help: "Segments currently held in the live cache.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stabilize_sweep_duration_seconds",
		Help:    "Stabilization sweep duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	segmentsPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segments_persisted_total",
		Help: "Segments promoted into durable storage.",
	})

	sweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stabilize_sweep_failures_total",
		Help: "Per-meeting persistence failures during sweeps.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		ingestSegmentsTotal, notificationsTotal,
		activeMeetings, liveSegments,
		sweepDuration, segmentsPersistedTotal, sweepFailuresTotal,
		readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest records one change-detection outcome.
func ObserveIngest(result string) {
	ingestSegmentsTotal.WithLabelValues(result).Inc()
}

// IncNotifications counts one published delta batch.
func IncNotifications() {
	notificationsTotal.Inc()
}

// SetCacheSize updates the live cache gauges after a write or sweep.
func SetCacheSize(meetings, segments int) {
	activeMeetings.Set(float64(meetings))
	liveSegments.Set(float64(segments))
}

// ObserveSweep records one stabilization sweep.
func ObserveSweep(d time.Duration, persisted, failed int) {
	sweepDuration.Observe(d.Seconds())
	segmentsPersistedTotal.Add(float64(persisted))
	sweepFailuresTotal.Add(float64(failed))
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses meeting-scoped paths to keep metric
// cardinality bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "meetings" {
		parts[3] = ":id"
		if len(parts) > 5 {
			return path
		}
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE endpoints keep streaming when wrapped.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
