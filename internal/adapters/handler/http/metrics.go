package http

import (
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Fleet metrics
	checkinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_checkins_total",
			Help: "Total number of beacon check-ins processed",
		},
	)

	beaconsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacons",
			Help: "Number of beacons by derived status",
		},
		[]string{"status"},
	)

	// Queue metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_total",
			Help: "Total number of job lifecycle events by status",
		},
		[]string{"status"},
	)

	jobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_pending",
			Help: "Number of jobs waiting for delivery",
		},
	)

	scheduleFiresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schedule_fires_total",
			Help: "Total number of schedule firings",
		},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordCheckin increments the check-in counter
func RecordCheckin() {
	checkinsTotal.Inc()
}

// RecordJobEvent counts a job entering the given status
func RecordJobEvent(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// RecordScheduleFire counts one schedule firing
func RecordScheduleFire() {
	scheduleFiresTotal.Inc()
}

// SetBeaconsByStatus sets the fleet gauge for one status
func SetBeaconsByStatus(status string, count int) {
	beaconsByStatus.WithLabelValues(status).Set(float64(count))
}

// SetPendingJobs sets the current queue depth
func SetPendingJobs(count int64) {
	jobsPending.Set(float64(count))
}
