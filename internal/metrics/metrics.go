// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesMaterialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_deliveries_materialized_total",
			Help: "Deliveries created by sequence triggers",
		},
	)

	deliveriesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_deliveries_dispatched_total",
			Help: "Due deliveries handed to the worker queue",
		},
	)

	deliveriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_deliveries_processed_total",
			Help: "Worker outcomes by result",
		},
		[]string{"result"},
	)

	deliveriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_deliveries_skipped_total",
			Help: "Deliveries short-circuited without a send, by reason",
		},
		[]string{"reason"},
	)

	retriesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cadence_retries_enqueued_total",
			Help: "Failed deliveries re-enqueued by the retry coordinator",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cadence_mail_send_duration_seconds",
			Help:    "Mail transport call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cadence_tick_duration_seconds",
			Help:    "Periodic tick latency by tick kind",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"tick"},
	)

	ticksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cadence_ticks_skipped_total",
			Help: "Ticks skipped because another instance held the lock",
		},
		[]string{"tick"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeliveriesMaterialized counts deliveries created by a trigger.
func RecordDeliveriesMaterialized(n int) {
	deliveriesMaterialized.Add(float64(n))
}

// RecordDeliveriesDispatched counts due deliveries enqueued by a tick.
func RecordDeliveriesDispatched(n int) {
	deliveriesDispatched.Add(float64(n))
}

// RecordDeliveryProcessed records a worker outcome ("sent", "failed").
func RecordDeliveryProcessed(result string) {
	deliveriesProcessed.WithLabelValues(result).Inc()
}

// RecordDeliverySkipped records a short-circuited delivery
// ("already_delivered", "unsubscribed", "cancelled").
func RecordDeliverySkipped(reason string) {
	deliveriesSkipped.WithLabelValues(reason).Inc()
}

// RecordRetriesEnqueued counts re-enqueued failed deliveries.
func RecordRetriesEnqueued(n int) {
	retriesEnqueued.Add(float64(n))
}

// ObserveSendDuration records one mail transport call.
func ObserveSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

// ObserveTick records the latency of one periodic tick.
func ObserveTick(tick string, d time.Duration) {
	tickDuration.WithLabelValues(tick).Observe(d.Seconds())
}

// RecordTickSkipped counts a tick that yielded to another instance.
func RecordTickSkipped(tick string) {
	ticksSkipped.WithLabelValues(tick).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
