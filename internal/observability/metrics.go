package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	OrdersSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orders_submitted_total",
			Help: "Total number of orders accepted by the admission pipeline",
		},
	)
	OrdersRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of submissions rejected, by reason",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current queue depth by job state",
		},
		[]string{"state"},
	)
	JobAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_attempts_total",
			Help: "Total job processing attempts, by outcome",
		},
		[]string{"outcome"},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock duration of one job attempt",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	BusEventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total status events published to the bus",
		},
	)
	BusEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Status events dropped due to slow local subscribers",
		},
	)

	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Currently open subscription streams",
		},
	)

	ImpossibleTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "impossible_transitions_total",
			Help: "Attempted lifecycle transitions rejected by the repository",
		},
	)
)

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(OrdersSubmittedTotal)
	prometheus.MustRegister(OrdersRejectedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobAttemptsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(BusEventsPublishedTotal)
	prometheus.MustRegister(BusEventsDroppedTotal)
	prometheus.MustRegister(SubscriptionsActive)
	prometheus.MustRegister(ImpossibleTransitionsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
