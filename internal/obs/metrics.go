package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
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

// Data-layer metrics: live subscriptions and the optimistic write path.
var (
	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "store_active_subscriptions",
		Help: "Currently open store subscriptions.",
	})

	snapshotsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_snapshots_delivered_total",
			Help: "Snapshots delivered to live bindings.",
		},
		[]string{"kind"}, // doc | collection
	)

	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutations_total",
			Help: "Optimistic mutations by operation and outcome.",
		},
		[]string{"op", "outcome"}, // outcome: ok | denied | error
	)

	permissionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "permission_errors_total",
		Help: "Classified access-control failures published on the error bus.",
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
		activeSubscriptions, snapshotsDelivered, mutationsTotal,
		permissionErrorsTotal, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// SubscriptionOpened / SubscriptionClosed track live subscription counts.
func SubscriptionOpened() { activeSubscriptions.Inc() }
func SubscriptionClosed() { activeSubscriptions.Dec() }

// SnapshotDelivered counts one snapshot delivery into a binding.
func SnapshotDelivered(kind string) { snapshotsDelivered.WithLabelValues(kind).Inc() }

// MutationObserved counts one mutation attempt by outcome.
func MutationObserved(op, outcome string) { mutationsTotal.WithLabelValues(op, outcome).Inc() }

// PermissionErrorObserved counts one classified access failure.
func PermissionErrorObserved() { permissionErrorsTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

// CanonicalPath collapses resource identifiers so metric cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, prefix := range []string{"/v1/users/", "/v1/readings/", "/v1/payments/"} {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			if rest == "" {
				return p
			}
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				if strings.Count(rest, "/") > 1 {
					return p
				}
				return prefix + ":id" + rest[j:]
			}
			return prefix + ":id"
		}
	}
	return p
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
