package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики (локальный ops API)
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

// Sync layer metrics.
var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_cache_requests_total",
			Help: "Cache lookups by result (hit, miss, expired).",
		},
		[]string{"result"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_cache_evictions_total",
			Help: "Cache entries removed, by reason (lazy, sweep, footprint).",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offsync_queue_depth",
		Help: "Requests waiting in the offline queue.",
	})

	QueueReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_queue_replays_total",
			Help: "Queue replay attempts by result (success, failure).",
		},
		[]string{"result"},
	)

	QueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offsync_queue_dropped_total",
		Help: "Queued requests dropped after exhausting retries.",
	})

	AuthRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_auth_refresh_total",
			Help: "Credential refresh attempts by result.",
		},
		[]string{"result"},
	)

	ClientRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_client_requests_total",
			Help: "Outgoing API requests by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	DomainSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offsync_domain_syncs_total",
			Help: "Domain synchronisations by domain and result (synced, skipped, failed).",
		},
		[]string{"domain", "result"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			CacheRequests, CacheEvictions,
			QueueDepth, QueueReplays, QueueDropped,
			AuthRefresh, ClientRequests, DomainSyncs,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight requests.
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

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sync":
		return "/v1/sync/:domain"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "profiles":
		return "/v1/profiles/:domain"
	}
	return p
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
