// Package metrics provides Prometheus metrics for the file browser.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebrowser_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Path protection
	pathTokensRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_path_tokens_rejected_total",
			Help: "Client path tokens or paths rejected by the path codec",
		},
		[]string{"direction"},
	)

	// Transfers
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_bytes_downloaded_total",
			Help: "Total bytes served by the download endpoint",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_bytes_uploaded_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	// Sessions
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_logins_total",
			Help: "Single sign-on login attempts",
		},
		[]string{"provider", "result"},
	)

	logoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_logouts_total",
			Help: "Logout requests, split by whether a session was active",
		},
		[]string{"had_session"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filebrowser_memory_sessions",
			Help: "Sessions held by the in-memory session store",
		},
	)

	sessionCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_session_cache_lookups_total",
			Help: "Session cache lookups in front of remote session stores",
		},
		[]string{"result"},
	)

	rateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)

	// Storage
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebrowser_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRejectedToken counts a path rejected by the codec. direction is
// "decode" for client tokens and "encode" for server paths.
func RecordRejectedToken(direction string) {
	pathTokensRejected.WithLabelValues(direction).Inc()
}

// RecordDownload records bytes sent to a client.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordUpload records bytes received from a client.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// RecordLogin records a login attempt.
func RecordLogin(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	loginsTotal.WithLabelValues(provider, result).Inc()
}

// RecordLogout records a logout request.
func RecordLogout(hadSession bool) {
	logoutsTotal.WithLabelValues(strconv.FormatBool(hadSession)).Inc()
}

// SetMemorySessions sets the number of sessions in the memory store.
func SetMemorySessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionCache records a session cache hit or miss.
func RecordSessionCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	sessionCacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate-limited request.
func RecordRateLimitHit() {
	rateLimitHits.Inc()
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled with the matched mux pattern to keep label cardinality low.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
