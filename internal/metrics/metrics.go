// Package metrics provides Prometheus metrics for the hoard server.
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
			Name: "hoard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hoard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"method", "result"},
	)

	streamTokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_stream_tokens_issued_total",
			Help: "Total path-scoped stream tokens issued",
		},
	)

	pathDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_path_denials_total",
			Help: "Total requests denied by path confinement",
		},
	)

	bytesStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_bytes_streamed_total",
			Help: "Total bytes streamed from media endpoints",
		},
		[]string{"media"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_bytes_downloaded_total",
			Help: "Total bytes served by the download endpoint",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hoard_uploads_total",
			Help: "Total upload attempts",
		},
		[]string{"status"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hoard_bytes_uploaded_total",
			Help: "Total bytes written by the upload endpoint",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
// method is "password", "passkey", or "token".
func RecordAuthAttempt(method string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(method, result).Inc()
}

// RecordStreamTokenIssued records a stream token mint.
func RecordStreamTokenIssued() {
	streamTokensIssued.Inc()
}

// RecordPathDenial records a path-confinement denial.
func RecordPathDenial() {
	pathDenialsTotal.Inc()
}

// RecordBytesStreamed records bytes emitted by a media stream.
// media is "audio" or "video".
func RecordBytesStreamed(media string, n int64) {
	bytesStreamed.WithLabelValues(media).Add(float64(n))
}

// RecordDownload records bytes served by the download endpoint.
func RecordDownload(n int64) {
	bytesDownloaded.Add(float64(n))
}

// RecordUpload records an upload attempt and its size.
func RecordUpload(n int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	bytesUploaded.Add(float64(n))
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
