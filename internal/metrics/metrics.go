// Package metrics defines the Prometheus metrics exported by the file gateway.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegateway_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegateway_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegateway_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegateway_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage metrics.
var (
	// StorageOperationsTotal counts backend calls by operation and outcome
	// (success, not_found, error).
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegateway_storage_operations_total",
			Help: "Storage backend operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	// BucketsProvisionedTotal counts buckets created on first upload.
	BucketsProvisionedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegateway_buckets_provisioned_total",
			Help: "Buckets created by the gateway",
		},
	)

	// BytesUploadedTotal counts bytes accepted by successful uploads.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "filegateway_bytes_uploaded_total",
			Help: "Total bytes stored by uploads",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			StorageOperationsTotal,
			BucketsProvisionedTotal,
			BytesUploadedTotal,
		)
		// Initialize so the series appears in /metrics before the first upload.
		StorageOperationsTotal.WithLabelValues("PutObject", "success")
	})
}

// NormalizePath maps actual request paths to route templates suitable for
// use as Prometheus labels, avoiding one series per bucket or filename.
func NormalizePath(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/readyz", "/metrics", "/openapi", "/openapi.json", "/openapi.yaml":
		return path
	}

	// Docs assets.
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	rest, ok := strings.CutPrefix(path, "/file/")
	if !ok {
		return "other"
	}
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || rest[idx+1:] == "" {
		return "/file/{bucket}"
	}
	return "/file/{bucket}/{filename}"
}
