package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/cors"

	"github.com/bleepstore/filegateway/internal/audit"
	"github.com/bleepstore/filegateway/internal/jsonutil"
	"github.com/bleepstore/filegateway/internal/metrics"
	"github.com/bleepstore/filegateway/internal/uid"
)

// RequestIDHeader carries the per-request identifier in both directions.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestIDFrom returns the request identifier stored by requestID, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID reuses a well-formed incoming X-Request-Id or mints a new one,
// echoes it on the response and stores it in the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !uid.Valid(id) {
			id = uid.New()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// callerAddress records the client host for the audit log. It runs after
// chi's RealIP, so proxies setting X-Forwarded-For are honoured.
func callerAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		next.ServeHTTP(w, r.WithContext(audit.WithCaller(r.Context(), host)))
	})
}

// recoverer turns a handler panic into the 500 envelope.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			slog.Error("Handler panic",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", RequestIDFrom(r.Context()),
				"panic", rv,
				"stack", string(debug.Stack()),
			)
			jsonutil.WriteMessage(w, http.StatusInternalServerError, "Internal server error.")
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers browser preflights for the gateway's own routes.
// Object downloads are governed by the bucket CORS rule instead.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         3600,
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// instrument records Prometheus metrics and writes one access log line per
// request. It must run inside requestID and callerAddress. /metrics is excluded from both to avoid self-instrumentation noise.
func instrument(metricsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			route := metrics.NormalizePath(r.URL.Path)
			if metricsEnabled {
				observeRequest(r, route, rec, elapsed)
			}

			slog.LogAttrs(r.Context(), slog.LevelInfo, "HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytesWritten),
				slog.Duration("duration", elapsed),
				slog.String("caller", audit.CallerFrom(r.Context())),
				slog.String("request_id", RequestIDFrom(r.Context())),
			)
		})
	}
}

func observeRequest(r *http.Request, route string, rec *responseRecorder, elapsed time.Duration) {
	method := r.Method
	status := strconv.Itoa(rec.statusCode)

	metrics.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())

	if r.ContentLength > 0 {
		metrics.HTTPRequestSize.WithLabelValues(method, route).Observe(float64(r.ContentLength))
	}
	if rec.bytesWritten > 0 {
		metrics.HTTPResponseSize.WithLabelValues(method, route).Observe(float64(rec.bytesWritten))
	}
}
