// Package server implements the file gateway HTTP server: routing, the
// middleware chain and the listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/filegateway/internal/audit"
	"github.com/bleepstore/filegateway/internal/config"
	"github.com/bleepstore/filegateway/internal/files"
	"github.com/bleepstore/filegateway/internal/handlers"
	"github.com/bleepstore/filegateway/internal/jsonutil"
	"github.com/bleepstore/filegateway/internal/storage"
)

// Server is the file gateway HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	svc        *files.Service
	audit      *audit.Logger
	files      *handlers.FileHandler
	handler    http.Handler
	httpServer *http.Server
}

// StatusBody is the JSON body of the service status endpoints.
type StatusBody struct {
	Message string `json:"message" example:"The service is running." doc:"Service status"`
}

// StatusOutput is the Huma output struct for GET /.
type StatusOutput struct {
	Body StatusBody
}

// ReadyOutput is the Huma output struct for GET /readyz. Status is set to
// 503 when the storage backend cannot be reached.
type ReadyOutput struct {
	Status int
	Body   StatusBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithAuditLogger sets the logger receiving request failures. Defaults to a
// discarding logger.
func WithAuditLogger(l *audit.Logger) ServerOption {
	return func(s *Server) {
		s.audit = l
	}
}

// New creates a Server routing the file operations to svc.
func New(cfg *config.Config, svc *files.Service, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if svc == nil {
		return nil, errors.New("server: file service is required")
	}

	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("File Gateway API", "1.0.0")
	humaConfig.Info.Description = "Upload, fetch and delete files in S3-compatible object storage."
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	// Bodies stay exactly {"message": ...}; no $schema field or Link header.
	humaConfig.CreateHooks = nil
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		svc:    svc,
		audit:  audit.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.files = handlers.NewFileHandler(svc, cfg.Server.MaxUploadSize)
	s.registerRoutes()
	s.handler = s.buildHandler()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       seconds(cfg.Server.ReadTimeout),
		WriteTimeout:      seconds(cfg.Server.WriteTimeout),
	}
	return s, nil
}

// Handler returns the router wrapped in the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler composes the middleware chain, outermost first:
// requestID -> RealIP -> callerAddress -> instrument -> recoverer -> cors -> router.
// RealIP is only present when proxy headers are trusted.
func (s *Server) buildHandler() http.Handler {
	var h http.Handler = s.router
	h = corsMiddleware(s.cfg.Server.CORSOrigins)(h)
	h = recoverer(h)
	h = instrument(s.cfg.Metrics.Enabled)(h)
	h = callerAddress(h)
	if s.cfg.Server.TrustProxyHeaders {
		h = middleware.RealIP(h)
	}
	h = requestID(h)
	return h
}

// ListenAndServe starts the HTTP server on the given address. It returns
// http.ErrServerClosed after Shutdown, even when Shutdown ran first.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the chi router. Status routes go
// through Huma for OpenAPI documentation; the file routes answer with the
// gateway envelope.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Service status",
		Description: "Reports that the service is running. Never contacts storage.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		return &StatusOutput{Body: StatusBody{Message: "The service is running."}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Checks that the storage backend is reachable.",
		Tags:        []string{"System"},
	}, s.ready)

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	format := &jsonutil.Formatter{Audit: s.audit}
	s.router.Post("/file/{bucket}", format.Wrap(s.files.Upload))
	s.router.Get("/file/{bucket}/{filename}", format.Wrap(s.files.Fetch))
	s.router.Delete("/file/{bucket}/{filename}", format.Wrap(s.files.Delete))

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonutil.WriteMessage(w, http.StatusNotFound, fmt.Sprintf("Route %s does not exist.", r.URL.Path))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonutil.WriteMessage(w, http.StatusMethodNotAllowed,
			fmt.Sprintf("Method %s is not allowed for route %s.", r.Method, r.URL.Path))
	})
}

// ready reports 503 only when the backend itself fails. A default bucket
// that does not exist yet is created by the first upload, so not-found counts
// as ready.
func (s *Server) ready(ctx context.Context, _ *struct{}) (*ReadyOutput, error) {
	err := s.svc.Ready(ctx, s.cfg.Storage.DefaultBucket)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.audit.RequestFailed(ctx, http.MethodGet, "/readyz", http.StatusServiceUnavailable, err)
		return &ReadyOutput{
			Status: http.StatusServiceUnavailable,
			Body:   StatusBody{Message: "The storage backend is unavailable."},
		}, nil
	}
	return &ReadyOutput{Status: http.StatusOK, Body: StatusBody{Message: "The service is ready."}}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
