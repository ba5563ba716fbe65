// Package app assembles the file gateway from its configuration: loggers,
// audit sinks, the storage backend, the file service and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bleepstore/filegateway/internal/audit"
	"github.com/bleepstore/filegateway/internal/config"
	"github.com/bleepstore/filegateway/internal/files"
	"github.com/bleepstore/filegateway/internal/logging"
	"github.com/bleepstore/filegateway/internal/metrics"
	"github.com/bleepstore/filegateway/internal/server"
	"github.com/bleepstore/filegateway/internal/storage"
)

// App is a fully wired gateway.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Audit   *audit.Logger
	Store   storage.Backend
	Service *files.Service
	Server  *server.Server

	sinks []*logging.CloudWatchWriter
}

type options struct {
	logOutput  io.Writer
	store      storage.Backend
	cloudWatch logging.CloudWatchAPI
}

// Option customizes New.
type Option func(*options)

// WithLogOutput sets where local log lines are written. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithBackend uses store instead of building one from the configuration.
func WithBackend(store storage.Backend) Option {
	return func(o *options) { o.store = store }
}

// WithCloudWatchClient uses client for the CloudWatch Logs sinks instead of
// one built from the AWS configuration.
func WithCloudWatchClient(client logging.CloudWatchAPI) Option {
	return func(o *options) { o.cloudWatch = client }
}

// New builds an App. The storage backend and loggers are constructed once
// here and shared by every request.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	defaultWriter, auditWriter, err := cloudWatchWriters(ctx, cfg, o.cloudWatch)
	if err != nil {
		return nil, err
	}

	var appSinks, auditSinks []slog.Handler
	var sinks []*logging.CloudWatchWriter
	if defaultWriter != nil {
		appSinks = append(appSinks, defaultWriter.Handler(cfg.Logging.Level))
		// Audit events are always kept at info, whatever the application level.
		auditSinks = append(auditSinks, auditWriter.Handler("info"))
		sinks = append(sinks, defaultWriter, auditWriter)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, o.logOutput, appSinks...)
	auditLogger := audit.New(
		logging.New(logging.NewHandler("info", cfg.Logging.Format, o.logOutput), auditSinks...).With("logger", "audit"),
		cfg.Audit.LogPresignedURLs,
	)

	store := o.store
	if store == nil {
		store, err = NewBackend(ctx, cfg)
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	svc := files.NewService(store, auditLogger, ServiceOptions(cfg))
	srv, err := server.New(cfg, svc, server.WithAuditLogger(auditLogger))
	if err != nil {
		closeSinks(sinks)
		return nil, err
	}

	logger.Info("File gateway configured",
		"environment", cfg.Environment,
		"backend", cfg.Storage.Backend,
		"cloudwatch", cfg.Audit.CloudWatch.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	return &App{
		Config:  cfg,
		Logger:  logger,
		Audit:   auditLogger,
		Store:   store,
		Service: svc,
		Server:  srv,
		sinks:   sinks,
	}, nil
}

// ServiceOptions derives the file service options from cfg.
func ServiceOptions(cfg *config.Config) files.Options {
	return files.Options{
		Development:         cfg.IsDevelopment(),
		PresignExpiry:       cfg.PresignExpiry(),
		EmulatorAlias:       cfg.Storage.EmulatorAlias,
		EmulatorReplacement: cfg.Storage.EmulatorReplacement,
		Timeout:             cfg.StorageTimeout(),
	}
}

// NewBackend builds the storage backend selected by cfg.Storage.Backend.
func NewBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case config.BackendAWS:
		return storage.NewAWSBackend(ctx, storage.AWSConfig{
			Region:          sc.Region,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			SessionToken:    sc.SessionToken,
			AccountID:       sc.AccountID,
			Endpoint:        sc.Endpoint,
			UsePathStyle:    sc.UsePathStyle,
			RoleARN:         sc.RoleARN,
		})
	case config.BackendGCS:
		return storage.NewGCSBackend(ctx, sc.GCSProject)
	case config.BackendMemory:
		base := sc.Endpoint
		if base == "" {
			base = "http://localhost"
		}
		return storage.NewMemoryBackend(base, 0), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// cloudWatchWriters returns the writers for the application stream and the
// audit stream. Both are nil when the sink is disabled.
func cloudWatchWriters(ctx context.Context, cfg *config.Config, client logging.CloudWatchAPI) (app, auditWriter *logging.CloudWatchWriter, err error) {
	cw := cfg.Audit.CloudWatch
	if !cw.Enabled {
		return nil, nil, nil
	}

	if client == nil {
		sc := cfg.Storage
		awsCfg, err := storage.LoadAWSConfig(ctx, sc.Region, sc.AccessKeyID, sc.SecretAccessKey, sc.SessionToken, sc.RoleARN)
		if err != nil {
			return nil, nil, err
		}
		client = logging.NewCloudWatchClient(awsCfg, cw.Endpoint)
	}

	timeout := time.Duration(cw.Timeout) * time.Second
	app, err = logging.NewCloudWatchWriter(ctx, client, cw.LogGroup, cw.DefaultStream, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("cloudwatch stream %s: %w", cw.DefaultStream, err)
	}
	auditWriter, err = logging.NewCloudWatchWriter(ctx, client, cw.LogGroup, cw.Stream, timeout)
	if err != nil {
		closeSinks([]*logging.CloudWatchWriter{app})
		return nil, nil, fmt.Errorf("cloudwatch stream %s: %w", cw.Stream, err)
	}
	return app, auditWriter, nil
}

func closeSinks(sinks []*logging.CloudWatchWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range sinks {
		_ = w.Close(ctx)
	}
}

// Flush ships log events still queued for CloudWatch.
func (a *App) Flush(ctx context.Context) error {
	var errs []error
	for _, w := range a.sinks {
		errs = append(errs, w.Flush(ctx))
	}
	return errors.Join(errs...)
}

// Close ships queued log events and stops the CloudWatch sinks. Events
// logged afterwards reach only the local output.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, w := range a.sinks {
		errs = append(errs, w.Close(ctx))
		if n := w.Dropped(); n > 0 {
			a.Logger.Warn("CloudWatch events dropped", "count", n)
		}
	}
	return errors.Join(errs...)
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests within the shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("File gateway listening", "addr", a.Config.Addr())
		if err := a.Server.ListenAndServe(a.Config.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Shutting down", "timeout_seconds", a.Config.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.Config.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		err := a.Server.Shutdown(shutdownCtx)
		return errors.Join(err, a.Close(shutdownCtx))
	})

	return g.Wait()
}
