// Package main is the entry point for the file gateway HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bleepstore/filegateway/internal/app"
	"github.com/bleepstore/filegateway/internal/config"
)

// flags holds command-line overrides. Zero values leave the configuration
// untouched.
type flags struct {
	configPath      string
	host            string
	port            int
	environment     string
	backend         string
	logLevel        string
	logFormat       string
	shutdownTimeout int
	maxUploadSize   int64
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:          "filegateway",
		Short:        "HTTP gateway for uploading, fetching and deleting files in object storage",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "config.yaml", "path to configuration file")
	pf.StringVar(&f.host, "host", "", "override listening host")
	pf.IntVar(&f.port, "port", 0, "override listening port")
	pf.StringVar(&f.environment, "environment", "", "deployment environment: development, testing, production")
	pf.StringVar(&f.backend, "backend", "", "storage backend: aws, gcs, memory")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: text, json, pretty")
	pf.IntVar(&f.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout in seconds")
	pf.Int64Var(&f.maxUploadSize, "max-upload-size", 0, "maximum upload size in bytes")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), f)
			},
		},
		newConfigCommand(f),
	)
	return root
}

func newConfigCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}

// loadConfig loads the configuration file and environment, then applies
// command-line overrides and validates the result.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.environment != "" {
		cfg.Environment = f.environment
	}
	if f.backend != "" {
		cfg.Storage.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = f.shutdownTimeout
	}
	if f.maxUploadSize != 0 {
		cfg.Server.MaxUploadSize = f.maxUploadSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg.Redacted()); err != nil {
		return err
	}
	return enc.Close()
}

// serve runs the gateway until SIGINT or SIGTERM.
func serve(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	return a.Run(ctx)
}
