// Package config handles loading and parsing of the file gateway configuration.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, the YAML config file, a .env file, process environment,
// command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Deployment environments.
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvProduction  = "production"
)

// Storage backends.
const (
	BackendAWS    = "aws"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config is the top-level configuration for the file gateway.
type Config struct {
	// Environment is the deployment environment tag: development, testing or production.
	Environment string        `yaml:"environment"`
	Server      ServerConfig  `yaml:"server"`
	Logging     LoggingConfig `yaml:"logging"`
	Storage     StorageConfig `yaml:"storage"`
	Audit       AuditConfig   `yaml:"audit"`
	Metrics     MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// ReadTimeout and WriteTimeout bound each request, in seconds.
	ReadTimeout  int `yaml:"read_timeout"`
	WriteTimeout int `yaml:"write_timeout"`
	// MaxUploadSize is the largest accepted request body in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// CORSOrigins are the origins allowed by the HTTP CORS layer.
	CORSOrigins []string `yaml:"cors_origins"`
	// TrustProxyHeaders takes the caller address from X-Forwarded-For,
	// X-Real-IP and True-Client-IP. Enable only behind a proxy that sets
	// them; otherwise any client can forge its audited address.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json, pretty.
	Format string `yaml:"format"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Backend selects the storage implementation: aws, gcs or memory.
	Backend         string `yaml:"backend"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	// AccountID is sent as the expected bucket owner when applying CORS.
	AccountID string `yaml:"account_id"`
	// Endpoint overrides the S3 endpoint, e.g. a local emulator.
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// RoleARN, when set, is assumed through STS for all storage calls.
	RoleARN string `yaml:"role_arn"`
	// DefaultBucket is checked by the readiness endpoint.
	DefaultBucket string `yaml:"default_bucket"`
	// GCSProject is the project new GCS buckets are created in.
	GCSProject string `yaml:"gcs_project"`
	// Timeout bounds every storage operation, in seconds.
	Timeout int `yaml:"timeout"`
	// PresignExpiry is the lifetime of generated URLs, in seconds.
	PresignExpiry int `yaml:"presign_expiry"`
	// EmulatorAlias is the host prefix the local emulator puts in presigned
	// URLs; in development it is replaced by EmulatorReplacement.
	EmulatorAlias       string `yaml:"emulator_alias"`
	EmulatorReplacement string `yaml:"emulator_replacement"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	// LogPresignedURLs logs generated URLs including their signature. When
	// false the query string is redacted.
	LogPresignedURLs bool             `yaml:"log_presigned_urls"`
	CloudWatch       CloudWatchConfig `yaml:"cloudwatch"`
}

// CloudWatchConfig holds CloudWatch Logs sink settings.
type CloudWatchConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	LogGroup string `yaml:"log_group"`
	// Stream receives audit events; DefaultStream receives application logs.
	Stream        string `yaml:"stream"`
	DefaultStream string `yaml:"default_stream"`
	// Timeout bounds every PutLogEvents call, in seconds.
	Timeout int `yaml:"timeout"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the YAML configuration at path, then applies .env and process
// environment overrides. A missing config file is not an error: defaults and
// the environment are used instead. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Debug("Config file not found, using defaults and environment", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	applyEnv(cfg, os.LookupEnv)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Environment: EnvProduction,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ShutdownTimeout: 30,
			ReadTimeout:     60,
			WriteTimeout:    60,
			MaxUploadSize:   100 << 20,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:             BackendAWS,
			Region:              "us-east-1",
			Timeout:             30,
			PresignExpiry:       86400,
			EmulatorAlias:       "http://localstack",
			EmulatorReplacement: "http://127.0.0.1",
		},
		Audit: AuditConfig{
			CloudWatch: CloudWatchConfig{
				LogGroup:      "filegateway",
				Stream:        "service",
				DefaultStream: "default",
				Timeout:       5,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling and environment overrides.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Environment == "" {
		cfg.Environment = def.Environment
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = def.Server.MaxUploadSize
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = def.Server.CORSOrigins
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = def.Storage.Region
	}
	if cfg.Storage.Timeout == 0 {
		cfg.Storage.Timeout = def.Storage.Timeout
	}
	if cfg.Storage.PresignExpiry == 0 {
		cfg.Storage.PresignExpiry = def.Storage.PresignExpiry
	}
	if cfg.Storage.EmulatorAlias == "" {
		cfg.Storage.EmulatorAlias = def.Storage.EmulatorAlias
	}
	if cfg.Storage.EmulatorReplacement == "" {
		cfg.Storage.EmulatorReplacement = def.Storage.EmulatorReplacement
	}
	// Emulators are addressed by host name, not virtual-hosted bucket DNS.
	if cfg.Storage.Endpoint != "" && !cfg.Storage.UsePathStyle {
		cfg.Storage.UsePathStyle = true
	}
	if cfg.Audit.CloudWatch.LogGroup == "" {
		cfg.Audit.CloudWatch.LogGroup = def.Audit.CloudWatch.LogGroup
	}
	if cfg.Audit.CloudWatch.Stream == "" {
		cfg.Audit.CloudWatch.Stream = def.Audit.CloudWatch.Stream
	}
	if cfg.Audit.CloudWatch.DefaultStream == "" {
		cfg.Audit.CloudWatch.DefaultStream = def.Audit.CloudWatch.DefaultStream
	}
	if cfg.Audit.CloudWatch.Timeout == 0 {
		cfg.Audit.CloudWatch.Timeout = def.Audit.CloudWatch.Timeout
	}
}

// lookupFunc matches os.LookupEnv so tests can inject an environment.
type lookupFunc func(key string) (string, bool)

// applyEnv overrides config values from environment variables. The variable
// names follow the AWS SDK conventions where one exists.
func applyEnv(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("Ignoring non-numeric environment value", "key", key, "value", v)
			}
		}
	}

	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				slog.Warn("Ignoring non-boolean environment value", "key", key, "value", v)
			}
		}
	}

	str("ENVIRONMENT", &cfg.Environment)
	num("PORT", &cfg.Server.Port)
	boolean("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("AWS_DEFAULT_REGION", &cfg.Storage.Region)
	str("AWS_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)
	str("AWS_SESSION_TOKEN", &cfg.Storage.SessionToken)
	str("AWS_ACCOUNT_ID", &cfg.Storage.AccountID)
	str("AWS_S3_ENDPOINT", &cfg.Storage.Endpoint)
	str("AWS_S3_BUCKET", &cfg.Storage.DefaultBucket)
	str("AWS_ROLE_ARN", &cfg.Storage.RoleARN)
	str("GOOGLE_CLOUD_PROJECT", &cfg.Storage.GCSProject)

	str("AWS_CLOUDWATCH_LOGS_ENDPOINT", &cfg.Audit.CloudWatch.Endpoint)
	if v, ok := lookup("AWS_CLOUDWATCH_LOGS_LOG_GROUP"); ok && v != "" {
		cfg.Audit.CloudWatch.LogGroup = v
		cfg.Audit.CloudWatch.Enabled = true
	}
}

// splitList splits a comma-separated list and drops empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports configuration values the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be development, testing or production", c.Environment)
	}
	switch c.Storage.Backend {
	case BackendAWS, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSProject == "" {
			return errors.New("storage.gcs_project is required when backend is 'gcs'")
		}
	default:
		return fmt.Errorf("invalid storage backend %q: must be aws, gcs or memory", c.Storage.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Storage.PresignExpiry < 0 {
		return fmt.Errorf("invalid presign expiry %d", c.Storage.PresignExpiry)
	}
	return nil
}

// IsDevelopment reports whether the gateway runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StorageTimeout returns the per-operation storage timeout.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.Storage.Timeout) * time.Second
}

// PresignExpiry returns the lifetime of generated URLs.
func (c *Config) PresignExpiry() time.Duration {
	return time.Duration(c.Storage.PresignExpiry) * time.Second
}

// Redacted returns a copy of the config with secrets masked, suitable for
// printing.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cp.Storage.SecretAccessKey = mask(c.Storage.SecretAccessKey)
	cp.Storage.SessionToken = mask(c.Storage.SessionToken)
	return &cp
}
