package app

import (
	"bytes"
	"context"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/filegateway/internal/config"
	"github.com/bleepstore/filegateway/internal/storage"
)

// fakeCloudWatch records events per stream.
type fakeCloudWatch struct {
	mu     sync.Mutex
	events map[string][]string
	delay  time.Duration
}

func newFakeCloudWatch() *fakeCloudWatch {
	return &fakeCloudWatch{events: make(map[string][]string)}
}

func (f *fakeCloudWatch) CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeCloudWatch) CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeCloudWatch) PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := aws.ToString(params.LogStreamName)
	for _, ev := range params.LogEvents {
		f.events[stream] = append(f.events[stream], aws.ToString(ev.Message))
	}
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func (f *fakeCloudWatch) stream(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.events[name], "")
}

// keepDefaultLogger restores slog's default logger, which New replaces.
func keepDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Storage.Endpoint = "http://localstack:4566"
	return cfg
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	store, err := NewBackend(ctx, memoryConfig())
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryBackend{}, store)

	cfg := memoryConfig()
	cfg.Storage.Backend = "ftp"
	_, err = NewBackend(ctx, cfg)
	assert.ErrorContains(t, err, "ftp")
}

func TestNewBackendAWSWithStaticKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.AccessKeyID = "test"
	cfg.Storage.SecretAccessKey = "test"
	cfg.Storage.Endpoint = "http://localstack:4566"

	store, err := NewBackend(context.Background(), cfg)
	require.NoError(t, err)
	backend, ok := store.(*storage.AWSBackend)
	require.True(t, ok)
	assert.Equal(t, "us-east-1", backend.Region)
}

func TestServiceOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = config.EnvDevelopment
	cfg.Storage.PresignExpiry = 60

	opts := ServiceOptions(cfg)
	assert.True(t, opts.Development)
	assert.Equal(t, time.Minute, opts.PresignExpiry)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, "http://localstack", opts.EmulatorAlias)
	assert.Equal(t, "http://127.0.0.1", opts.EmulatorReplacement)

	cfg.Environment = config.EnvProduction
	assert.False(t, ServiceOptions(cfg).Development)
}

func TestNewRoutesAuditToServiceStream(t *testing.T) {
	keepDefaultLogger(t)

	cfg := memoryConfig()
	cfg.Audit.CloudWatch.Enabled = true
	cw := newFakeCloudWatch()
	var local bytes.Buffer

	a, err := New(context.Background(), cfg, WithCloudWatchClient(cw), WithLogOutput(&local))
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/file/docs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NoError(t, a.Flush(context.Background()))

	audit := cw.stream("service")
	assert.Contains(t, audit, "uploaded file report.pdf to bucket docs.")
	assert.NotContains(t, audit, "HTTP request")

	app := cw.stream("default")
	assert.Contains(t, app, "HTTP request")
	assert.NotContains(t, app, "uploaded file")

	assert.Contains(t, local.String(), "uploaded file report.pdf")
	require.NoError(t, a.Close(context.Background()))
}

func TestSlowCloudWatchDoesNotStallRequests(t *testing.T) {
	keepDefaultLogger(t)

	cfg := memoryConfig()
	cfg.Audit.CloudWatch.Enabled = true
	cw := newFakeCloudWatch()
	cw.delay = 300 * time.Millisecond

	a, err := New(context.Background(), cfg, WithCloudWatchClient(cw), WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)

	start := time.Now()
	for range 3 {
		rec := httptest.NewRecorder()
		a.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 3, strings.Count(cw.stream("default"), "HTTP request"))
}

func TestNewWithoutCloudWatch(t *testing.T) {
	keepDefaultLogger(t)

	store := storage.NewMemoryBackend("http://localhost", 0)
	a, err := New(context.Background(), memoryConfig(), WithBackend(store), WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.Same(t, store, a.Store)
}

func TestRunStopsOnCancel(t *testing.T) {
	keepDefaultLogger(t)

	cfg := memoryConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 1

	a, err := New(context.Background(), cfg, WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
