package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bleepstore/filegateway/internal/audit"
	"github.com/bleepstore/filegateway/internal/config"
	"github.com/bleepstore/filegateway/internal/files"
	"github.com/bleepstore/filegateway/internal/metrics"
	"github.com/bleepstore/filegateway/internal/storage"
	"github.com/bleepstore/filegateway/internal/uid"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// countingBackend counts every storage call and optionally fails or panics.
type countingBackend struct {
	*storage.MemoryBackend
	calls atomic.Int32
	err   error
	panic bool
}

func (b *countingBackend) hit() error {
	b.calls.Add(1)
	if b.panic {
		panic("storage exploded")
	}
	return b.err
}

func (b *countingBackend) HeadBucket(ctx context.Context, bucket string) error {
	if err := b.hit(); err != nil {
		return err
	}
	return b.MemoryBackend.HeadBucket(ctx, bucket)
}

func (b *countingBackend) CreateBucket(ctx context.Context, bucket string) error {
	if err := b.hit(); err != nil {
		return err
	}
	return b.MemoryBackend.CreateBucket(ctx, bucket)
}

func (b *countingBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if err := b.hit(); err != nil {
		return err
	}
	return b.MemoryBackend.PutObject(ctx, bucket, key, body, size, contentType)
}

func (b *countingBackend) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	if err := b.hit(); err != nil {
		return nil, err
	}
	return b.MemoryBackend.HeadObject(ctx, bucket, key)
}

func (b *countingBackend) HealthCheck(ctx context.Context, bucket string) error {
	if err := b.hit(); err != nil {
		return err
	}
	return b.MemoryBackend.HealthCheck(ctx, bucket)
}

var _ storage.Backend = (*countingBackend)(nil)

type testServer struct {
	srv   *Server
	store *countingBackend
	logs  *bytes.Buffer
}

// newTestServer creates a Server over an in-memory backend with metrics
// enabled and audit output captured.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	for _, m := range mutate {
		m(cfg)
	}

	var logs bytes.Buffer
	auditLog := audit.New(slog.New(slog.NewTextHandler(&logs, nil)), false)
	store := &countingBackend{MemoryBackend: storage.NewMemoryBackend("http://localstack:4566", 0)}
	svc := files.NewService(store, auditLog, files.Options{})

	srv, err := New(cfg, svc, WithAuditLogger(auditLog))
	require.NoError(t, err)
	return &testServer{srv: srv, store: store, logs: &logs}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func uploadRequest(t *testing.T, path, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(nil, files.NewService(storage.NewMemoryBackend("", 0), nil, files.Options{}))
	assert.Error(t, err)

	_, err = New(config.Default(), nil)
	assert.Error(t, err)
}

func TestFileLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(uploadRequest(t, "/file/bucket", "filename.txt", "content"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Uploaded file successfully.", body["message"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data["location"], "filename.txt")

	stored, ok := ts.store.ObjectData("bucket", "filename.txt")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))
	assert.NotNil(t, ts.store.BucketCORS("bucket"))

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/file/bucket/filename.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Generated file URL successfully.", decode(t, rec)["message"])

	rec = ts.do(httptest.NewRequest(http.MethodDelete, "/file/bucket/filename.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Deleted file successfully.", decode(t, rec)["message"])

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/file/bucket/filename.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "File does not exist.", decode(t, rec)["message"])
}

func TestUploadWithoutFileMakesNoStorageCalls(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/file/bucket", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := ts.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File is not provided.", decode(t, rec)["message"])
	assert.Zero(t, ts.store.calls.Load())
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxUploadSize = 128 })

	rec := ts.do(uploadRequest(t, "/file/bucket", "big.bin", strings.Repeat("x", 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, ts.store.calls.Load())
}

func TestAuditRecordsCallerAddress(t *testing.T) {
	ts := newTestServer(t)

	req := uploadRequest(t, "/file/photos", "cat.png", "meow")
	req.RemoteAddr = "192.0.2.10:54321"
	rec := ts.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	logs := ts.logs.String()
	assert.Contains(t, logs, "192.0.2.10 created bucket photos.")
	assert.Contains(t, logs, "192.0.2.10 uploaded file cat.png to bucket photos.")
	assert.NotContains(t, logs, "54321")
}

func TestAuditIgnoresForwardedForByDefault(t *testing.T) {
	ts := newTestServer(t)

	req := uploadRequest(t, "/file/photos", "cat.png", "meow")
	req.RemoteAddr = "198.51.100.20:4711"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("X-Real-IP", "203.0.113.8")
	rec := ts.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Contains(t, ts.logs.String(), "198.51.100.20 uploaded file cat.png")
	assert.NotContains(t, ts.logs.String(), "203.0.113")
}

func TestAuditHonoursForwardedForWhenTrusted(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.TrustProxyHeaders = true })

	req := uploadRequest(t, "/file/photos", "cat.png", "meow")
	req.RemoteAddr = "10.0.0.2:4711"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := ts.do(req)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Contains(t, ts.logs.String(), "203.0.113.7 uploaded file cat.png")
}

func TestRootNeverTouchesStorage(t *testing.T) {
	ts := newTestServer(t)
	ts.store.err = errors.New("connection refused")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"The service is running."}`, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Link"))
	assert.Zero(t, ts.store.calls.Load())
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"Route /nope does not exist."}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodPut, "/file/bucket/a.txt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method PUT is not allowed for route /file/bucket/a.txt.", decode(t, rec)["message"])
}

func TestBackendFailureHidesDetails(t *testing.T) {
	ts := newTestServer(t)
	ts.store.err = errors.New("dial tcp 10.0.0.9:4566: connection refused")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/file/bucket/a.txt", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.9")
	assert.Contains(t, ts.logs.String(), "request_failed")
}

func TestPanicRecovered(t *testing.T) {
	ts := newTestServer(t)
	ts.store.panic = true

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/file/bucket/a.txt", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"message":"Internal server error."}`, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Storage.DefaultBucket = "uploads" })

	// The default bucket does not exist yet; the backend is reachable.
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"The service is ready."}`, rec.Body.String())

	ts.store.err = errors.New("connection refused")
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "The storage backend is unavailable.", decode(t, rec)["message"])
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, uid.Valid(rec.Header().Get(RequestIDHeader)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	rec = ts.do(req)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	rec = ts.do(req)
	assert.NotEqual(t, "<script>", rec.Header().Get(RequestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.CORSOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/file/bucket", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := ts.do(req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Zero(t, ts.store.calls.Load())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = ts.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "filegateway_http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = false })

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenAPIDocument(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Info  struct{ Title string } `json:"info"`
		Paths map[string]any         `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "File Gateway API", doc.Info.Title)
	assert.Contains(t, doc.Paths, "/")
	assert.Contains(t, doc.Paths, "/readyz")
}

func TestOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	req := uploadRequest(t, "/file/bucket", "filename.txt", "content")
	httpReq, err := http.NewRequest(http.MethodPost, hs.URL+"/file/bucket", req.Body)
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", req.Header.Get("Content-Type"))

	resp, err := hs.Client().Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, ts.logs.String(), "127.0.0.1 uploaded file filename.txt")
}

func TestShutdownWithoutListen(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ts.srv.Shutdown(ctx))
}
