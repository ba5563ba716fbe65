package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(logURLs bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(slog.New(slog.NewJSONHandler(&buf, nil)), logURLs), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestCallerFrom(t *testing.T) {
	assert.Equal(t, "unknown", CallerFrom(context.Background()))
	assert.Equal(t, "unknown", CallerFrom(WithCaller(context.Background(), "")))
	assert.Equal(t, "10.0.0.7", CallerFrom(WithCaller(context.Background(), "10.0.0.7")))
}

func TestBucketCreated(t *testing.T) {
	l, buf := newTestLogger(false)
	l.BucketCreated(WithCaller(context.Background(), "10.0.0.7"), "photos")

	rec := decode(t, buf)
	assert.Equal(t, "10.0.0.7 created bucket photos.", rec["msg"])
	assert.Equal(t, "bucket_created", rec["event"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestFileUploaded(t *testing.T) {
	l, buf := newTestLogger(false)
	l.FileUploaded(WithCaller(context.Background(), "10.0.0.7"), "photos", "a.txt")

	rec := decode(t, buf)
	assert.Equal(t, "10.0.0.7 uploaded file a.txt to bucket photos.", rec["msg"])
	assert.Equal(t, "a.txt", rec["filename"])
}

func TestFileDeleted(t *testing.T) {
	l, buf := newTestLogger(false)
	l.FileDeleted(WithCaller(context.Background(), "10.0.0.7"), "photos", "a.txt")

	rec := decode(t, buf)
	assert.Equal(t, "10.0.0.7 deleted file a.txt from bucket photos.", rec["msg"])
}

func TestURLGeneratedRedactsByDefault(t *testing.T) {
	l, buf := newTestLogger(false)
	l.URLGenerated(WithCaller(context.Background(), "10.0.0.7"), "photos", "a.txt",
		"http://127.0.0.1:4566/photos/a.txt?X-Amz-Signature=secret&X-Amz-Credential=AKIA")

	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.NotContains(t, out, "AKIA")

	rec := decode(t, buf)
	assert.Equal(t, "http://127.0.0.1:4566/photos/a.txt?REDACTED", rec["url"])
	assert.Equal(t, "10.0.0.7 generated presigned URL http://127.0.0.1:4566/photos/a.txt?REDACTED for file a.txt in bucket photos.", rec["msg"])
}

func TestURLGeneratedFullWhenEnabled(t *testing.T) {
	l, buf := newTestLogger(true)
	full := "http://127.0.0.1:4566/photos/a.txt?X-Amz-Signature=secret"
	l.URLGenerated(context.Background(), "photos", "a.txt", full)

	rec := decode(t, buf)
	assert.Equal(t, full, rec["url"])
	assert.Equal(t, "unknown", rec["caller"])
}

func TestRequestFailed(t *testing.T) {
	l, buf := newTestLogger(false)
	l.RequestFailed(WithCaller(context.Background(), "10.0.0.7"), "POST", "/file/photos", 500, errors.New("connection refused"))

	rec := decode(t, buf)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "connection refused", rec["error"])
	assert.EqualValues(t, 500, rec["status"])
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://b.s3.amazonaws.com/k?X-Amz-Signature=abc", "https://b.s3.amazonaws.com/k?REDACTED"},
		{"https://b.s3.amazonaws.com/k", "https://b.s3.amazonaws.com/k"},
		{"https://b.s3.amazonaws.com/k#frag", "https://b.s3.amazonaws.com/k"},
		{"://bad", "[redacted]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactURL(tt.in), tt.in)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.NotPanics(t, func() {
		l.BucketCreated(context.Background(), "photos")
		l.RequestFailed(context.Background(), "GET", "/", 500, errors.New("x"))
	})
}
