// Package audit records one structured line per completed file operation,
// attributed to the caller's network address.
package audit

import (
	"context"
	"log/slog"
	"net/url"
)

type callerKey struct{}

// WithCaller returns a context carrying the caller's network address.
func WithCaller(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the caller address stored in ctx, or "unknown".
func CallerFrom(ctx context.Context) string {
	if addr, ok := ctx.Value(callerKey{}).(string); ok && addr != "" {
		return addr
	}
	return "unknown"
}

// Logger writes audit events. The zero value is not usable; use New.
type Logger struct {
	log *slog.Logger
	// logURLs includes presigned URL signatures in the log when true.
	logURLs bool
}

// New wraps logger. When logPresignedURLs is false, the query string of
// generated URLs is redacted before logging since it carries a bearer
// credential.
func New(logger *slog.Logger, logPresignedURLs bool) *Logger {
	return &Logger{log: logger, logURLs: logPresignedURLs}
}

// Discard returns a Logger that drops every event.
func Discard() *Logger {
	return New(slog.New(slog.DiscardHandler), false)
}

// BucketCreated records the provisioning of a new bucket.
func (l *Logger) BucketCreated(ctx context.Context, bucket string) {
	caller := CallerFrom(ctx)
	l.log.InfoContext(ctx, caller+" created bucket "+bucket+".",
		"event", "bucket_created", "caller", caller, "bucket", bucket)
}

// FileUploaded records a successful upload.
func (l *Logger) FileUploaded(ctx context.Context, bucket, filename string) {
	caller := CallerFrom(ctx)
	l.log.InfoContext(ctx, caller+" uploaded file "+filename+" to bucket "+bucket+".",
		"event", "file_uploaded", "caller", caller, "bucket", bucket, "filename", filename)
}

// URLGenerated records a generated presigned URL.
func (l *Logger) URLGenerated(ctx context.Context, bucket, filename, presigned string) {
	caller := CallerFrom(ctx)
	shown := presigned
	if !l.logURLs {
		shown = RedactURL(presigned)
	}
	l.log.InfoContext(ctx, caller+" generated presigned URL "+shown+" for file "+filename+" in bucket "+bucket+".",
		"event", "url_generated", "caller", caller, "bucket", bucket, "filename", filename, "url", shown)
}

// FileDeleted records a deletion.
func (l *Logger) FileDeleted(ctx context.Context, bucket, filename string) {
	caller := CallerFrom(ctx)
	l.log.InfoContext(ctx, caller+" deleted file "+filename+" from bucket "+bucket+".",
		"event", "file_deleted", "caller", caller, "bucket", bucket, "filename", filename)
}

// RequestFailed records a request that ended in a backend or unknown error.
func (l *Logger) RequestFailed(ctx context.Context, method, path string, status int, err error) {
	caller := CallerFrom(ctx)
	l.log.ErrorContext(ctx, caller+" request "+method+" "+path+" failed.",
		"event", "request_failed", "caller", caller, "method", method, "path", path, "status", status, "error", err)
}

// RedactURL strips the query string and fragment from raw. Unparseable input
// is fully redacted.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}
	if u.RawQuery != "" {
		u.RawQuery = "REDACTED"
	}
	u.Fragment = ""
	return u.String()
}
