// Package files implements the gateway's file operations: upload with bucket
// provisioning, presigned URL generation, fetch and delete. It is transport
// agnostic; HTTP binding lives in the handlers package.
package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bleepstore/filegateway/internal/audit"
	gwerr "github.com/bleepstore/filegateway/internal/errors"
	"github.com/bleepstore/filegateway/internal/metrics"
	"github.com/bleepstore/filegateway/internal/storage"
)

// DefaultContentType is stored when an upload carries no content type.
const DefaultContentType = "application/octet-stream"

// Options tunes the service.
type Options struct {
	// Development enables the emulator host rewrite of presigned URLs.
	Development bool
	// PresignExpiry is the lifetime of generated URLs.
	PresignExpiry time.Duration
	// EmulatorAlias is replaced by EmulatorReplacement in development.
	EmulatorAlias       string
	EmulatorReplacement string
	// Timeout bounds every storage operation. Zero means no bound.
	Timeout time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		PresignExpiry:       24 * time.Hour,
		EmulatorAlias:       "http://localstack",
		EmulatorReplacement: "http://127.0.0.1",
		Timeout:             30 * time.Second,
	}
}

// UploadRequest is a single file upload.
type UploadRequest struct {
	Bucket      string
	Filename    string
	ContentType string
	// Size is the payload length, or -1 when unknown.
	Size int64
	Body io.Reader
}

// FileReference identifies a stored object.
type FileReference struct {
	Bucket      string
	Filename    string
	ContentType string
}

// PresignedURL is a generated, time-limited GET URL.
type PresignedURL struct {
	URL              string
	ExpiresInSeconds int
}

// Service performs file operations against a storage backend. It is safe for
// concurrent use; the backend and audit logger are shared by all requests.
type Service struct {
	store storage.Backend
	audit *audit.Logger
	opts  Options
}

// NewService creates a Service. Zero-valued options fall back to
// DefaultOptions.
func NewService(store storage.Backend, auditLog *audit.Logger, opts Options) *Service {
	def := DefaultOptions()
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = def.PresignExpiry
	}
	if opts.EmulatorAlias == "" {
		opts.EmulatorAlias = def.EmulatorAlias
	}
	if opts.EmulatorReplacement == "" {
		opts.EmulatorReplacement = def.EmulatorReplacement
	}
	if auditLog == nil {
		auditLog = audit.Discard()
	}
	return &Service{store: store, audit: auditLog, opts: opts}
}

// Upload provisions the bucket when missing, stores the payload under its
// filename (overwriting) and returns a presigned URL for it.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (PresignedURL, error) {
	if req.Body == nil {
		return PresignedURL{}, gwerr.ErrFileNotProvided
	}
	if req.Filename == "" {
		return PresignedURL{}, gwerr.ErrFilenameNotProvided
	}

	ctx, cancel := s.detach(ctx)
	defer cancel()

	if err := s.ensureBucket(ctx, req.Bucket); err != nil {
		return PresignedURL{}, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	err := s.store.PutObject(ctx, req.Bucket, req.Filename, req.Body, req.Size, contentType)
	observe("PutObject", err)
	if err != nil {
		return PresignedURL{}, gwerr.Backend(err)
	}
	if req.Size > 0 {
		metrics.BytesUploadedTotal.Add(float64(req.Size))
	}
	s.audit.FileUploaded(ctx, req.Bucket, req.Filename)

	return s.GeneratePresignedURL(ctx, FileReference{
		Bucket:      req.Bucket,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	})
}

// GeneratePresignedURL signs a GET URL for ref. The object is not required to
// exist.
func (s *Service) GeneratePresignedURL(ctx context.Context, ref FileReference) (PresignedURL, error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	u, err := s.store.PresignGet(ctx, ref.Bucket, ref.Filename, ref.ContentType, s.opts.PresignExpiry)
	observe("PresignGet", err)
	if err != nil {
		return PresignedURL{}, gwerr.Backend(err)
	}

	if s.opts.Development {
		u = RewriteEmulatorHost(u, s.opts.EmulatorAlias, s.opts.EmulatorReplacement)
	}
	s.audit.URLGenerated(ctx, ref.Bucket, ref.Filename, u)

	return PresignedURL{
		URL:              u,
		ExpiresInSeconds: int(s.opts.PresignExpiry / time.Second),
	}, nil
}

// Fetch returns a presigned URL for an existing object. A missing object or
// bucket is a NotFoundError; the bucket is never created.
func (s *Service) Fetch(ctx context.Context, bucket, filename string) (PresignedURL, error) {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	info, err := s.headObject(ctx, bucket, filename)
	if err != nil {
		return PresignedURL{}, err
	}

	return s.GeneratePresignedURL(ctx, FileReference{
		Bucket:      bucket,
		Filename:    filename,
		ContentType: info.ContentType,
	})
}

// Delete removes an existing object. Deleting a missing object or an object
// in a missing bucket is a NotFoundError, so repeating a delete is not
// idempotent.
func (s *Service) Delete(ctx context.Context, bucket, filename string) error {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	if _, err := s.headObject(ctx, bucket, filename); err != nil {
		return err
	}

	err := s.store.DeleteObject(ctx, bucket, filename)
	observe("DeleteObject", err)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return gwerr.ErrFileNotFound.Wrap(err)
		}
		return gwerr.Backend(err)
	}
	s.audit.FileDeleted(ctx, bucket, filename)
	return nil
}

// Ready checks the backend, and bucket when non-empty.
func (s *Service) Ready(ctx context.Context, bucket string) error {
	ctx, cancel := s.detach(ctx)
	defer cancel()

	err := s.store.HealthCheck(ctx, bucket)
	observe("HealthCheck", err)
	return err
}

func (s *Service) headObject(ctx context.Context, bucket, filename string) (*storage.ObjectInfo, error) {
	info, err := s.store.HeadObject(ctx, bucket, filename)
	observe("HeadObject", err)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, gwerr.ErrFileNotFound.Wrap(err)
		}
		return nil, gwerr.Backend(err)
	}
	return info, nil
}

// ensureBucket creates bucket with the default CORS rule when HEAD
// reports it missing. Any other HEAD failure is returned as a backend error.
// Two uploads racing on a new bucket may both create it; backends treat the
// second create as success and the CORS rule is the same.
func (s *Service) ensureBucket(ctx context.Context, bucket string) error {
	err := s.store.HeadBucket(ctx, bucket)
	observe("HeadBucket", err)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return gwerr.Backend(err)
	}

	err = s.store.CreateBucket(ctx, bucket)
	observe("CreateBucket", err)
	if err != nil {
		return gwerr.Backend(err)
	}

	err = s.store.PutBucketCORS(ctx, bucket, storage.DefaultCORSRule())
	observe("PutBucketCORS", err)
	if err != nil {
		return gwerr.Backend(err)
	}

	metrics.BucketsProvisionedTotal.Inc()
	s.audit.BucketCreated(ctx, bucket)
	slog.Debug("Bucket provisioned", "bucket", bucket)
	return nil
}

// detach shields a storage call from client disconnects while still bounding
// it by the configured timeout. Context values are kept.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return ctx, func() {}
}

// RewriteEmulatorHost replaces the first occurrence of alias in url with
// replacement. Later occurrences, such as inside the object key, are kept.
func RewriteEmulatorHost(url, alias, replacement string) string {
	if alias == "" {
		return url
	}
	return strings.Replace(url, alias, replacement, 1)
}

// observe records the outcome of a backend call.
func observe(op string, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	metrics.StorageOperationsTotal.WithLabelValues(op, status).Inc()
}
