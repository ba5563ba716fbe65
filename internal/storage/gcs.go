package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// BucketAttrs fails with gcs.ErrBucketNotExist when the bucket is absent.
	BucketAttrs(ctx context.Context, bucket string) error
	// CreateBucket creates the bucket in project.
	CreateBucket(ctx context.Context, project, bucket string) error
	// UpdateCORS replaces the bucket's CORS configuration.
	UpdateCORS(ctx context.Context, bucket string, cors []gcs.CORS) error
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// SignedURL signs a V4 URL for the object.
	SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
	// Ping lists at most one bucket in project to verify connectivity.
	Ping(ctx context.Context, project string) error
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	ContentType string
	Size        int64
	ETag        string
	Updated     time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

func (c *realGCSClient) CreateBucket(ctx context.Context, project, bucket string) error {
	return c.client.Bucket(bucket).Create(ctx, project, nil)
}

func (c *realGCSClient) UpdateCORS(ctx context.Context, bucket string, cors []gcs.CORS) error {
	_, err := c.client.Bucket(bucket).Update(ctx, gcs.BucketAttrsToUpdate{CORS: cors})
	return err
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, contentType string) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
		ETag:        attrs.Etag,
		Updated:     attrs.Updated,
	}, nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error) {
	return c.client.Bucket(bucket).SignedURL(object, opts)
}

func (c *realGCSClient) Ping(ctx context.Context, project string) error {
	it := c.client.Buckets(ctx, project)
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return nil
	}
	return err
}

// GCSBackend implements Backend against Google Cloud Storage. Buckets the
// gateway provisions are created in Project.
type GCSBackend struct {
	Project string

	client GCSAPI
}

// NewGCSBackend creates a GCSBackend using Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
func NewGCSBackend(ctx context.Context, project string) (*GCSBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	slog.Info("GCS storage backend initialized", "project", project)
	return NewGCSBackendWithClient(project, &realGCSClient{client: client}), nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSBackendWithClient(project string, client GCSAPI) *GCSBackend {
	return &GCSBackend{
		Project: project,
		client:  client,
	}
}

// HeadBucket checks that the bucket exists.
func (b *GCSBackend) HeadBucket(ctx context.Context, bucket string) error {
	if err := b.client.BucketAttrs(ctx, bucket); err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("bucket %q: %w", bucket, ErrBucketNotFound)
		}
		return fmt.Errorf("checking bucket in GCS: %w", err)
	}
	return nil
}

// CreateBucket creates the bucket. GCS answers 409 when the name is taken;
// the follow-up attribute read tells whether the caller can use it.
func (b *GCSBackend) CreateBucket(ctx context.Context, bucket string) error {
	err := b.client.CreateBucket(ctx, b.Project, bucket)
	if err == nil {
		return nil
	}
	if isGCSConflict(err) && b.client.BucketAttrs(ctx, bucket) == nil {
		return nil
	}
	return fmt.Errorf("creating bucket in GCS: %w", err)
}

// PutBucketCORS applies rule as the bucket's only CORS entry. GCS has no
// allowed-request-headers setting; any header is accepted.
func (b *GCSBackend) PutBucketCORS(ctx context.Context, bucket string, rule CORSRule) error {
	cors := []gcs.CORS{{
		MaxAge:          time.Duration(rule.MaxAgeSeconds) * time.Second,
		Methods:         rule.AllowedMethods,
		Origins:         rule.AllowedOrigins,
		ResponseHeaders: rule.ExposeHeaders,
	}}
	if err := b.client.UpdateCORS(ctx, bucket, cors); err != nil {
		return fmt.Errorf("applying bucket CORS in GCS: %w", err)
	}
	return nil
}

// PutObject streams body to the object. The upload is committed on Close.
func (b *GCSBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	w := b.client.NewWriter(ctx, bucket, key, contentType)
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("uploading %s/%s: %w", bucket, key, ErrBucketNotFound)
		}
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// HeadObject returns the object's metadata.
func (b *GCSBackend) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	attrs, err := b.client.Attrs(ctx, bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("getting object attrs from GCS: %w", err)
	}
	return &ObjectInfo{
		ContentType:   attrs.ContentType,
		ContentLength: attrs.Size,
		ETag:          attrs.ETag,
		LastModified:  attrs.Updated,
	}, nil
}

// DeleteObject removes an object. Unlike S3, GCS reports missing objects.
func (b *GCSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := b.client.Delete(ctx, bucket, key); err != nil {
		if isGCSNotFound(err) {
			return fmt.Errorf("deleting %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// PresignGet signs a V4 GET URL for the object.
func (b *GCSBackend) PresignGet(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error) {
	opts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expires),
	}
	if contentType != "" {
		opts.QueryParameters = url.Values{"response-content-type": {contentType}}
	}

	u, err := b.client.SignedURL(bucket, key, opts)
	if err != nil {
		return "", fmt.Errorf("signing GCS URL: %w", err)
	}
	return u, nil
}

// HealthCheck verifies GCS connectivity, probing bucket when given.
func (b *GCSBackend) HealthCheck(ctx context.Context, bucket string) error {
	if bucket == "" {
		return b.client.Ping(ctx, b.Project)
	}
	return b.HeadBucket(ctx, bucket)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	// The gRPC transport reports codes.NotFound instead of an HTTP 404.
	return err != nil && status.Code(err) == codes.NotFound
}

// isGCSConflict checks if a GCS error is a 409 conflict.
func isGCSConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

// Ensure GCSBackend implements Backend at compile time.
var _ Backend = (*GCSBackend)(nil)
