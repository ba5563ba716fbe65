// Package storage defines the object storage boundary of the file gateway and
// its implementations: AWS S3 (and S3-compatible emulators), Google Cloud
// Storage, and an in-process memory store.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors. Backends wrap provider errors so that callers can test
// for absence with errors.Is(err, ErrNotFound) without knowing the provider.
var (
	ErrNotFound       = errors.New("not found")
	ErrBucketNotFound = &notFoundError{what: "bucket"}
	ErrObjectNotFound = &notFoundError{what: "object"}
)

type notFoundError struct {
	what string
}

func (e *notFoundError) Error() string { return e.what + " not found" }

// Is makes both bucket and object absence match ErrNotFound.
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  time.Time
}

// Backend is the object storage client used by the file service. All methods
// must be safe for concurrent use.
type Backend interface {
	// HeadBucket returns ErrBucketNotFound when the bucket does not exist.
	HeadBucket(ctx context.Context, bucket string) error

	// CreateBucket creates a bucket. A bucket that already exists and is owned
	// by the caller is not an error.
	CreateBucket(ctx context.Context, bucket string) error

	// PutBucketCORS replaces the bucket's CORS configuration with rule.
	PutBucketCORS(ctx context.Context, bucket string, rule CORSRule) error

	// PutObject stores body under key, overwriting any existing object.
	PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error

	// HeadObject returns ErrObjectNotFound when the object or its bucket does
	// not exist.
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// DeleteObject removes an object.
	DeleteObject(ctx context.Context, bucket, key string) error

	// PresignGet returns a time-limited URL granting GET access to the object.
	// contentType is bound into the signed request when non-empty.
	PresignGet(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error)

	// HealthCheck verifies that the backend is reachable. When bucket is
	// non-empty it must also be accessible.
	HealthCheck(ctx context.Context, bucket string) error
}

// CORSRule is a cross-origin access policy applied to a bucket.
type CORSRule struct {
	AllowedHeaders []string
	AllowedMethods []string
	AllowedOrigins []string
	ExposeHeaders  []string
	MaxAgeSeconds  int
}

// DefaultCORSRule returns the policy applied to every bucket the gateway
// provisions: browsers on any origin may read and write objects directly
// through presigned URLs.
func DefaultCORSRule() CORSRule {
	return CORSRule{
		AllowedHeaders: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "HEAD", "PUT"},
		AllowedOrigins: []string{"*"},
		ExposeHeaders:  []string{"ETag"},
		MaxAgeSeconds:  3600,
	}
}
