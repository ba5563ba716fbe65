package storage

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memObject holds the raw data and metadata for an in-memory object.
type memObject struct {
	Data        []byte
	ETag        string
	ContentType string
	Modified    time.Time
}

// memBucket holds a bucket's objects and CORS rule.
type memBucket struct {
	objects map[string]memObject
	cors    *CORSRule
}

// MemoryBackend implements Backend using in-memory maps. It is intended for
// local development and tests. Presigned URLs are unsigned and of the form
// {BaseURL}/{bucket}/{key}?X-Expires={seconds}.
type MemoryBackend struct {
	BaseURL string

	mu           sync.RWMutex
	buckets      map[string]*memBucket
	currentSize  int64
	maxSizeBytes int64
}

// NewMemoryBackend creates a MemoryBackend. A maxSizeBytes of zero means no
// limit.
func NewMemoryBackend(baseURL string, maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		buckets:      make(map[string]*memBucket),
		maxSizeBytes: maxSizeBytes,
	}
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// HeadBucket checks that the bucket exists.
func (b *MemoryBackend) HeadBucket(ctx context.Context, bucket string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.buckets[bucket]; !ok {
		return fmt.Errorf("bucket %q: %w", bucket, ErrBucketNotFound)
	}
	return nil
}

// CreateBucket creates an empty bucket. Existing buckets are left untouched.
func (b *MemoryBackend) CreateBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.buckets[bucket]; !ok {
		b.buckets[bucket] = &memBucket{objects: make(map[string]memObject)}
	}
	return nil
}

// PutBucketCORS stores rule on the bucket.
func (b *MemoryBackend) PutBucketCORS(ctx context.Context, bucket string, rule CORSRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %q: %w", bucket, ErrBucketNotFound)
	}
	bk.cors = &rule
	return nil
}

// BucketCORS returns the CORS rule applied to bucket, or nil.
func (b *MemoryBackend) BucketCORS(bucket string) *CORSRule {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, ok := b.buckets[bucket]
	if !ok || bk.cors == nil {
		return nil
	}
	rule := *bk.cors
	return &rule
}

// PutObject reads all data from body and stores it, replacing any existing
// object under key.
func (b *MemoryBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[bucket]
	if !ok {
		return fmt.Errorf("uploading %s/%s: %w", bucket, key, ErrBucketNotFound)
	}

	// Account for size change if replacing an existing object.
	delta := int64(len(data))
	if existing, found := bk.objects[key]; found {
		delta -= int64(len(existing.Data))
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}

	bk.objects[key] = memObject{
		Data:        data,
		ETag:        computeETag(data),
		ContentType: contentType,
		Modified:    time.Now().UTC(),
	}
	b.currentSize += delta
	return nil
}

// HeadObject returns the object's metadata.
func (b *MemoryBackend) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.lookup(bucket, key)
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return &ObjectInfo{
		ContentType:   obj.ContentType,
		ContentLength: int64(len(obj.Data)),
		ETag:          obj.ETag,
		LastModified:  obj.Modified,
	}, nil
}

// ObjectData returns a copy of the stored bytes.
func (b *MemoryBackend) ObjectData(bucket, key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.lookup(bucket, key)
	if !ok {
		return nil, false
	}
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)
	return dataCopy, true
}

// lookup must be called with b.mu held.
func (b *MemoryBackend) lookup(bucket, key string) (memObject, bool) {
	bk, ok := b.buckets[bucket]
	if !ok {
		return memObject{}, false
	}
	obj, ok := bk.objects[key]
	return obj, ok
}

// DeleteObject removes an object. Deleting a missing object is not an error,
// matching S3.
func (b *MemoryBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[bucket]
	if !ok {
		return nil
	}
	if obj, found := bk.objects[key]; found {
		b.currentSize -= int64(len(obj.Data))
		delete(bk.objects, key)
	}
	return nil
}

// PresignGet returns an unsigned URL that encodes the expiry. The object is
// not required to exist, matching the behavior of real presigners.
func (b *MemoryBackend) PresignGet(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error) {
	q := url.Values{}
	q.Set("X-Expires", strconv.Itoa(int(expires.Seconds())))
	if contentType != "" {
		q.Set("response-content-type", contentType)
	}
	return fmt.Sprintf("%s/%s/%s?%s", b.BaseURL, url.PathEscape(bucket), url.PathEscape(key), q.Encode()), nil
}

// HealthCheck always succeeds unless bucket is given and missing.
func (b *MemoryBackend) HealthCheck(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}
	return b.HeadBucket(ctx, bucket)
}

// Ensure MemoryBackend implements Backend at compile time.
var _ Backend = (*MemoryBackend)(nil)
