package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketCors(ctx context.Context, params *s3.PutBucketCorsInput, optFns ...func(*s3.Options)) (*s3.PutBucketCorsOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
}

// PresignAPI defines the presigning subset of the S3 presign client.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// AWSConfig configures the S3 backend.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// AccountID is sent as ExpectedBucketOwner when applying CORS.
	AccountID string
	// Endpoint overrides the S3 endpoint (LocalStack, MinIO, ...).
	Endpoint     string
	UsePathStyle bool
	// RoleARN, when set, is assumed through STS before any S3 call.
	RoleARN string
}

// AWSBackend implements Backend against Amazon S3 or an S3-compatible
// service.
type AWSBackend struct {
	Region    string
	AccountID string

	client    S3API
	presigner PresignAPI
}

// NewAWSBackend creates an AWSBackend. Credentials are resolved through the
// standard AWS chain unless static keys are configured.
func NewAWSBackend(ctx context.Context, cfg AWSConfig) (*AWSBackend, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken, cfg.RoleARN)
	if err != nil {
		return nil, err
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	slog.Info("AWS storage backend initialized",
		"region", cfg.Region, "endpoint", cfg.Endpoint, "path_style", cfg.UsePathStyle, "assume_role", cfg.RoleARN != "")
	return NewAWSBackendWithClient(cfg.Region, cfg.AccountID, client, s3.NewPresignClient(client)), nil
}

// NewAWSBackendWithClient creates an AWSBackend with pre-configured clients.
// This is primarily used for testing with mock clients.
func NewAWSBackendWithClient(region, accountID string, client S3API, presigner PresignAPI) *AWSBackend {
	return &AWSBackend{
		Region:    region,
		AccountID: accountID,
		client:    client,
		presigner: presigner,
	}
}

// LoadAWSConfig resolves an aws.Config for the given region. Static keys take
// precedence over the default chain; a role ARN wraps the resolved
// credentials in an STS AssumeRole provider.
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey, sessionToken, roleARN string) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	if roleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "filegateway"
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// HeadBucket checks that the bucket exists and is accessible.
func (b *AWSBackend) HeadBucket(ctx context.Context, bucket string) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("bucket %q: %w", bucket, ErrBucketNotFound)
		}
		return fmt.Errorf("checking bucket in S3: %w", err)
	}
	return nil
}

// CreateBucket creates a bucket in the configured region. A bucket already
// owned by the caller counts as created, so concurrent first uploads to the
// same bucket both succeed.
func (b *AWSBackend) CreateBucket(ctx context.Context, bucket string) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	}
	// us-east-1 rejects an explicit location constraint.
	if b.Region != "" && b.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.Region),
		}
	}

	_, err := b.client.CreateBucket(ctx, input)
	if err != nil {
		if isAWSAlreadyOwned(err) {
			return nil
		}
		return fmt.Errorf("creating bucket in S3: %w", err)
	}
	return nil
}

// PutBucketCORS applies rule as the bucket's only CORS rule.
func (b *AWSBackend) PutBucketCORS(ctx context.Context, bucket string, rule CORSRule) error {
	input := &s3.PutBucketCorsInput{
		Bucket: aws.String(bucket),
		CORSConfiguration: &types.CORSConfiguration{
			CORSRules: []types.CORSRule{{
				AllowedHeaders: rule.AllowedHeaders,
				AllowedMethods: rule.AllowedMethods,
				AllowedOrigins: rule.AllowedOrigins,
				ExposeHeaders:  rule.ExposeHeaders,
				MaxAgeSeconds:  aws.Int32(int32(rule.MaxAgeSeconds)),
			}},
		},
	}
	if b.AccountID != "" {
		input.ExpectedBucketOwner = aws.String(b.AccountID)
	}

	if _, err := b.client.PutBucketCors(ctx, input); err != nil {
		return fmt.Errorf("applying bucket CORS in S3: %w", err)
	}
	return nil
}

// PutObject uploads body under key. A ReadSeeker body (multipart file parts
// are) is streamed without buffering.
func (b *AWSBackend) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("uploading %s/%s: %w", bucket, key, ErrBucketNotFound)
		}
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// HeadObject returns the object's metadata.
func (b *AWSBackend) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("checking object in S3: %w", err)
	}

	return &ObjectInfo{
		ContentType:   aws.ToString(resp.ContentType),
		ContentLength: aws.ToInt64(resp.ContentLength),
		ETag:          aws.ToString(resp.ETag),
		LastModified:  aws.ToTime(resp.LastModified),
	}, nil
}

// DeleteObject removes an object. S3 does not report missing keys here;
// existence is checked by the caller.
func (b *AWSBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return fmt.Errorf("deleting %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// PresignGet signs a GET request for the object. The content type is bound
// as the response content type so browsers render the file correctly.
func (b *AWSBackend) PresignGet(ctx context.Context, bucket, key, contentType string, expires time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ResponseContentType = aws.String(contentType)
	}

	req, err := b.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presigning S3 GET: %w", err)
	}
	return req.URL, nil
}

// HealthCheck verifies S3 connectivity, probing bucket when given.
func (b *AWSBackend) HealthCheck(ctx context.Context, bucket string) error {
	if bucket == "" {
		_, err := b.client.ListBuckets(ctx, &s3.ListBucketsInput{MaxBuckets: aws.Int32(1)})
		return err
	}
	return b.HeadBucket(ctx, bucket)
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NoSuchBucket error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// isAWSAlreadyOwned checks if a CreateBucket error means the caller already
// owns the bucket.
func isAWSAlreadyOwned(err error) bool {
	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "BucketAlreadyOwnedByYou"
	}
	return false
}

// Ensure AWSBackend implements Backend at compile time.
var _ Backend = (*AWSBackend)(nil)
