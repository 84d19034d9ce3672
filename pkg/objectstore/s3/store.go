// Package s3 implements objectstore.Store against any S3-compatible
// bucket (AWS S3, MinIO, Ceph RGW, ...).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// Config configures the S3-backed object store.
type Config struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// Region is the AWS region; empty uses the SDK default resolution
	// chain.
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string

	// UsePathStyle forces path-style addressing, required by most
	// self-hosted S3-compatible stores.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey, when both set, take precedence
	// over the SDK's default credential resolution chain. Normally left
	// empty so AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY apply.
	AccessKeyID     string
	SecretAccessKey string

	// Retry controls backoff between attempts at a transient failure.
	Retry RetryConfig
}

// RetryConfig mirrors pkg/config.RetryConfig; duplicated here rather than
// imported to keep this package usable without pulling in the config
// package's viper/validator dependency chain.
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
}

// DefaultRetryConfig matches pkg/config's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		MaxRetries:     5,
	}
}

// Store is an S3-backed implementation of objectstore.Store.
type Store struct {
	client *s3.Client
	bucket string
	retry  RetryConfig

	mu     sync.RWMutex
	closed bool
}

// New returns a Store using an already-constructed S3 client.
func New(client *s3.Client, cfg Config) *Store {
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	return &Store{client: client, bucket: cfg.Bucket, retry: retry}
}

// NewFromConfig builds an S3 client from cfg and returns a Store.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
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
	return New(client, cfg), nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store closed: %w", cubisterr.ErrIO)
	}
	return nil
}

// Get implements objectstore.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.withRetry(ctx, "get "+key, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("key %q: %w", key, cubisterr.ErrNotFound)
			}
			return classifyAWSErr(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading body of %q: %w", key, cubisterr.ErrNetwork)
		}
		data = body
		return nil
	})
	return data, err
}

// PutIfAbsent implements objectstore.Store using S3's conditional-write
// IfNoneMatch header so a racing duplicate write of identical block
// content is rejected cleanly instead of silently overwriting.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.withRetry(ctx, "put-if-absent "+key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			IfNoneMatch: aws.String("*"),
		})
		if err != nil {
			if isPreconditionFailed(err) {
				return fmt.Errorf("key %q: %w", key, cubisterr.ErrAlreadyExists)
			}
			return classifyAWSErr(err)
		}
		return nil
	})
}

// Put implements objectstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.withRetry(ctx, "put "+key, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return classifyAWSErr(err)
		}
		return nil
	})
}

// List implements objectstore.Store.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.withRetry(ctx, "list "+prefix, func() error {
		keys = nil
		paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return classifyAWSErr(err)
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	return keys, err
}

// Delete implements objectstore.Store. Deleting a missing key is not an
// error, matching S3's native DeleteObject semantics.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.withRetry(ctx, "delete "+key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return classifyAWSErr(err)
		}
		return nil
	})
}

// DeleteBatch removes many keys in batches of up to 1000, the limit of a
// single S3 DeleteObjects call. Used by the cleanup driver to remove
// unreferenced blocks in bulk.
func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	const maxBatch = objectstore.DeleteBatchSize
	for i := 0; i < len(keys); i += maxBatch {
		end := i + maxBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]

		err := s.withRetry(ctx, "delete-batch", func() error {
			objects := make([]types.ObjectIdentifier, len(batch))
			for j, k := range batch {
				objects[j] = types.ObjectIdentifier{Key: aws.String(k)}
			}
			_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &types.Delete{Objects: objects},
			})
			if err != nil {
				return classifyAWSErr(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed. The underlying S3 client holds no
// resources that need releasing.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the configured bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("health check: %w", classifyAWSErr(err))
	}
	return nil
}

// withRetry runs op, retrying with exponential backoff and jitter while
// the error classifies as retryable, up to s.retry.MaxRetries retries
// after the first attempt.
func (s *Store) withRetry(ctx context.Context, desc string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", desc, cubisterr.ErrCancelled)
			case <-time.After(backoff):
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !cubisterr.Classify(lastErr).Retryable() {
			return fmt.Errorf("%s: %w", desc, lastErr)
		}
	}
	return fmt.Errorf("%s: exhausted %d retries: %w", desc, s.retry.MaxRetries, lastErr)
}

func (s *Store) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s.retry.Multiplier
	}
	if backoff > float64(s.retry.MaxBackoff) {
		backoff = float64(s.retry.MaxBackoff)
	}
	// Full jitter: spread retries across [0, backoff) to avoid thundering
	// herd against the bucket after a shared outage.
	return time.Duration(rand.Float64() * backoff)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return strings.Contains(err.Error(), "PreconditionFailed")
}

// classifyAWSErr maps an AWS SDK error into the cubisterr taxonomy so
// callers above this package never need to inspect smithy error codes
// directly.
func classifyAWSErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", cubisterr.ErrCancelled, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", cubisterr.ErrNetwork, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException",
			"InternalServiceException", "RequestTimeout":
			return fmt.Errorf("%w: %v", cubisterr.ErrNetwork, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", cubisterr.ErrAuth, err)
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", cubisterr.ErrNotFound, err)
		}
	}

	return fmt.Errorf("%w: %v", cubisterr.ErrIO, err)
}

var (
	_ objectstore.Store        = (*Store)(nil)
	_ objectstore.BatchDeleter = (*Store)(nil)
)
