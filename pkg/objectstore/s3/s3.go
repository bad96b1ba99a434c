// Package s3 implements the object-store adapter on top of an
// S3-compatible backend using the AWS SDK v2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/caflabs/packd/internal/logger"
	"github.com/caflabs/packd/pkg/objectstore"
)

// Config describes the S3 connection.
type Config struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Region         string `mapstructure:"region" yaml:"region"`
	Bucket         string `mapstructure:"bucket" validate:"required" yaml:"bucket"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

type retryConfig struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Store is an objectstore.Store backed by an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	retry  retryConfig
}

var _ objectstore.Store = (*Store)(nil)

// New creates an S3 object store from config.
//
// A custom Endpoint (MinIO, localstack) is used verbatim; an empty
// endpoint falls through to AWS endpoint resolution.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		retry: retryConfig{
			maxRetries:        3,
			initialBackoff:    200 * time.Millisecond,
			maxBackoff:        5 * time.Second,
			backoffMultiplier: 2.0,
		},
	}, nil
}

// NewWithClient creates a store around an existing client, for tests.
func NewWithClient(client *s3.Client, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		retry: retryConfig{
			maxRetries:        3,
			initialBackoff:    200 * time.Millisecond,
			maxBackoff:        5 * time.Second,
			backoffMultiplier: 2.0,
		},
	}
}

// OpenStream fetches the object for the sanitized form of key and returns
// its body stream along with the declared content length.
//
// Transient errors (network issues, throttling, 5xx) are retried with
// exponential backoff. Not-found errors are reported as
// objectstore.ErrObjectNotFound and are not retried.
func (s *Store) OpenStream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	objectKey := objectstore.SanitizeKey(key)

	var result *s3.GetObjectOutput
	var lastErr error

	for attempt := 0; attempt <= s.retry.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			logger.Debug("OpenStream: retrying", "backoff", backoff, "attempt", attempt, "key", objectKey)

			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, lastErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectKey),
		})

		if lastErr == nil {
			break
		}

		if isNotFoundError(lastErr) {
			return nil, 0, fmt.Errorf("object %s: %w", objectKey, objectstore.ErrObjectNotFound)
		}

		if !isRetryableError(lastErr) {
			break
		}

		logger.Debug("OpenStream: transient error", "attempt", attempt+1, "key", objectKey, "error", lastErr)
	}

	if lastErr != nil {
		return nil, 0, fmt.Errorf("failed to get object from S3 after %d attempts: %w", s.retry.maxRetries+1, lastErr)
	}

	if result.ContentLength == nil {
		_ = result.Body.Close()
		return nil, 0, fmt.Errorf("content length not available for %s", objectKey)
	}

	return result.Body, *result.ContentLength, nil
}

// calculateBackoff returns the backoff duration for a given attempt.
func (s *Store) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s.retry.backoffMultiplier
	}
	if backoff > float64(s.retry.maxBackoff) {
		backoff = float64(s.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError returns true if the error is transient and the
// operation should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()

		if code == "Throttling" || code == "ThrottlingException" ||
			code == "RequestThrottled" || code == "SlowDown" {
			return true
		}

		if code == "InternalError" || code == "ServiceUnavailable" ||
			code == "ServiceException" {
			return true
		}

		if code == "NoSuchKey" || code == "NotFound" ||
			code == "AccessDenied" || code == "Forbidden" ||
			code == "InvalidRequest" {
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

// isNotFoundError returns true if the error indicates the object doesn't exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}
