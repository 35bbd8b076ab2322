// Package storage deletes job artifacts from S3-compatible object storage.
// Uploads and downloads belong to the inference services.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kiranshivaraju/audioqueue/internal/config"
)

// ErrInvalidRef is returned for refs that do not name an object.
var ErrInvalidRef = errors.New("invalid object ref")

// Deleter removes the object behind a ref.
type Deleter interface {
	Delete(ctx context.Context, ref string) error
}

// S3Storage implements Deleter on aws-sdk-go-v2. A custom endpoint makes it
// work against MinIO or R2.
type S3Storage struct {
	client        *s3.Client
	defaultBucket string
}

// NewS3Storage builds an S3 client from cfg.
func NewS3Storage(ctx context.Context, cfg config.StorageConfig) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{client: client, defaultBucket: cfg.Bucket}, nil
}

// Delete removes the object behind ref. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, ref string) error {
	bucket, key, err := ParseRef(ref, s.defaultBucket)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// ParseRef splits "s3://bucket/key" into its parts. A ref without a scheme is
// a key in defaultBucket.
func ParseRef(ref, defaultBucket string) (bucket, key string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}

	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
		}
		return bucket, key, nil
	}
	if strings.Contains(ref, "://") {
		return "", "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRef, ref)
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("%w: %q has no bucket and S3_BUCKET is not set", ErrInvalidRef, ref)
	}
	return defaultBucket, strings.TrimPrefix(ref, "/"), nil
}

var _ Deleter = (*S3Storage)(nil)
