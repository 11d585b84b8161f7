package metadata

import (
	"context"
	"errors"
	"fmt"

	"freshd/internal/artifact"
	gos3 "freshd/pkg/s3"
)

// S3Fetcher reads the freshness indicator from an S3 head request,
// preferring the publisher-recorded sha256 metadata and falling back
// to the object ETag.
type S3Fetcher struct {
	client *gos3.Client
	bucket string
	key    string
}

// NewS3Fetcher builds a fetcher for one object.
func NewS3Fetcher(client *gos3.Client, bucket, key string) (*S3Fetcher, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" || key == "" {
		return nil, errors.New("bucket and key are required")
	}
	return &S3Fetcher{client: client, bucket: bucket, key: key}, nil
}

// Fetch heads the object and returns its freshness token.
func (f *S3Fetcher) Fetch(ctx context.Context, id artifact.Identity) (artifact.Indicator, error) {
	info, err := f.client.Head(ctx, f.bucket, f.key)
	if err != nil {
		return "", fmt.Errorf("%w: head s3://%s/%s: %w", artifact.ErrNetwork, f.bucket, f.key, err)
	}

	if info.SHA256 != "" {
		return artifact.Indicator(info.SHA256), nil
	}
	if info.ETag != "" {
		return artifact.Indicator(info.ETag), nil
	}
	return "", fmt.Errorf("%w: s3://%s/%s: object has no etag", artifact.ErrNetwork, f.bucket, f.key)
}
