package download

import (
	"context"
	"errors"
	"fmt"
	"os"

	"freshd/internal/artifact"
	gos3 "freshd/pkg/s3"
)

// S3Downloader fetches the artifact body from an S3-compatible bucket.
type S3Downloader struct {
	client *gos3.Client
	bucket string
	key    string
}

// NewS3Downloader builds a downloader for one object.
func NewS3Downloader(client *gos3.Client, bucket, key string) (*S3Downloader, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" || key == "" {
		return nil, errors.New("bucket and key are required")
	}
	return &S3Downloader{client: client, bucket: bucket, key: key}, nil
}

// Download performs one GetObject attempt into dest. When the object
// carries a sha256 metadata entry the body is verified against it.
func (d *S3Downloader) Download(ctx context.Context, id artifact.Identity, dest string) error {
	info, err := d.client.Head(ctx, d.bucket, d.key)
	if err != nil {
		return fmt.Errorf("%w: head s3://%s/%s: %w", artifact.ErrNetwork, d.bucket, d.key, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: create %q: %w", artifact.ErrNetwork, dest, err)
	}
	_, dlErr := d.client.Download(ctx, d.bucket, d.key, f)
	if closeErr := f.Close(); dlErr == nil {
		dlErr = closeErr
	}
	if dlErr != nil {
		os.Remove(dest)
		return fmt.Errorf("%w: download s3://%s/%s: %w", artifact.ErrNetwork, d.bucket, d.key, dlErr)
	}

	if info.SHA256 != "" {
		if err := VerifyFile(dest, info.SHA256, info.Size); err != nil {
			return fmt.Errorf("%w: %w", artifact.ErrNetwork, err)
		}
	}
	return nil
}
