// Package download transfers artifact bodies to local temp files and
// verifies their integrity. Each Download call is a single attempt;
// the retry budget is owned by the installer.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"freshd/internal/artifact"
	"freshd/pkg/telemetry"
)

const downloadTimeout = 30 * time.Second

// Downloader fetches the artifact body for an identity into dest.
type Downloader interface {
	Download(ctx context.Context, id artifact.Identity, dest string) error
}

// NewClient returns the HTTP client used for artifact downloads, with
// an instrumented transport and a connection timeout. The overall
// transfer is bounded by the request context, not the client timeout,
// so large bodies on slow links are not cut off mid-stream.
func NewClient() *http.Client {
	transport := &http.Transport{
		ResponseHeaderTimeout: downloadTimeout,
	}
	return &http.Client{Transport: telemetry.Transport(transport)}
}

// HTTPDownloader streams an HTTP GET response to a file.
type HTTPDownloader struct {
	url    string
	client *http.Client
	// expected sha256 hex digest; empty disables verification.
	sha256 string
}

// NewHTTPDownloader builds a downloader for the given URL. sha256 may
// be empty when the source publishes no digest.
func NewHTTPDownloader(url string, client *http.Client, sha256 string) (*HTTPDownloader, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("artifact url is required")
	}
	if client == nil {
		client = NewClient()
	}
	return &HTTPDownloader{url: url, client: client, sha256: sha256}, nil
}

// Download performs one GET attempt into dest.
func (d *HTTPDownloader) Download(ctx context.Context, id artifact.Identity, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return fmt.Errorf("%w: create download request for %s: %w", artifact.ErrNetwork, id, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download %s: %w", artifact.ErrNetwork, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: download %s: unexpected status %d", artifact.ErrNetwork, id, resp.StatusCode)
	}

	if err := writeFile(dest, resp.Body); err != nil {
		return fmt.Errorf("%w: store download for %s: %w", artifact.ErrNetwork, id, err)
	}

	if d.sha256 != "" {
		if err := VerifyFile(dest, d.sha256, -1); err != nil {
			return fmt.Errorf("%w: %w", artifact.ErrNetwork, err)
		}
	}
	return nil
}

func writeFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, r)
	if closeErr := f.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(dest)
		return copyErr
	}
	return nil
}
