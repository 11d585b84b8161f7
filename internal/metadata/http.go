package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"freshd/internal/artifact"
)

const headTimeout = 15 * time.Second

// HTTPFetcher reads the freshness indicator from a HEAD response,
// preferring Last-Modified and falling back to ETag.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher builds a fetcher for the given artifact URL. A nil
// client gets a default with a conservative timeout.
func NewHTTPFetcher(url string, client *http.Client) (*HTTPFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("artifact url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: headTimeout}
	}
	return &HTTPFetcher{url: url, client: client}, nil
}

// Fetch issues a HEAD request and returns the freshness header value.
func (f *HTTPFetcher) Fetch(ctx context.Context, id artifact.Identity) (artifact.Indicator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: create head request for %s: %w", artifact.ErrNetwork, id, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: head %s: %w", artifact.ErrNetwork, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: head %s: unexpected status %d", artifact.ErrNetwork, id, resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", fmt.Errorf("%w: drain head response: %w", artifact.ErrNetwork, err)
	}

	if v := resp.Header.Get("Last-Modified"); v != "" {
		return artifact.Indicator(v), nil
	}
	if v := strings.Trim(resp.Header.Get("ETag"), `"`); v != "" {
		return artifact.Indicator(v), nil
	}
	return "", fmt.Errorf("%w: head %s: no Last-Modified or ETag header", artifact.ErrNetwork, id)
}
