package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"freshd/internal/artifact"
	"freshd/internal/metadata"
)

// ManifestDownloader resolves the platform package from a signed
// release manifest and downloads it with mandatory digest and size
// verification.
type ManifestDownloader struct {
	source *metadata.ManifestSource
	client *http.Client
}

// NewManifestDownloader builds a downloader backed by the same
// manifest source used for the staleness check.
func NewManifestDownloader(source *metadata.ManifestSource, client *http.Client) (*ManifestDownloader, error) {
	if source == nil {
		return nil, errors.New("manifest source is required")
	}
	if client == nil {
		client = NewClient()
	}
	return &ManifestDownloader{source: source, client: client}, nil
}

// Download resolves the package for the identity and performs one GET
// attempt into dest.
func (d *ManifestDownloader) Download(ctx context.Context, id artifact.Identity, dest string) error {
	pkg, err := d.source.Resolve(ctx, id)
	if err != nil {
		return err
	}

	httpDownloader, err := NewHTTPDownloader(pkg.URL, d.client, "")
	if err != nil {
		return fmt.Errorf("%w: %w", artifact.ErrNetwork, err)
	}
	if err := httpDownloader.Download(ctx, id, dest); err != nil {
		return err
	}

	size := pkg.Size
	if size == 0 {
		size = -1
	}
	if err := VerifyFile(dest, pkg.SHA256, size); err != nil {
		return fmt.Errorf("%w: %w", artifact.ErrNetwork, err)
	}
	return nil
}
