package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"freshd/internal/artifact"
)

// Release manifests stay small; anything larger is rejected as
// malformed rather than buffered.
const maxManifestBytes = 1 << 20

// Manifest is the signed release document published alongside an
// artifact. The signature covers the YAML encoding of the manifest
// with the signature field blanked.
type Manifest struct {
	Version          string            `yaml:"version"`
	CreatedAt        time.Time         `yaml:"created_at"`
	SigningPublicKey string            `yaml:"signing_public_key,omitempty"`
	Signature        string            `yaml:"signature,omitempty"`
	Packages         []ManifestPackage `yaml:"packages"`
}

// ManifestPackage describes one platform variant of the release.
type ManifestPackage struct {
	OS     string `yaml:"os,omitempty"`
	Arch   string `yaml:"arch"`
	URL    string `yaml:"url"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for
// signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// PackageFor selects the package matching the identity's architecture.
func (m Manifest) PackageFor(id artifact.Identity) (ManifestPackage, error) {
	for _, pkg := range m.Packages {
		if strings.EqualFold(pkg.Arch, id.Arch) {
			return pkg, nil
		}
	}
	return ManifestPackage{}, fmt.Errorf("release %s has no package for arch %q", m.Version, id.Arch)
}

// ManifestSource fetches and verifies a signed release manifest. The
// release version is the freshness indicator; the manifest also
// resolves the concrete download locator and expected digest, so one
// fetch serves both the staleness check and the install path.
type ManifestSource struct {
	url      string
	client   *http.Client
	verifier *Signer

	mu     sync.Mutex
	cached *Manifest
}

// NewManifestSource builds a manifest source. The verifier is
// mandatory: an unverified manifest never drives an install.
func NewManifestSource(url string, client *http.Client, verifier *Signer) (*ManifestSource, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("manifest url is required")
	}
	if verifier == nil {
		return nil, errors.New("manifest verifier is required")
	}
	if client == nil {
		client = &http.Client{Timeout: headTimeout}
	}
	return &ManifestSource{url: url, client: client, verifier: verifier}, nil
}

// Fetch retrieves the manifest and returns the release version as the
// freshness indicator.
func (s *ManifestSource) Fetch(ctx context.Context, id artifact.Identity) (artifact.Indicator, error) {
	manifest, err := s.fetchManifest(ctx)
	if err != nil {
		return "", err
	}
	return artifact.Indicator(manifest.Version), nil
}

// Resolve returns the download locator and expected digest for the
// identity's platform, reusing the manifest fetched for the staleness
// check within the same run.
func (s *ManifestSource) Resolve(ctx context.Context, id artifact.Identity) (ManifestPackage, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	if cached == nil {
		manifest, err := s.fetchManifest(ctx)
		if err != nil {
			return ManifestPackage{}, err
		}
		cached = manifest
	}

	pkg, err := cached.PackageFor(id)
	if err != nil {
		return ManifestPackage{}, fmt.Errorf("%w: %w", artifact.ErrNetwork, err)
	}
	if pkg.URL == "" || pkg.SHA256 == "" {
		return ManifestPackage{}, fmt.Errorf("%w: release %s package for %s is missing url or sha256", artifact.ErrNetwork, cached.Version, id.Arch)
	}
	return pkg, nil
}

func (s *ManifestSource) fetchManifest(ctx context.Context) (*Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create manifest request: %w", artifact.ErrNetwork, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get manifest: %w", artifact.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: get manifest: unexpected status %d", artifact.ErrNetwork, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %w", artifact.ErrNetwork, err)
	}
	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("%w: manifest exceeds %d bytes", artifact.ErrNetwork, maxManifestBytes)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: unmarshal manifest: %w", artifact.ErrNetwork, err)
	}
	if manifest.Version == "" {
		return nil, fmt.Errorf("%w: manifest missing version", artifact.ErrNetwork)
	}
	if manifest.Signature == "" {
		return nil, fmt.Errorf("%w: manifest missing signature", artifact.ErrNetwork)
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal manifest for verification: %w", artifact.ErrNetwork, err)
	}
	if err := s.verifier.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("%w: verify manifest: %w", artifact.ErrNetwork, err)
	}

	s.mu.Lock()
	s.cached = &manifest
	s.mu.Unlock()

	return &manifest, nil
}
