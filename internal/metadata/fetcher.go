// Package metadata retrieves freshness indicators for remote artifacts
// without downloading their bodies. Three sources are supported: an
// HTTP endpoint's response headers, an S3 object's head metadata, and
// a signed YAML release manifest.
package metadata

import (
	"context"

	"freshd/internal/artifact"
)

// Fetcher retrieves the current freshness indicator for an artifact.
// Implementations are read-only and must not download the artifact
// body. Failures are NetworkError-class and are fatal to the run; the
// retry budget applies to downloads only.
type Fetcher interface {
	Fetch(ctx context.Context, id artifact.Identity) (artifact.Indicator, error)
}
