package artifact

import (
	"fmt"
	"strings"
)

// Identity names a remote-installable artifact for one platform variant.
// It is immutable once chosen and scopes all persisted state.
type Identity struct {
	Name string
	Arch string
}

// Key returns the filesystem-safe key used to scope persisted state for
// this identity.
func (id Identity) Key() string {
	return sanitize(id.Name) + "-" + sanitize(id.Arch)
}

func (id Identity) String() string {
	return id.Name + "/" + id.Arch
}

// Validate reports whether the identity is usable as a state key.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Name) == "" {
		return fmt.Errorf("artifact name is required")
	}
	if strings.TrimSpace(id.Arch) == "" {
		return fmt.Errorf("artifact arch is required")
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Indicator is an opaque freshness token observed from a remote source,
// e.g. an HTTP Last-Modified value, an S3 ETag, or a release version.
// Comparison is exact token equality; no semantic parsing is applied.
type Indicator string

// Decision is the outcome of comparing the installed state and the
// persisted indicator against the currently observed one.
type Decision int

const (
	DecisionUpToDate Decision = iota
	DecisionNeedsUpdate
	DecisionNotInstalled
)

func (d Decision) String() string {
	switch d {
	case DecisionUpToDate:
		return "up-to-date"
	case DecisionNeedsUpdate:
		return "needs-update"
	case DecisionNotInstalled:
		return "not-installed"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Outcome is the terminal result of a successful run.
type Outcome string

const (
	OutcomeInstalled       Outcome = "installed"
	OutcomeAlreadyUpToDate Outcome = "already-up-to-date"
)

// Decide computes the install decision for a single run.
//
// The rules favor reinstalling over silently skipping a real update:
// a missing baseline is always treated as needs-update, even when the
// artifact is already installed, so the first run on a fresh machine
// establishes a baseline by installing once.
func Decide(installed bool, persisted Indicator, havePersisted bool, current Indicator) Decision {
	if !installed {
		return DecisionNotInstalled
	}
	if !havePersisted {
		return DecisionNeedsUpdate
	}
	if persisted == current {
		return DecisionUpToDate
	}
	return DecisionNeedsUpdate
}
