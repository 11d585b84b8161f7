package config

import "time"

// Config carries the runtime settings shared by every freshd command.
type Config struct {
	// StateDir is where persisted indicators and run locks live.
	StateDir string
	// DefinitionsPath points at the artifact definitions YAML file.
	DefinitionsPath string
	// Artifact selects a definition by name; empty selects the first.
	Artifact string
	// Arch overrides the host architecture used for source selection.
	Arch string

	// Watch mode.
	PollInterval time.Duration
	ListenAddr   string

	// NATSURL enables outcome publishing when set.
	NATSURL string

	// Policy knobs for the install protocol.
	ConflictPollInterval time.Duration
	ConflictTimeout      time.Duration
	DownloadAttempts     int
	DownloadBackoff      time.Duration
}

// Definitions is the top-level artifact definitions document.
type Definitions struct {
	Artifacts []Definition `yaml:"artifacts"`
}

// Definition describes one managed artifact.
type Definition struct {
	Name string `yaml:"name"`
	// Kind is "pkg" for a plain installer package or "bundle" for a
	// tar.zst archive whose payload member is installed.
	Kind string `yaml:"kind"`
	// BundlePayload names the installable member inside a bundle.
	BundlePayload string `yaml:"bundle_payload,omitempty"`

	InstallPath     string   `yaml:"install_path"`
	InstallCommand  []string `yaml:"install_command"`
	ConflictProcess string   `yaml:"conflict_process,omitempty"`

	Prerequisite *Prerequisite `yaml:"prerequisite,omitempty"`

	// Sources maps architecture (as reported by the host or the
	// --arch override) to a remote locator.
	Sources map[string]Source `yaml:"sources"`
}

// Prerequisite describes a platform dependency that must be present
// before the artifact can be installed (e.g. a compatibility layer).
type Prerequisite struct {
	Probe   []string `yaml:"probe"`
	Install []string `yaml:"install"`
}

// Source is one remote locator; exactly one field is set.
type Source struct {
	// URL is a direct HTTP(S) artifact location; freshness comes from
	// response headers.
	URL string `yaml:"url,omitempty"`
	// S3 is an s3://bucket/key locator; freshness comes from object
	// metadata.
	S3 string `yaml:"s3,omitempty"`
	// Manifest is the HTTP(S) location of a signed release manifest;
	// freshness is the release version.
	Manifest string `yaml:"manifest,omitempty"`
	// SHA256 optionally pins the expected digest for URL sources.
	SHA256 string `yaml:"sha256,omitempty"`
}
