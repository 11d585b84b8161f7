// Package config loads freshd runtime settings from FRESHD_*
// environment variables and artifact definitions from a YAML file.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultStateDir        = "/var/lib/freshd"
	defaultDefinitionsPath = "/etc/freshd/artifacts.yaml"
	defaultPollInterval    = 6 * time.Hour
	defaultListenAddr      = ":9753"
)

// Load reads the runtime configuration from the environment.
func Load() (Config, error) {
	cfg := Config{}

	cfg.StateDir = getEnv("FRESHD_STATE_DIR", defaultStateDir)
	cfg.DefinitionsPath = getEnv("FRESHD_DEFINITIONS", defaultDefinitionsPath)
	cfg.Artifact = os.Getenv("FRESHD_ARTIFACT")
	cfg.Arch = getEnv("FRESHD_ARCH", runtime.GOARCH)

	var err error
	if cfg.PollInterval, err = getEnvDuration("FRESHD_POLL_INTERVAL", defaultPollInterval); err != nil {
		return Config{}, err
	}
	cfg.ListenAddr = getEnv("FRESHD_LISTEN_ADDR", defaultListenAddr)
	cfg.NATSURL = os.Getenv("FRESHD_NATS_URL")

	if cfg.ConflictPollInterval, err = getEnvDuration("FRESHD_CONFLICT_POLL_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ConflictTimeout, err = getEnvDuration("FRESHD_CONFLICT_TIMEOUT", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DownloadAttempts, err = getEnvInt("FRESHD_DOWNLOAD_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.DownloadAttempts <= 0 {
		return Config{}, fmt.Errorf("FRESHD_DOWNLOAD_ATTEMPTS must be positive")
	}
	if cfg.DownloadBackoff, err = getEnvDuration("FRESHD_DOWNLOAD_BACKOFF", 60*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("FRESHD_POLL_INTERVAL must be positive")
	}

	return cfg, nil
}

// LoadDefinitions parses and validates the artifact definitions file.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse definitions: %w", err)
	}
	if len(defs.Artifacts) == 0 {
		return Definitions{}, fmt.Errorf("definitions file %q lists no artifacts", path)
	}

	seen := make(map[string]struct{}, len(defs.Artifacts))
	for i := range defs.Artifacts {
		if err := defs.Artifacts[i].validate(); err != nil {
			return Definitions{}, fmt.Errorf("artifact %d: %w", i, err)
		}
		name := defs.Artifacts[i].Name
		if _, dup := seen[name]; dup {
			return Definitions{}, fmt.Errorf("duplicate artifact name %q", name)
		}
		seen[name] = struct{}{}
	}

	return defs, nil
}

// Select returns the named definition, or the first one when name is
// empty.
func (d Definitions) Select(name string) (Definition, error) {
	if name == "" {
		return d.Artifacts[0], nil
	}
	for _, def := range d.Artifacts {
		if def.Name == name {
			return def, nil
		}
	}
	return Definition{}, fmt.Errorf("no artifact named %q in definitions", name)
}

// SourceFor resolves the locator for the given architecture.
func (d Definition) SourceFor(arch string) (Source, error) {
	if src, ok := d.Sources[arch]; ok {
		return src, nil
	}
	return Source{}, fmt.Errorf("artifact %q has no source for arch %q", d.Name, arch)
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch d.Kind {
	case "", "pkg":
	case "bundle":
		if strings.TrimSpace(d.BundlePayload) == "" {
			return fmt.Errorf("artifact %q: bundle kind requires bundle_payload", d.Name)
		}
	default:
		return fmt.Errorf("artifact %q: unknown kind %q", d.Name, d.Kind)
	}
	if strings.TrimSpace(d.InstallPath) == "" {
		return fmt.Errorf("artifact %q: install_path is required", d.Name)
	}
	if len(d.InstallCommand) == 0 {
		return fmt.Errorf("artifact %q: install_command is required", d.Name)
	}
	if d.Prerequisite != nil {
		if len(d.Prerequisite.Probe) == 0 || len(d.Prerequisite.Install) == 0 {
			return fmt.Errorf("artifact %q: prerequisite needs both probe and install", d.Name)
		}
	}
	if len(d.Sources) == 0 {
		return fmt.Errorf("artifact %q: at least one source is required", d.Name)
	}
	for arch, src := range d.Sources {
		if err := src.validate(); err != nil {
			return fmt.Errorf("artifact %q source %q: %w", d.Name, arch, err)
		}
	}
	return nil
}

func (s Source) validate() error {
	set := 0
	for _, v := range []string{s.URL, s.S3, s.Manifest} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of url, s3, or manifest must be set")
	}
	if s.SHA256 != "" && s.URL == "" {
		return fmt.Errorf("sha256 pinning only applies to url sources")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return i, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: %q must not be negative", key, v)
	}
	return d, nil
}
