// Package installer orchestrates the idempotent update protocol for
// one artifact: probe installed state, fetch the remote freshness
// indicator, compare it against the persisted baseline, and only on a
// needs-update verdict download, install, and persist the new
// indicator. A failed run never touches persisted state.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"freshd/internal/artifact"
	"freshd/internal/bundle"
	"freshd/internal/download"
	"freshd/internal/metadata"
	"freshd/internal/platform"
	"freshd/internal/state"
	"freshd/pkg/bus"
)

const (
	defaultConflictPollInterval = 5 * time.Second
	defaultConflictTimeout      = 10 * time.Minute
	defaultDownloadAttempts     = 5
	defaultDownloadBackoff      = 60 * time.Second
)

// OutcomePublisher receives the outcome event of a completed run.
// Publishing is best effort; failures are logged, never fatal.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, evt bus.OutcomeEvent) error
}

// Config wires the collaborators and policy knobs for one artifact.
type Config struct {
	Identity   artifact.Identity
	Fetcher    metadata.Fetcher
	Downloader download.Downloader
	Store      *state.Store
	Executor   platform.Executor

	// ConflictProcess names an external process (e.g. a system
	// updater) whose presence defers installation. Empty disables
	// the wait.
	ConflictProcess      string
	ConflictPollInterval time.Duration
	ConflictTimeout      time.Duration

	// DownloadAttempts and DownloadBackoff bound the retry loop
	// around the download step. Metadata fetches are never retried.
	DownloadAttempts int
	DownloadBackoff  time.Duration

	// BundlePayload, when set, marks the artifact as a tar.zst bundle
	// and names the member handed to the platform installer.
	BundlePayload string

	Publisher OutcomePublisher
	Logger    *log.Logger
	Now       func() time.Time
}

// Result reports a completed run.
type Result struct {
	RunID    uuid.UUID
	Outcome  artifact.Outcome
	Decision artifact.Decision
	// Previous is the persisted indicator before the run; empty on
	// first run.
	Previous artifact.Indicator
	Current  artifact.Indicator
	Duration time.Duration
}

// Installer executes the protocol. It is strictly sequential; the
// per-identity state lock enforces one run at a time.
type Installer struct {
	cfg Config
}

// New validates the configuration and applies policy defaults.
func New(cfg Config) (*Installer, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("metadata fetcher is required")
	}
	if cfg.Downloader == nil {
		return nil, errors.New("downloader is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("state store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("platform executor is required")
	}
	if cfg.ConflictPollInterval <= 0 {
		cfg.ConflictPollInterval = defaultConflictPollInterval
	}
	if cfg.ConflictTimeout <= 0 {
		cfg.ConflictTimeout = defaultConflictTimeout
	}
	if cfg.DownloadAttempts <= 0 {
		cfg.DownloadAttempts = defaultDownloadAttempts
	}
	if cfg.DownloadBackoff <= 0 {
		cfg.DownloadBackoff = defaultDownloadBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Installer{cfg: cfg}, nil
}

// Run executes one protocol pass and returns its result. On error the
// persisted state is byte-for-byte what it was before the run.
func (ins *Installer) Run(ctx context.Context) (Result, error) {
	started := ins.cfg.Now()
	result := Result{RunID: uuid.New()}
	id := ins.cfg.Identity

	release, err := ins.cfg.Store.Lock(id)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := release(); err != nil {
			ins.cfg.Logger.Printf("WARN release state lock artifact=%s: %v", id, err)
		}
	}()

	if err := ins.ensurePrerequisite(ctx); err != nil {
		return result, err
	}

	installed, err := ins.cfg.Executor.Installed(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: probe installed state for %s: %w", artifact.ErrInstall, id, err)
	}
	ins.cfg.Logger.Printf("INFO step=detect artifact=%s installed=%t", id, installed)

	current, err := ins.cfg.Fetcher.Fetch(ctx, id)
	if err != nil {
		return result, err
	}
	result.Current = current
	ins.cfg.Logger.Printf("INFO step=fetch artifact=%s indicator=%q", id, current)

	persisted, readErr := ins.cfg.Store.Read(id)
	havePersisted := readErr == nil
	if readErr != nil && !errors.Is(readErr, state.ErrNotFound) {
		return result, readErr
	}
	result.Previous = persisted
	ins.cfg.Logger.Printf("INFO step=read-state artifact=%s persisted=%q found=%t", id, persisted, havePersisted)

	decision := artifact.Decide(installed, persisted, havePersisted, current)
	result.Decision = decision
	ins.cfg.Logger.Printf("INFO step=decide artifact=%s installed=%t persisted=%q current=%q decision=%s",
		id, installed, persisted, current, decision)

	if decision == artifact.DecisionUpToDate {
		result.Outcome = artifact.OutcomeAlreadyUpToDate
		result.Duration = ins.cfg.Now().Sub(started)
		ins.publish(ctx, result, started)
		return result, nil
	}

	if err := ins.waitForConflict(ctx); err != nil {
		return result, err
	}

	pkgPath, cleanup, err := ins.fetchArtifact(ctx)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		return result, err
	}

	if err := ins.cfg.Executor.Install(ctx, pkgPath); err != nil {
		return result, fmt.Errorf("%w: install %s: %w", artifact.ErrInstall, id, err)
	}
	ins.cfg.Logger.Printf("INFO step=install artifact=%s package=%q", id, pkgPath)

	if err := ins.cfg.Store.Write(id, current); err != nil {
		return result, err
	}
	ins.cfg.Logger.Printf("INFO step=persist artifact=%s indicator=%q", id, current)

	result.Outcome = artifact.OutcomeInstalled
	result.Duration = ins.cfg.Now().Sub(started)
	ins.publish(ctx, result, started)
	return result, nil
}

func (ins *Installer) ensurePrerequisite(ctx context.Context) error {
	ready, err := ins.cfg.Executor.PrerequisiteReady(ctx)
	if err != nil {
		return fmt.Errorf("%w: probe prerequisite: %w", artifact.ErrPrerequisite, err)
	}
	if ready {
		return nil
	}

	ins.cfg.Logger.Printf("INFO step=prerequisite artifact=%s installing missing prerequisite", ins.cfg.Identity)
	if err := ins.cfg.Executor.InstallPrerequisite(ctx); err != nil {
		return fmt.Errorf("%w: install prerequisite: %w", artifact.ErrPrerequisite, err)
	}
	return nil
}

// waitForConflict cooperatively defers to the named external process:
// it polls until the process is gone, the timeout elapses, or the
// context is cancelled. This is deferral, not a lock.
func (ins *Installer) waitForConflict(ctx context.Context) error {
	name := ins.cfg.ConflictProcess
	if name == "" {
		return nil
	}

	deadline := time.NewTimer(ins.cfg.ConflictTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ins.cfg.ConflictPollInterval)
	defer ticker.Stop()

	for {
		running, err := ins.cfg.Executor.ProcessRunning(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: probe conflicting process %q: %w", artifact.ErrInstall, name, err)
		}
		if !running {
			return nil
		}
		ins.cfg.Logger.Printf("INFO step=conflict-wait artifact=%s process=%q still running", ins.cfg.Identity, name)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: conflict wait cancelled: %w", artifact.ErrInstall, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("%w: conflicting process %q still running after %s", artifact.ErrInstall, name, ins.cfg.ConflictTimeout)
		case <-ticker.C:
		}
	}
}

// fetchArtifact downloads the body with the configured retry budget
// and, for bundle artifacts, extracts the payload member. The cleanup
// func removes the staging directory; it is non-nil even on error.
func (ins *Installer) fetchArtifact(ctx context.Context) (string, func(), error) {
	id := ins.cfg.Identity

	stagingDir, err := os.MkdirTemp("", "freshd-"+id.Key()+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("%w: create staging dir: %w", artifact.ErrStorage, err)
	}
	cleanup := func() { os.RemoveAll(stagingDir) }

	dest := filepath.Join(stagingDir, "artifact")
	if err := ins.download(ctx, dest); err != nil {
		return "", cleanup, err
	}

	if ins.cfg.BundlePayload == "" {
		return dest, cleanup, nil
	}

	payload, err := bundle.Extract(dest, filepath.Join(stagingDir, "extracted"), ins.cfg.BundlePayload)
	if err != nil {
		return "", cleanup, fmt.Errorf("%w: extract bundle for %s: %w", artifact.ErrInstall, id, err)
	}
	ins.cfg.Logger.Printf("INFO step=extract artifact=%s payload=%q", id, ins.cfg.BundlePayload)
	return payload, cleanup, nil
}

func (ins *Installer) download(ctx context.Context, dest string) error {
	id := ins.cfg.Identity

	var lastErr error
	for attempt := 1; attempt <= ins.cfg.DownloadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: download cancelled: %w", artifact.ErrNetwork, err)
		}

		lastErr = ins.cfg.Downloader.Download(ctx, id, dest)
		if lastErr == nil {
			ins.cfg.Logger.Printf("INFO step=download artifact=%s attempt=%d dest=%q", id, attempt, dest)
			return nil
		}
		ins.cfg.Logger.Printf("WARN step=download artifact=%s attempt=%d failed: %v", id, attempt, lastErr)

		if attempt == ins.cfg.DownloadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: download cancelled: %w", artifact.ErrNetwork, ctx.Err())
		case <-time.After(ins.cfg.DownloadBackoff):
		}
	}
	return fmt.Errorf("%w: download %s failed after %d attempts: %w", artifact.ErrNetwork, id, ins.cfg.DownloadAttempts, lastErr)
}

func (ins *Installer) publish(ctx context.Context, result Result, started time.Time) {
	if ins.cfg.Publisher == nil {
		return
	}

	evt := bus.OutcomeEvent{
		RunID:     result.RunID,
		Artifact:  ins.cfg.Identity.Name,
		Arch:      ins.cfg.Identity.Arch,
		Decision:  result.Decision.String(),
		Outcome:   string(result.Outcome),
		Previous:  string(result.Previous),
		Current:   string(result.Current),
		StartedAt: started.UTC(),
		EndedAt:   ins.cfg.Now().UTC(),
	}
	if err := ins.cfg.Publisher.PublishOutcome(ctx, evt); err != nil {
		ins.cfg.Logger.Printf("WARN publish outcome artifact=%s: %v", ins.cfg.Identity, err)
	}
}
