// Package platform abstracts the host probes and privileged commands
// the update protocol depends on, so the protocol itself can be
// driven against a fake in tests.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"strings"
)

// PackagePlaceholder marks where the downloaded package path is
// substituted into the configured install command.
const PackagePlaceholder = "{pkg}"

// Executor is the capability surface the installer drives.
type Executor interface {
	// Installed probes whether the artifact is currently present on
	// the host.
	Installed(ctx context.Context) (bool, error)
	// ProcessRunning probes whether the named process is running.
	ProcessRunning(ctx context.Context, name string) (bool, error)
	// Install invokes the platform installer with the package path.
	Install(ctx context.Context, pkgPath string) error
	// PrerequisiteReady probes the platform prerequisite, if any.
	PrerequisiteReady(ctx context.Context) (bool, error)
	// InstallPrerequisite installs the missing prerequisite.
	InstallPrerequisite(ctx context.Context) error
}

// ExecConfig describes the host commands and paths for one artifact.
type ExecConfig struct {
	// InstallPath is the filesystem location probed for presence,
	// e.g. /Applications/zoom.us.app.
	InstallPath string
	// InstallCommand runs the platform installer; one element must be
	// the {pkg} placeholder, e.g. ["installer", "-pkg", "{pkg}",
	// "-target", "/"].
	InstallCommand []string
	// ProcessProbeCommand probes for a named process; the process
	// name is appended as the final argument. Defaults to
	// ["pgrep", "-x"].
	ProcessProbeCommand []string
	// PrereqProbeCommand exits zero when the prerequisite is present.
	// Empty means no prerequisite.
	PrereqProbeCommand []string
	// PrereqInstallCommand installs the prerequisite.
	PrereqInstallCommand []string

	Logger *log.Logger
}

// Exec is the production Executor: it stats the install path and
// shells out to the configured commands.
type Exec struct {
	cfg   ExecConfig
	probe func(path string) (bool, error)
}

// NewExec validates the configuration and returns an Exec.
func NewExec(cfg ExecConfig) (*Exec, error) {
	if strings.TrimSpace(cfg.InstallPath) == "" {
		return nil, errors.New("install path is required")
	}
	if len(cfg.InstallCommand) == 0 {
		return nil, errors.New("install command is required")
	}
	if !containsPlaceholder(cfg.InstallCommand) {
		return nil, fmt.Errorf("install command must contain the %s placeholder", PackagePlaceholder)
	}
	if len(cfg.ProcessProbeCommand) == 0 {
		cfg.ProcessProbeCommand = []string{"pgrep", "-x"}
	}
	if len(cfg.PrereqProbeCommand) > 0 && len(cfg.PrereqInstallCommand) == 0 {
		return nil, errors.New("prerequisite probe requires a prerequisite install command")
	}
	return &Exec{cfg: cfg, probe: statPath}, nil
}

// Installed reports whether the configured install path exists.
func (e *Exec) Installed(ctx context.Context) (bool, error) {
	return e.probe(e.cfg.InstallPath)
}

// ProcessRunning runs the probe command with the process name. Exit
// status 1 means not running; other failures are reported as errors.
func (e *Exec) ProcessRunning(ctx context.Context, name string) (bool, error) {
	args := append(append([]string{}, e.cfg.ProcessProbeCommand...), name)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("probe process %q: %w", name, err)
	}
	return true, nil
}

// Install substitutes the package path into the install command and
// runs it. A nonzero exit fails with the command output attached.
func (e *Exec) Install(ctx context.Context, pkgPath string) error {
	args := substitute(e.cfg.InstallCommand, pkgPath)
	return e.runCommand(ctx, "installer", args)
}

// PrerequisiteReady runs the prerequisite probe; no probe configured
// means the prerequisite is satisfied by definition.
func (e *Exec) PrerequisiteReady(ctx context.Context) (bool, error) {
	if len(e.cfg.PrereqProbeCommand) == 0 {
		return true, nil
	}
	cmd := exec.CommandContext(ctx, e.cfg.PrereqProbeCommand[0], e.cfg.PrereqProbeCommand[1:]...)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("probe prerequisite: %w", err)
	}
	return true, nil
}

// InstallPrerequisite runs the configured prerequisite installer.
func (e *Exec) InstallPrerequisite(ctx context.Context) error {
	if len(e.cfg.PrereqInstallCommand) == 0 {
		return errors.New("no prerequisite install command configured")
	}
	return e.runCommand(ctx, "prerequisite installer", e.cfg.PrereqInstallCommand)
}

func (e *Exec) runCommand(ctx context.Context, label string, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return fmt.Errorf("%s %q: %w: %s", label, args[0], err, trimmed)
		}
		return fmt.Errorf("%s %q: %w", label, args[0], err)
	}
	if e.cfg.Logger != nil {
		e.cfg.Logger.Printf("INFO %s finished command=%q", label, strings.Join(args, " "))
	}
	return nil
}

func containsPlaceholder(command []string) bool {
	for _, arg := range command {
		if strings.Contains(arg, PackagePlaceholder) {
			return true
		}
	}
	return false
}

func substitute(command []string, pkgPath string) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = strings.ReplaceAll(arg, PackagePlaceholder, pkgPath)
	}
	return out
}

func statPath(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %q: %w", path, err)
	}
	return true, nil
}
