package platform

import (
	"context"
	"sync"
)

// Fake is an in-memory Executor for tests of the update protocol.
// Fields configure probe answers; Calls records the order of
// operations performed against it.
type Fake struct {
	mu sync.Mutex

	IsInstalled   bool
	InstalledErr  error
	Running       bool
	RunningErr    error
	InstallErr    error
	PrereqOK      bool
	PrereqErr     error
	PrereqInstErr error

	// RunningAnswers, when non-empty, is consumed one answer per
	// ProcessRunning call before falling back to Running.
	RunningAnswers []bool

	Calls         []string
	InstalledPkgs []string
}

// NewFake returns a Fake with the artifact installed, no conflicting
// process, and the prerequisite satisfied.
func NewFake() *Fake {
	return &Fake{IsInstalled: true, PrereqOK: true}
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Installed(ctx context.Context) (bool, error) {
	f.record("installed")
	return f.IsInstalled, f.InstalledErr
}

func (f *Fake) ProcessRunning(ctx context.Context, name string) (bool, error) {
	f.record("process-running")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.RunningAnswers) > 0 {
		answer := f.RunningAnswers[0]
		f.RunningAnswers = f.RunningAnswers[1:]
		return answer, f.RunningErr
	}
	return f.Running, f.RunningErr
}

func (f *Fake) Install(ctx context.Context, pkgPath string) error {
	f.record("install")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InstallErr != nil {
		return f.InstallErr
	}
	f.InstalledPkgs = append(f.InstalledPkgs, pkgPath)
	return nil
}

func (f *Fake) PrerequisiteReady(ctx context.Context) (bool, error) {
	f.record("prerequisite-ready")
	return f.PrereqOK, f.PrereqErr
}

func (f *Fake) InstallPrerequisite(ctx context.Context) error {
	f.record("install-prerequisite")
	return f.PrereqInstErr
}
