package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"freshd/internal/artifact"
	"freshd/internal/platform"
	"freshd/internal/state"
	"freshd/pkg/bus"
)

var testID = artifact.Identity{Name: "zoom", Arch: "arm64"}

type stubFetcher struct {
	indicator artifact.Indicator
	err       error
	calls     int
}

func (f *stubFetcher) Fetch(ctx context.Context, id artifact.Identity) (artifact.Indicator, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.indicator, nil
}

type stubDownloader struct {
	body  string
	err   error
	calls int
}

func (d *stubDownloader) Download(ctx context.Context, id artifact.Identity, dest string) error {
	d.calls++
	if d.err != nil {
		return d.err
	}
	return os.WriteFile(dest, []byte(d.body), 0o644)
}

// flakyDownloader fails a fixed number of attempts before succeeding.
type flakyDownloader struct {
	failures int
	calls    int
}

func (d *flakyDownloader) Download(ctx context.Context, id artifact.Identity, dest string) error {
	d.calls++
	if d.calls <= d.failures {
		return fmt.Errorf("%w: transient", artifact.ErrNetwork)
	}
	return os.WriteFile(dest, []byte("body"), 0o644)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []bus.OutcomeEvent
}

func (p *capturePublisher) PublishOutcome(ctx context.Context, evt bus.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type testEnv struct {
	fetcher    *stubFetcher
	downloader *stubDownloader
	store      *state.Store
	executor   *platform.Fake
	publisher  *capturePublisher
	cfg        Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	env := &testEnv{
		fetcher:    &stubFetcher{indicator: "Mon, 01 Jan 2024 00:00:00 GMT"},
		downloader: &stubDownloader{body: "pkg bytes"},
		store:      store,
		executor:   platform.NewFake(),
		publisher:  &capturePublisher{},
	}
	env.cfg = Config{
		Identity:             testID,
		Fetcher:              env.fetcher,
		Downloader:           env.downloader,
		Store:                store,
		Executor:             env.executor,
		ConflictPollInterval: time.Millisecond,
		ConflictTimeout:      50 * time.Millisecond,
		DownloadAttempts:     3,
		DownloadBackoff:      time.Millisecond,
		Publisher:            env.publisher,
		Logger:               log.New(io.Discard, "", 0),
	}
	return env
}

func (env *testEnv) run(t *testing.T) (Result, error) {
	t.Helper()
	ins, err := New(env.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ins.Run(context.Background())
}

func TestFirstRunInstallsAndPersists(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("Outcome = %q, want installed", result.Outcome)
	}
	if result.Decision != artifact.DecisionNeedsUpdate {
		t.Fatalf("Decision = %v, want needs-update", result.Decision)
	}

	persisted, err := env.store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if persisted != env.fetcher.indicator {
		t.Fatalf("persisted = %q, want %q", persisted, env.fetcher.indicator)
	}
	if len(env.executor.InstalledPkgs) != 1 {
		t.Fatalf("installer invoked %d times, want 1", len(env.executor.InstalledPkgs))
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.run(t)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("first Outcome = %q, want installed", first.Outcome)
	}

	second, err := env.run(t)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Outcome != artifact.OutcomeAlreadyUpToDate {
		t.Fatalf("second Outcome = %q, want already-up-to-date", second.Outcome)
	}
	if env.downloader.calls != 1 {
		t.Fatalf("download called %d times across both runs, want 1", env.downloader.calls)
	}
	if len(env.executor.InstalledPkgs) != 1 {
		t.Fatalf("installer invoked %d times across both runs, want 1", len(env.executor.InstalledPkgs))
	}
}

func TestChangedIndicatorTriggersUpdate(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Write(testID, "Mon, 01 Jan 2024 00:00:00 GMT"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	env.fetcher.indicator = "Tue, 02 Jan 2024 00:00:00 GMT"

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("Outcome = %q, want installed", result.Outcome)
	}
	if result.Previous != "Mon, 01 Jan 2024 00:00:00 GMT" {
		t.Fatalf("Previous = %q", result.Previous)
	}

	persisted, err := env.store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if persisted != "Tue, 02 Jan 2024 00:00:00 GMT" {
		t.Fatalf("persisted = %q, want new indicator", persisted)
	}
}

func TestUpToDateSkipsSideEffects(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Write(testID, env.fetcher.indicator); err != nil {
		t.Fatalf("Write: %v", err)
	}

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != artifact.OutcomeAlreadyUpToDate {
		t.Fatalf("Outcome = %q, want already-up-to-date", result.Outcome)
	}
	if env.downloader.calls != 0 {
		t.Fatalf("download called %d times, want 0", env.downloader.calls)
	}
	if len(env.executor.InstalledPkgs) != 0 {
		t.Fatalf("installer invoked %d times, want 0", len(env.executor.InstalledPkgs))
	}
}

func TestNotInstalledAlwaysInstalls(t *testing.T) {
	env := newTestEnv(t)
	env.executor.IsInstalled = false
	if err := env.store.Write(testID, env.fetcher.indicator); err != nil {
		t.Fatalf("Write: %v", err)
	}

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Decision != artifact.DecisionNotInstalled {
		t.Fatalf("Decision = %v, want not-installed", result.Decision)
	}
	if result.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("Outcome = %q, want installed", result.Outcome)
	}
}

func TestDownloadFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Write(testID, "Mon, 01 Jan 2024 00:00:00 GMT"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	env.fetcher.indicator = "Tue, 02 Jan 2024 00:00:00 GMT"
	env.downloader.err = fmt.Errorf("%w: connection reset", artifact.ErrNetwork)

	_, err := env.run(t)
	if !errors.Is(err, artifact.ErrNetwork) {
		t.Fatalf("Run() error = %v, want ErrNetwork", err)
	}
	if env.downloader.calls != env.cfg.DownloadAttempts {
		t.Fatalf("download attempted %d times, want %d", env.downloader.calls, env.cfg.DownloadAttempts)
	}

	persisted, err := env.store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if persisted != "Mon, 01 Jan 2024 00:00:00 GMT" {
		t.Fatalf("persisted = %q, state was modified by failed run", persisted)
	}
}

func TestInstallFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.executor.InstallErr = errors.New("installer exited 1")

	_, err := env.run(t)
	if !errors.Is(err, artifact.ErrInstall) {
		t.Fatalf("Run() error = %v, want ErrInstall", err)
	}

	if _, err := env.store.Read(testID); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Read() error = %v, want ErrNotFound after failed install", err)
	}
}

func TestMetadataFetchFailureIsFatalWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.err = fmt.Errorf("%w: dns failure", artifact.ErrNetwork)

	_, err := env.run(t)
	if !errors.Is(err, artifact.ErrNetwork) {
		t.Fatalf("Run() error = %v, want ErrNetwork", err)
	}
	if env.fetcher.calls != 1 {
		t.Fatalf("metadata fetched %d times, want 1 (no retry)", env.fetcher.calls)
	}
	if env.downloader.calls != 0 {
		t.Fatalf("download called %d times after fetch failure, want 0", env.downloader.calls)
	}
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyDownloader{failures: 2}
	env.cfg.Downloader = flaky

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("Outcome = %q, want installed", result.Outcome)
	}
	if flaky.calls != 3 {
		t.Fatalf("download attempted %d times, want 3", flaky.calls)
	}
}

func TestConflictWaitDefersUntilClear(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ConflictProcess = "Installer"
	env.executor.RunningAnswers = []bool{true, true, false}

	result, err := env.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != artifact.OutcomeInstalled {
		t.Fatalf("Outcome = %q, want installed", result.Outcome)
	}
}

func TestConflictWaitTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ConflictProcess = "Installer"
	env.executor.Running = true

	_, err := env.run(t)
	if !errors.Is(err, artifact.ErrInstall) {
		t.Fatalf("Run() error = %v, want ErrInstall", err)
	}
	if env.downloader.calls != 0 {
		t.Fatalf("download called %d times despite conflict, want 0", env.downloader.calls)
	}
}

func TestPrerequisiteFailureAbortsBeforeFetch(t *testing.T) {
	env := newTestEnv(t)
	env.executor.PrereqOK = false
	env.executor.PrereqInstErr = errors.New("rosetta install failed")

	_, err := env.run(t)
	if !errors.Is(err, artifact.ErrPrerequisite) {
		t.Fatalf("Run() error = %v, want ErrPrerequisite", err)
	}
	if env.fetcher.calls != 0 {
		t.Fatalf("metadata fetched %d times despite prerequisite failure, want 0", env.fetcher.calls)
	}
}

func TestMissingPrerequisiteGetsInstalled(t *testing.T) {
	env := newTestEnv(t)
	env.executor.PrereqOK = false

	if _, err := env.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, call := range env.executor.Calls {
		if call == "install-prerequisite" {
			found = true
		}
	}
	if !found {
		t.Fatal("prerequisite installer was not invoked")
	}
}

func TestOutcomeEventsPublished(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.run(t); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := env.run(t); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if len(env.publisher.events) != 2 {
		t.Fatalf("published %d events, want 2", len(env.publisher.events))
	}
	if env.publisher.events[0].Outcome != string(artifact.OutcomeInstalled) {
		t.Fatalf("first event outcome = %q", env.publisher.events[0].Outcome)
	}
	if env.publisher.events[1].Outcome != string(artifact.OutcomeAlreadyUpToDate) {
		t.Fatalf("second event outcome = %q", env.publisher.events[1].Outcome)
	}
	if env.publisher.events[0].RunID == env.publisher.events[1].RunID {
		t.Fatal("run ids are not unique per run")
	}
}
