package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"freshd/internal/artifact"
)

var testID = artifact.Identity{Name: "zoom", Arch: "arm64"}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestReadNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Read(testID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() error = %v, want ErrNotFound", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	store := newTestStore(t)

	want := artifact.Indicator("Tue, 02 Jan 2024 00:00:00 GMT")
	if err := store.Write(testID, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != want {
		t.Fatalf("Read() = %q, want %q", got, want)
	}
}

func TestWriteReplacesWholeFile(t *testing.T) {
	store := newTestStore(t)

	if err := store.Write(testID, "first value with some length"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(testID, "second"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "second" {
		t.Fatalf("Read() = %q, want %q", got, "second")
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := store.Write(testID, "value"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != indicatorSuffix {
			t.Fatalf("unexpected leftover file %q", entry.Name())
		}
	}
}

func TestIdentitiesAreScoped(t *testing.T) {
	store := newTestStore(t)

	other := artifact.Identity{Name: "zoom", Arch: "amd64"}
	if err := store.Write(testID, "arm"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Write(other, "intel"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read(testID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "arm" {
		t.Fatalf("Read() = %q, want %q", got, "arm")
	}
}

func TestClear(t *testing.T) {
	store := newTestStore(t)

	if err := store.Clear(testID); err != nil {
		t.Fatalf("Clear on absent record: %v", err)
	}

	if err := store.Write(testID, "value"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Clear(testID); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Read(testID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() after Clear error = %v, want ErrNotFound", err)
	}
}

func TestLockExcludesSecondRun(t *testing.T) {
	store := newTestStore(t)

	release, err := store.Lock(testID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if _, err := store.Lock(testID); !errors.Is(err, artifact.ErrStorage) {
		t.Fatalf("second Lock error = %v, want ErrStorage", err)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	release2, err := store.Lock(testID)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	if err := release2(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
