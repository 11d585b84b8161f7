// Package state persists the last-seen freshness indicator for each
// artifact identity as a single plain-text file under a state
// directory. Writes are whole-file replaces staged through a temp file
// so a failed run can never leave a partial indicator behind.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"freshd/internal/artifact"
)

const (
	indicatorSuffix = ".indicator"
	lockSuffix      = ".lock"
)

// ErrNotFound indicates no indicator has been recorded for an identity.
var ErrNotFound = errors.New("no indicator recorded")

// Store is a file-backed indicator store scoped by artifact identity.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on
// first write, not here, so read-only invocations work without
// privileges to create it.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Store{dir: dir}, nil
}

// Read returns the persisted indicator for the identity, or ErrNotFound
// when none has been recorded yet.
func (s *Store) Read(id artifact.Identity) (artifact.Indicator, error) {
	data, err := os.ReadFile(s.indicatorPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: read indicator for %s: %w", artifact.ErrStorage, id, err)
	}
	return artifact.Indicator(strings.TrimRight(string(data), "\n")), nil
}

// Write atomically replaces the persisted indicator for the identity.
// The value is staged in a temp file in the same directory and renamed
// into place, so a concurrent or subsequent Read observes either the
// old or the new indicator, never a partial one.
func (s *Store) Write(id artifact.Identity, indicator artifact.Indicator) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create state dir: %w", artifact.ErrStorage, err)
	}

	target := s.indicatorPath(id)
	tmp, err := os.CreateTemp(s.dir, id.Key()+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: stage indicator for %s: %w", artifact.ErrStorage, id, err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.WriteString(string(indicator) + "\n")
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: write indicator for %s: %w", artifact.ErrStorage, id, writeErr)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod indicator for %s: %w", artifact.ErrStorage, id, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace indicator for %s: %w", artifact.ErrStorage, id, err)
	}
	return nil
}

// Clear removes the persisted indicator for the identity. Removing an
// absent record is not an error.
func (s *Store) Clear(id artifact.Identity) error {
	if err := os.Remove(s.indicatorPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: clear indicator for %s: %w", artifact.ErrStorage, id, err)
	}
	return nil
}

// Lock acquires an advisory per-identity lock for the duration of a
// run, enforcing the one-run-per-identity assumption rather than
// leaving it as an operational convention. It does not block: a held
// lock fails immediately so two overlapping runs cannot interleave
// their read-decide-write sequence.
func (s *Store) Lock(id artifact.Identity) (release func() error, err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %w", artifact.ErrStorage, err)
	}

	path := filepath.Join(s.dir, id.Key()+lockSuffix)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock for %s: %w", artifact.ErrStorage, id, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: another run holds the lock for %s", artifact.ErrStorage, id)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", artifact.ErrStorage, id, err)
	}

	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("unlock %s: %w", id, err)
		}
		return nil
	}, nil
}

func (s *Store) indicatorPath(id artifact.Identity) string {
	return filepath.Join(s.dir, id.Key()+indicatorSuffix)
}
