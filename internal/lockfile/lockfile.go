// Package lockfile provides advisory, single-writer file locking for the
// persistent store: two concurrent `hab build` invocations against the
// same state file must fail fast rather than interleave writes.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrLockBusy is returned when another process already holds the lock.
var ErrLockBusy = errors.New("lockfile: already held by another process")

// Lock is a held advisory exclusive lock backed by an open file handle.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if absent) the lock file at path and takes a
// non-blocking exclusive flock on it. Callers should treat ErrLockBusy as
// a fatal, user-facing condition ("another hab invocation is running").
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := flockExclusiveNonBlock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file handle. Safe to call
// once; subsequent calls are no-ops.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
