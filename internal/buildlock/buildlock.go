// Package buildlock implements the advisory output-path locking of
// spec.md §4.4.3: a flock'd sibling lockfile guards each output path
// during a build, with a post-acquisition re-check so a goal that lost
// the race can abandon its own build and reuse the winner's result.
//
// Grounded on the teacher's upload-directory lifecycle
// (registry/storage/layerupload.go: claim a path, work, commit-or-
// abandon) and its filesystem-backed advisory locking convention.
package buildlock

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/buildstore/buildstore/internal/storepath"
)

// pollInterval is how often a blocking acquisition re-checks for
// interrupts while waiting on the lock, per spec.md §4.4.3's "blocking
// with periodic wake-ups (to poll interrupts)".
const pollInterval = 500 * time.Millisecond

// Lock guards one output store path for the duration of a build.
type Lock struct {
	path     storepath.Path
	flock    *flock.Flock
	acquired bool
}

// lockFilePath is the sibling lockfile path for a store path: a
// "{path}.lock" file living next to, not inside, the artifact root.
func lockFilePath(p storepath.Path) string {
	return p.String() + ".lock"
}

// New returns an unacquired Lock for path.
func New(path storepath.Path) *Lock {
	return &Lock{path: path, flock: flock.New(lockFilePath(path))}
}

// ValidChecker reports whether a store path already has a valid-paths
// record, used by Acquire's post-acquisition re-check.
type ValidChecker func(storepath.Path) (bool, error)

// AcquireResult reports whether the caller should proceed to build, or
// whether another process already produced a valid result while the
// lock was being waited on.
type AcquireResult struct {
	AlreadyValid bool
}

// Acquire blocks until the lock is held, polling ctx for cancellation
// at pollInterval, then re-checks validity: if another process
// registered path as valid while this call was waiting, AlreadyValid
// is true and the caller MUST NOT build (spec.md §4.4.3).
func (l *Lock) Acquire(ctx context.Context, isValid ValidChecker) (AcquireResult, error) {
	for {
		ok, err := l.flock.TryLock()
		if err != nil {
			return AcquireResult{}, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return AcquireResult{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	l.acquired = true

	valid, err := isValid(l.path)
	if err != nil {
		l.Release()
		return AcquireResult{}, err
	}
	return AcquireResult{AlreadyValid: valid}, nil
}

// Release unlocks the lockfile. Safe to call on an unacquired Lock.
func (l *Lock) Release() error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	return l.flock.Unlock()
}
