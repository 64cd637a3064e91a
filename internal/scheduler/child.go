package scheduler

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/buildstore/buildstore/internal/buildlock"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
	"github.com/buildstore/buildstore/internal/validdb"
)

// childOutcome is what a forked child process reports back to its
// owning goal once it exits.
type childOutcome struct {
	exitErr error // nil on exit status 0
}

// launchChild starts cmd, merging its stdout and stderr into a single
// log file at logPath (spec.md §4.4.4's "writes log output to a single
// pipe"), and reports completion on the engine's event channel once
// the process exits — translating the spec's "one thread select()s
// over every child's log-pipe fd" into one goroutine per child whose
// only job is to drain that child's log and report its exit, fanning
// into the single channel the engine loop actually selects on.
func (e *Engine) launchChild(goalKey string, cmd *exec.Cmd, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}

	r, w, err := os.Pipe()
	if err != nil {
		logFile.Close()
		return err
	}
	cmd.Stdout = w
	cmd.Stderr = w

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		w.Close()
		r.Close()
		logFile.Close()
		return err
	}
	cmd.Stdin = devnull

	if err := cmd.Start(); err != nil {
		devnull.Close()
		w.Close()
		r.Close()
		logFile.Close()
		return err
	}
	// The parent's copies of the write end and stdin are no longer
	// needed once the child has inherited its own; holding them open
	// would keep the pipe's read end from ever seeing EOF.
	w.Close()
	devnull.Close()

	go func() {
		io.Copy(logFile, r)
		r.Close()
		logFile.Close()
	}()

	go func() {
		waitErr := cmd.Wait()
		e.events <- event{kind: evChildDone, goalKey: goalKey, child: &childOutcome{exitErr: waitErr}}
	}()

	return nil
}

// asyncOutcome is what a background substituter attempt reports back
// to its owning SubstitutionGoal.
type asyncOutcome struct {
	success bool
	info    pathinfo.Info
	err     error
}

// runAsync runs fn on a new goroutine and reports its error on the
// engine's event channel, for substitution attempts (network and
// SQLite I/O) that must not block the single engine goroutine (spec.md
// §5: "heavy work may be delegated to background worker threads only
// through well-defined interfaces... those threads MUST NOT touch goal
// state").
func (e *Engine) runAsync(goalKey string, fn func(ctx context.Context) *asyncOutcome) {
	go func() {
		out := fn(e.ctx)
		e.events <- event{kind: evAsyncDone, goalKey: goalKey, async: out}
	}()
}

// lockOutcome is what a background output-lock acquisition reports back
// to its owning goal.
type lockOutcome struct {
	locks    []*buildlock.Lock
	allValid bool
	err      error
}

// acquireLocksAsync runs acquireOutputLocks on a background goroutine,
// since Lock.Acquire blocks (polling for a contested flock held by
// another buildstore process) and must never run on the engine's single
// Step-calling goroutine (spec.md §4.4.3's path locking, §5's "must not
// block").
func (e *Engine) acquireLocksAsync(goalKey string, validDB *validdb.DB, outputs []storepath.Path) {
	go func() {
		locks, allValid, err := acquireOutputLocks(e.ctx, validDB, outputs)
		e.events <- event{kind: evLocksDone, goalKey: goalKey, locks: &lockOutcome{locks: locks, allValid: allValid, err: err}}
	}()
}
