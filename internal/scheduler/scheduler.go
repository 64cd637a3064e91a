// Package scheduler implements the realization engine of spec.md §4.4
// (component H): a cooperative scheduler over three goal variants —
// normalization, realization, substitution — that brings a set of
// requested store paths to validity while honoring build-slot
// concurrency, input-closure ordering, substitution fallback, and
// per-output locking.
//
// The spec describes a single OS thread that multiplexes goal steps
// with a `select()`/`poll()` over every child process's log-pipe file
// descriptor. This package keeps the single-thread invariant over goal
// state — exactly one goroutine (the Engine.Run loop) ever calls a
// Goal's Step, so goal fields need no synchronization — but replaces
// manual fd multiplexing with Go's ordinary concurrency primitives: a
// goroutine per forked child or per substituter network attempt
// forwards its outcome over one channel that the engine loop selects
// on. This is the same shape as the teacher's ttlExpirationScheduler
// (registry/proxy/scheduler/scheduler.go): a single event-loop
// goroutine driven by entries arriving on a channel, rather than
// anything resembling shared-memory multi-goroutine mutation.
package scheduler

import (
	"fmt"

	"github.com/buildstore/buildstore/internal/storepath"
)

// BuildError reports that a normalization goal's builder child exited
// with a non-zero/abnormal status (spec.md §4.4.4).
type BuildError struct {
	Drv storepath.Path
	Err error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build of %s failed: %v", e.Drv, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// SubstError reports that every configured substituter failed to
// produce path (spec.md §4.4.1's substitution goal exhausting its
// substituter list).
type SubstError struct {
	Path storepath.Path
	Err  error
}

func (e *SubstError) Error() string {
	return fmt.Sprintf("no substituter could provide %s: %v", e.Path, e.Err)
}

func (e *SubstError) Unwrap() error { return e.Err }

// Goal is one of the three state machines the engine drives to
// completion: NormalizationGoal, RealizationGoal, SubstitutionGoal.
//
// Step advances the goal by exactly one state transition and must
// never block; a goal that needs to wait reports what it's waiting for
// in the returned StepOutcome instead, per spec.md §4.4.2's "each goal
// has a work() method that advances by exactly one state... it must
// not block."
type Goal interface {
	Key() string
	Step(eng *Engine) StepOutcome
}

// StepOutcome is what a goal's Step reports back to the engine after
// one transition. Exactly one of Done, WaitGoals, WaitBuildSlot,
// WaitSubstitutionSlot, WaitAsync, or Requeue applies.
type StepOutcome struct {
	Done bool
	Err  error

	// Requeue asks the engine to call Step again immediately, for
	// transitions that complete synchronously with no suspension.
	Requeue bool

	// WaitGoals names other goals (by Key) this goal's next step
	// depends on; the engine wakes it once they are all finished, or
	// as soon as one fails with keep-going disabled.
	WaitGoals []string

	WaitBuildSlot        bool
	WaitSubstitutionSlot bool

	// WaitAsync reports that the goal has handed blocking work (a
	// forked child, a network round trip) to a background goroutine
	// and will be woken via the engine's event channel, never via the
	// awake queue directly.
	WaitAsync bool
}

func done(err error) StepOutcome        { return StepOutcome{Done: true, Err: err} }
func requeue() StepOutcome              { return StepOutcome{Requeue: true} }
func waitOn(keys ...string) StepOutcome { return StepOutcome{WaitGoals: keys} }
func waitBuildSlot() StepOutcome        { return StepOutcome{WaitBuildSlot: true} }
func waitSubstitutionSlot() StepOutcome { return StepOutcome{WaitSubstitutionSlot: true} }
func waitAsync() StepOutcome            { return StepOutcome{WaitAsync: true} }
