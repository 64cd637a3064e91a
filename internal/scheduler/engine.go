package scheduler

import (
	"context"
	"crypto/ed25519"
	"io"
	"path/filepath"
	"time"

	"github.com/buildstore/buildstore/internal/bslog"
	"github.com/buildstore/buildstore/internal/buildlock"
	"github.com/buildstore/buildstore/internal/diskcache"
	"github.com/buildstore/buildstore/internal/metrics"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/store"
	"github.com/buildstore/buildstore/internal/storepath"
	"github.com/buildstore/buildstore/internal/validdb"
)

// CacheBackend is the subset of *internal/binarycache.Cache a
// substituter attempt needs, satisfied directly by *binarycache.Cache.
type CacheBackend interface {
	Query(ctx context.Context, hashPart string) (pathinfo.Info, error)
	Fetch(ctx context.Context, info pathinfo.Info, w io.Writer, verify bool) error
}

// SubstituterConfig is one entry of the ordered substituter list the
// substitution goal iterates (spec.md §4.4.1).
type SubstituterConfig struct {
	Name        string
	Cache       CacheBackend
	DiskCacheID int64
}

// Config bounds the engine's concurrency and failure-handling policy,
// sourced from internal/config.Config's Build/Substitution sections.
type Config struct {
	MaxBuildJobs        int
	MaxSubstitutionJobs int
	KeepGoing           bool
	TryFallback         bool
	LogDir              string

	DiskCacheTTLPositive time.Duration
	DiskCacheTTLNegative time.Duration
	RequireSigs          bool
	TrustedPublicKeys    map[string]ed25519.PublicKey
}

type eventKind int

const (
	evChildDone eventKind = iota
	evAsyncDone
	evLocksDone
)

type event struct {
	kind    eventKind
	goalKey string
	child   *childOutcome
	async   *asyncOutcome
	locks   *lockOutcome
}

// resultReceiver is implemented by goals that hand blocking work to a
// background goroutine and need the outcome delivered back onto their
// own state before their next Step call.
type resultReceiver interface {
	receiveChild(*childOutcome)
}

type asyncReceiver interface {
	receiveAsync(*asyncOutcome)
}

type lockReceiver interface {
	receiveLocks(*lockOutcome)
}

// Engine drives a set of goals to completion. Exactly one goroutine —
// the one inside Run — ever calls a Goal's Step or mutates engine
// bookkeeping; every other goroutine this package starts (child
// waiters, substituter attempts) communicates exclusively through
// events.
type Engine struct {
	cfg      Config
	storeDir string
	validDB  *validdb.DB
	store    *store.Store
	diskDB   *diskcache.DB
	front    *diskcache.FrontCache // nil if no Redis front cache configured
	subs     []SubstituterConfig

	ctx    context.Context
	events chan event

	goals          map[string]Goal
	finished       map[string]bool
	results        map[string]error
	awake          []string
	queued         map[string]bool
	waitingOnGoals map[string][]string
	waiters        map[string][]string
	wantingToBuild map[string]bool
	wantingToSub   map[string]bool

	buildSlotsUsed int
	subSlotsUsed   int

	failed bool // set once a non-keep-going failure has occurred
}

// New returns an Engine ready to drive goals to completion.
func New(cfg Config, storeDir string, validDB *validdb.DB, st *store.Store, diskDB *diskcache.DB, front *diskcache.FrontCache, subs []SubstituterConfig) *Engine {
	if cfg.MaxBuildJobs < 1 {
		cfg.MaxBuildJobs = 1
	}
	if cfg.MaxSubstitutionJobs < 1 {
		cfg.MaxSubstitutionJobs = 1
	}
	return &Engine{
		cfg:            cfg,
		storeDir:       storeDir,
		validDB:        validDB,
		store:          st,
		diskDB:         diskDB,
		front:          front,
		subs:           subs,
		events:         make(chan event, 64),
		goals:          make(map[string]Goal),
		finished:       make(map[string]bool),
		results:        make(map[string]error),
		queued:         make(map[string]bool),
		waitingOnGoals: make(map[string][]string),
		waiters:        make(map[string][]string),
		wantingToBuild: make(map[string]bool),
		wantingToSub:   make(map[string]bool),
	}
}

// RequestNormalization returns the (possibly already-running)
// normalization goal for drv, creating and enqueuing it if new.
func (e *Engine) RequestNormalization(drv storepath.Path) *NormalizationGoal {
	key := normalizeKey(drv)
	if g, ok := e.goals[key]; ok {
		return g.(*NormalizationGoal)
	}
	g := newNormalizationGoal(drv)
	e.addGoal(g)
	return g
}

// RequestRealization returns the realization goal for drv.
func (e *Engine) RequestRealization(drv storepath.Path) *RealizationGoal {
	key := realizeKey(drv)
	if g, ok := e.goals[key]; ok {
		return g.(*RealizationGoal)
	}
	g := newRealizationGoal(drv)
	e.addGoal(g)
	return g
}

// RequestSubstitution returns the substitution goal for path.
func (e *Engine) RequestSubstitution(path storepath.Path) *SubstitutionGoal {
	key := substituteKey(path)
	if g, ok := e.goals[key]; ok {
		return g.(*SubstitutionGoal)
	}
	g := newSubstitutionGoal(path)
	e.addGoal(g)
	return g
}

func (e *Engine) addGoal(g Goal) {
	e.goals[g.Key()] = g
	e.wake(g.Key())
}

func (e *Engine) wake(key string) {
	if e.queued[key] {
		return
	}
	e.queued[key] = true
	e.awake = append(e.awake, key)
}

// goalErr reports the finished result of a goal the caller previously
// requested (nil if it hasn't finished or doesn't exist).
func (e *Engine) goalErr(key string) error {
	return e.results[key]
}

func (e *Engine) goalFinished(key string) bool {
	return e.finished[key]
}

// Run drives roots and every goal they transitively depend on to
// completion. Once every root has finished it returns the error of the
// first failed root in roots order (nil if none failed); errors of
// other failed roots are not included.
func (e *Engine) Run(ctx context.Context, roots []Goal) error {
	e.ctx = ctx
	for _, r := range roots {
		if _, ok := e.goals[r.Key()]; !ok {
			e.addGoal(r)
		}
	}
	rootKeys := make([]string, len(roots))
	for i, r := range roots {
		rootKeys[i] = r.Key()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.drainAwake()

		if e.allFinished(rootKeys) {
			break
		}

		select {
		case ev := <-e.events:
			e.handleEvent(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.combinedRootError(rootKeys)
}

func (e *Engine) allFinished(rootKeys []string) bool {
	for _, k := range rootKeys {
		if !e.finished[k] {
			return false
		}
	}
	return true
}

func (e *Engine) combinedRootError(rootKeys []string) error {
	for _, k := range rootKeys {
		if err := e.results[k]; err != nil {
			return err
		}
	}
	return nil
}

// drainAwake calls Step on every goal in the awake queue until it is
// empty, per spec.md §4.4.2's main-loop "drain awake by calling each
// goal's work()". New goals woken while draining (e.g. a waiter
// unblocked by this very iteration) are processed in the same pass.
func (e *Engine) drainAwake() {
	for len(e.awake) > 0 {
		key := e.awake[0]
		e.awake = e.awake[1:]
		delete(e.queued, key)

		if e.finished[key] {
			continue
		}
		g, ok := e.goals[key]
		if !ok {
			continue
		}
		outcome := g.Step(e)
		e.handleOutcome(key, g, outcome)
	}
}

func (e *Engine) handleOutcome(key string, g Goal, outcome StepOutcome) {
	switch {
	case outcome.Done:
		e.finishGoal(key, outcome.Err)
	case outcome.Requeue:
		e.wake(key)
	case outcome.WaitBuildSlot:
		e.wantingToBuild[key] = true
	case outcome.WaitSubstitutionSlot:
		e.wantingToSub[key] = true
	case len(outcome.WaitGoals) > 0:
		e.waitForGoals(key, outcome.WaitGoals)
	case outcome.WaitAsync:
		// The goal has already handed off to a background goroutine
		// (launchChild/startSubstituteAttempt); nothing to do until its
		// event arrives.
	default:
		bslog.Get(e.ctx).Warnf("scheduler: goal %s returned an empty StepOutcome; requeueing defensively", key)
		e.wake(key)
	}
}

func (e *Engine) waitForGoals(key string, waitees []string) {
	var pending []string
	for _, wk := range waitees {
		if !e.finished[wk] {
			pending = append(pending, wk)
			e.waiters[wk] = append(e.waiters[wk], key)
		}
	}
	if len(pending) == 0 {
		e.wake(key)
		return
	}
	e.waitingOnGoals[key] = pending
}

func (e *Engine) finishGoal(key string, err error) {
	if e.finished[key] {
		return
	}
	e.finished[key] = true
	e.results[key] = err
	if err != nil && !e.cfg.KeepGoing {
		e.failed = true
	}

	for _, waiterKey := range e.waiters[key] {
		remaining := e.waitingOnGoals[waiterKey][:0]
		for _, wk := range e.waitingOnGoals[waiterKey] {
			if wk != key {
				remaining = append(remaining, wk)
			}
		}
		e.waitingOnGoals[waiterKey] = remaining

		// Waking rule (spec.md §4.4.2): wake iff waitees is now empty,
		// or a waitee failed and keep-going is false.
		if len(remaining) == 0 || (err != nil && !e.cfg.KeepGoing) {
			e.wake(waiterKey)
		}
	}
	delete(e.waiters, key)
}

func (e *Engine) handleEvent(ev event) {
	g := e.goals[ev.goalKey]
	switch ev.kind {
	case evChildDone:
		e.releaseBuildSlot(ev.goalKey)
		if g != nil {
			if rr, ok := g.(resultReceiver); ok {
				rr.receiveChild(ev.child)
			}
		}
		e.wake(ev.goalKey)
		e.wakeWanting(e.wantingToBuild)
	case evAsyncDone:
		if g != nil {
			if ar, ok := g.(asyncReceiver); ok {
				ar.receiveAsync(ev.async)
			}
		}
		e.wake(ev.goalKey)
	case evLocksDone:
		if g != nil {
			if lr, ok := g.(lockReceiver); ok {
				lr.receiveLocks(ev.locks)
			}
		}
		e.wake(ev.goalKey)
	}
}

func (e *Engine) wakeWanting(set map[string]bool) {
	for k := range set {
		e.wake(k)
		delete(set, k)
	}
}

// tryAcquireBuildSlot admits one more counting child (a builder;
// substitution goals use tryAcquireSubstitutionSlot instead) if under
// the configured bound (spec.md §5's
// max-build-jobs; build-hook children are admitted unconditionally by
// callers that never call this).
func (e *Engine) tryAcquireBuildSlot(_ string) bool {
	if e.buildSlotsUsed >= e.cfg.MaxBuildJobs {
		return false
	}
	e.buildSlotsUsed++
	metrics.BuildSlotsInUse.Set(float64(e.buildSlotsUsed))
	return true
}

func (e *Engine) releaseBuildSlot(_ string) {
	if e.buildSlotsUsed > 0 {
		e.buildSlotsUsed--
		metrics.BuildSlotsInUse.Set(float64(e.buildSlotsUsed))
	}
}

func (e *Engine) tryAcquireSubstitutionSlot() bool {
	if e.subSlotsUsed >= e.cfg.MaxSubstitutionJobs {
		return false
	}
	e.subSlotsUsed++
	metrics.SubstitutionJobsInFlight.Set(float64(e.subSlotsUsed))
	return true
}

func (e *Engine) releaseSubstitutionSlot() {
	if e.subSlotsUsed > 0 {
		e.subSlotsUsed--
		metrics.SubstitutionJobsInFlight.Set(float64(e.subSlotsUsed))
	}
	e.wakeWanting(e.wantingToSub)
}

func (e *Engine) logPath(key string) string {
	safe := filepath.Base(key)
	return filepath.Join(e.cfg.LogDir, safe+".log")
}

func normalizeKey(drv storepath.Path) string  { return "normalize:" + drv.String() }
func realizeKey(drv storepath.Path) string    { return "realize:" + drv.String() }
func substituteKey(p storepath.Path) string   { return "substitute:" + p.String() }

// acquireOutputLocks locks every output path, re-checking validity
// after each acquisition (spec.md §4.4.3); it stops and releases
// everything already held on first error.
func acquireOutputLocks(ctx context.Context, validDB *validdb.DB, outputs []storepath.Path) ([]*buildlock.Lock, bool, error) {
	locks := make([]*buildlock.Lock, 0, len(outputs))
	allValid := true
	release := func() {
		for _, l := range locks {
			l.Release()
		}
	}
	for _, out := range outputs {
		lock := buildlock.New(out)
		res, err := lock.Acquire(ctx, func(p storepath.Path) (bool, error) { return validDB.IsValid(p) })
		if err != nil {
			release()
			return nil, false, err
		}
		locks = append(locks, lock)
		if !res.AlreadyValid {
			allValid = false
		}
	}
	if allValid {
		release()
		return nil, true, nil
	}
	return locks, false, nil
}

func releaseLocks(locks []*buildlock.Lock) {
	for _, l := range locks {
		l.Release()
	}
}
