package scheduler

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/buildstore/buildstore/internal/buildlock"
	"github.com/buildstore/buildstore/internal/config"
	"github.com/buildstore/buildstore/internal/derivation"
	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/store"
	"github.com/buildstore/buildstore/internal/storepath"
)

type normState int

const (
	nInit normState = iota
	nHaveDrv
	nInputsNormalized
	nInputsRealized
	nAwaitingLocks
	nTryToBuild
	nBuildDone
	nDone
)

// NormalizationGoal produces a built, registered closure for a
// derivation path — spec.md §4.4.1's "actually build the derivation."
type NormalizationGoal struct {
	DrvPath storepath.Path

	state   normState
	drv     derivation.Derivation
	loaded  bool
	locks   []*buildlock.Lock
	lockRes *lockOutcome
	child   *childOutcome

	// Outputs is filled once the goal finishes successfully: the
	// output name -> realized store path map other goals consult.
	Outputs map[string]storepath.Path
}

func newNormalizationGoal(drv storepath.Path) *NormalizationGoal {
	return &NormalizationGoal{DrvPath: drv, state: nInit}
}

func (g *NormalizationGoal) Key() string { return normalizeKey(g.DrvPath) }

func (g *NormalizationGoal) receiveChild(c *childOutcome) { g.child = c }

func (g *NormalizationGoal) receiveLocks(l *lockOutcome) { g.lockRes = l }

func (g *NormalizationGoal) Step(e *Engine) StepOutcome {
	switch g.state {
	case nInit:
		return g.stepInit(e)
	case nHaveDrv:
		return g.stepHaveDrv(e)
	case nInputsNormalized:
		return g.stepInputsNormalized(e)
	case nInputsRealized:
		return g.stepInputsRealized(e)
	case nAwaitingLocks:
		return g.stepAwaitingLocks(e)
	case nTryToBuild:
		return g.stepTryToBuild(e)
	case nBuildDone:
		return g.stepBuildDone(e)
	case nDone:
		return done(nil)
	default:
		return done(fmt.Errorf("normalize %s: unreachable state %d", g.DrvPath, g.state))
	}
}

// init: the derivation expression file is a plain store path; ensure
// it's present locally before trying to read it.
func (g *NormalizationGoal) stepInit(e *Engine) StepOutcome {
	valid, err := e.validDB.IsValid(g.DrvPath)
	if err != nil {
		return done(err)
	}
	g.state = nHaveDrv
	if valid {
		return requeue()
	}
	sub := e.RequestSubstitution(g.DrvPath)
	return waitOn(sub.Key())
}

// have-drv: load the expression and recursively request normalization
// of every derivation-typed input (spec.md's "enqueue normalization
// goals for every derivation-typed input").
func (g *NormalizationGoal) stepHaveDrv(e *Engine) StepOutcome {
	if err := e.goalErr(substituteKey(g.DrvPath)); err != nil {
		return done(err)
	}
	if !g.loaded {
		d, err := loadDerivation(e.storeDir, g.DrvPath)
		if err != nil {
			return done(err)
		}
		g.drv = d
		g.loaded = true
	}

	if len(g.drv.InputDerivations) == 0 {
		g.state = nInputsNormalized
		return requeue()
	}
	waitKeys := make([]string, len(g.drv.InputDerivations))
	for i, in := range g.drv.InputDerivations {
		waitKeys[i] = e.RequestNormalization(in).Key()
	}
	g.state = nInputsNormalized
	return waitOn(waitKeys...)
}

// inputs-normalized: every input derivation is itself built; now make
// sure their output closures actually exist, via realization goals.
func (g *NormalizationGoal) stepInputsNormalized(e *Engine) StepOutcome {
	for _, in := range g.drv.InputDerivations {
		if err := e.goalErr(normalizeKey(in)); err != nil {
			return done(err)
		}
	}
	if len(g.drv.InputDerivations) == 0 {
		g.state = nInputsRealized
		return requeue()
	}
	waitKeys := make([]string, len(g.drv.InputDerivations))
	for i, in := range g.drv.InputDerivations {
		waitKeys[i] = e.RequestRealization(in).Key()
	}
	g.state = nInputsRealized
	return waitOn(waitKeys...)
}

// inputs-realized: kick off output-lock acquisition in the background
// (it may block on a flock held by another buildstore process) and wait
// for it to report back.
func (g *NormalizationGoal) stepInputsRealized(e *Engine) StepOutcome {
	for _, in := range g.drv.InputDerivations {
		if err := e.goalErr(realizeKey(in)); err != nil {
			return done(err)
		}
	}

	outputs := g.drv.OutputPaths()
	e.acquireLocksAsync(g.Key(), e.validDB, outputs)
	g.state = nAwaitingLocks
	return waitAsync()
}

// awaiting-locks: locks are held (or every output was already valid);
// skip the build entirely in the latter case, since another process won
// the race while we waited.
func (g *NormalizationGoal) stepAwaitingLocks(e *Engine) StepOutcome {
	if g.lockRes == nil {
		return done(fmt.Errorf("normalize %s: reached awaiting-locks with no lock result", g.DrvPath))
	}
	res := g.lockRes
	g.lockRes = nil
	if res.err != nil {
		return done(res.err)
	}
	if res.allValid {
		g.state = nDone
		g.Outputs = existingOutputMap(g.drv)
		return requeue()
	}
	g.locks = res.locks

	if !e.tryAcquireBuildSlot(g.Key()) {
		g.state = nTryToBuild
		return waitBuildSlot()
	}
	return g.fork(e)
}

// try-to-build: re-entered after being woken from wanting-to-build.
func (g *NormalizationGoal) stepTryToBuild(e *Engine) StepOutcome {
	if !e.tryAcquireBuildSlot(g.Key()) {
		return waitBuildSlot()
	}
	return g.fork(e)
}

func (g *NormalizationGoal) fork(e *Engine) StepOutcome {
	cmd, err := builderCommand(e.storeDir, g.drv)
	if err != nil {
		releaseLocks(g.locks)
		e.releaseBuildSlot(g.Key())
		return done(err)
	}
	if err := e.launchChild(g.Key(), cmd, e.logPath(g.Key())); err != nil {
		releaseLocks(g.locks)
		e.releaseBuildSlot(g.Key())
		return done(err)
	}
	g.state = nBuildDone
	return waitAsync()
}

// build-done: inspect the exit status, compute and register outputs.
// The build slot itself was already released by the engine when the
// evChildDone event arrived, before this Step call.
func (g *NormalizationGoal) stepBuildDone(e *Engine) StepOutcome {
	if g.child == nil {
		releaseLocks(g.locks)
		return done(fmt.Errorf("normalize %s: reached build-done with no child result", g.DrvPath))
	}
	if g.child.exitErr != nil {
		releaseLocks(g.locks)
		return done(&BuildError{Drv: g.DrvPath, Err: g.child.exitErr})
	}

	outputs, infos, err := finalizeBuildOutputs(e, g.drv, g.DrvPath)
	if err != nil {
		releaseLocks(g.locks)
		return done(err)
	}
	if err := e.validDB.RegisterBuildResult(g.DrvPath, infos); err != nil {
		releaseLocks(g.locks)
		return done(err)
	}
	releaseLocks(g.locks)

	g.Outputs = outputs
	g.state = nDone
	return requeue()
}

func existingOutputMap(d derivation.Derivation) map[string]storepath.Path {
	out := make(map[string]storepath.Path, len(d.Outputs))
	for _, o := range d.Outputs {
		out[o.Name] = o.Path
	}
	return out
}

func loadDerivation(storeDir string, drv storepath.Path) (derivation.Derivation, error) {
	f, err := os.Open(drv.String())
	if err != nil {
		return derivation.Derivation{}, err
	}
	defer f.Close()
	return derivation.Read(f, storeDir)
}

// builderCommand constructs the child process satisfying the builder
// contract of spec.md §4.4.4: stdin is wired to /dev/null by
// launchChild; here we set the fixed environment, the sentinel
// PATH/HOME, and the working directory.
func builderCommand(storeDir string, drv derivation.Derivation) (*exec.Cmd, error) {
	buildTop, err := os.MkdirTemp(config.TempDir(), "buildstore-build-")
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(drv.Builder, drv.Args...)
	cmd.Dir = buildTop

	env := []string{
		"NIX_STORE=" + storeDir,
		"NIX_BUILD_TOP=" + buildTop,
		"TMPDIR=" + buildTop,
		"PATH=/no-such-path",
		"HOME=/no-such-home",
	}
	for k, v := range drv.Env {
		env = append(env, k+"="+v)
	}
	for _, o := range drv.Outputs {
		env = append(env, o.Name+"="+o.Path.String())
	}
	cmd.Env = env
	return cmd, nil
}

// finalizeBuildOutputs canonicalizes, hashes, and scans each output
// produced by a successful build, returning the name->path map plus the
// path-info records ready for registration. Reference candidates are
// every input's hash part, per spec.md §4.2's scanning against a known
// candidate set (the "inClosures" set extended transitively).
func finalizeBuildOutputs(e *Engine, drv derivation.Derivation, drvPath storepath.Path) (map[string]storepath.Path, map[string]pathinfo.Info, error) {
	candidates, err := inputClosureHashParts(e, drv)
	if err != nil {
		return nil, nil, err
	}
	for _, o := range drv.Outputs {
		candidates = append(candidates, o.Path.HashPart)
	}

	outputs := make(map[string]storepath.Path, len(drv.Outputs))
	infos := make(map[string]pathinfo.Info, len(drv.Outputs))
	for _, o := range drv.Outputs {
		if err := canonicalizeAndRegister(e, o, drvPath, candidates, outputs, infos); err != nil {
			return nil, nil, err
		}
	}
	return outputs, infos, nil
}

func canonicalizeAndRegister(e *Engine, o derivation.Output, drvPath storepath.Path, candidates []string, outputs map[string]storepath.Path, infos map[string]pathinfo.Info) error {
	if err := store.Canonicalize(o.Path.String()); err != nil {
		return err
	}

	scanner := digest.NewScanner(candidates)
	sink, err := digest.NewHashSink(digest.SHA256)
	if err != nil {
		return err
	}
	if err := e.store.Dump(o.Path, io.MultiWriter(scanner, sink)); err != nil {
		return err
	}
	narHash, narSize := sink.Finish()

	var refs []storepath.Path
	for _, hp := range scanner.Found() {
		if hp == o.Path.HashPart {
			refs = append(refs, o.Path)
			continue
		}
		if p, err := e.validDB.QueryPathByHashPart(hp); err == nil {
			refs = append(refs, p)
		}
	}

	info := pathinfo.Info{
		Path:             o.Path,
		References:       refs,
		NarHash:          narHash,
		NarSize:          narSize,
		Deriver:          &drvPath,
		RegistrationTime: time.Now(),
	}
	outputs[o.Name] = o.Path
	infos[o.Name] = info
	return nil
}

// inputClosureHashParts gathers the hash parts of every source/derivation
// input's realized output closure, the candidate set a build's outputs
// are scanned against.
func inputClosureHashParts(e *Engine, drv derivation.Derivation) ([]string, error) {
	var hashParts []string
	for _, src := range drv.InputSources {
		refs, err := e.validDB.QueryReferences(src)
		if err != nil {
			continue
		}
		hashParts = append(hashParts, src.HashPart)
		for _, r := range refs {
			hashParts = append(hashParts, r.HashPart)
		}
	}
	for _, in := range drv.InputDerivations {
		if ng, ok := e.goals[normalizeKey(in)].(*NormalizationGoal); ok {
			for _, p := range ng.Outputs {
				hashParts = append(hashParts, p.HashPart)
			}
		}
	}
	return hashParts, nil
}
