package scheduler

import (
	"fmt"

	"github.com/buildstore/buildstore/internal/storepath"
)

type realizeState int

const (
	rInit realizeState = iota
	rElemFinished
	rFallbackBuild
	rDone
)

// RealizationGoal brings a derivation's outputs to validity, preferring
// substitution over building (spec.md §4.4.1's realization goal:
// "try substitution first; on failure, and only if configured to, fall
// back to normalization").
type RealizationGoal struct {
	DrvPath storepath.Path

	state        realizeState
	substituting bool

	// Outputs is filled once the goal finishes successfully.
	Outputs map[string]storepath.Path
}

func newRealizationGoal(drv storepath.Path) *RealizationGoal {
	return &RealizationGoal{DrvPath: drv, state: rInit}
}

func (g *RealizationGoal) Key() string { return realizeKey(g.DrvPath) }

func (g *RealizationGoal) Step(e *Engine) StepOutcome {
	switch g.state {
	case rInit:
		return g.stepInit(e)
	case rElemFinished:
		return g.stepElemFinished(e)
	case rFallbackBuild:
		return g.stepFallbackBuild(e)
	case rDone:
		return done(nil)
	default:
		return done(fmt.Errorf("realize %s: unreachable state %d", g.DrvPath, g.state))
	}
}

// init: the derivation itself must be valid (or substitutable) before
// its outputs can be resolved, then try substituting the derivation's
// known output paths directly.
func (g *RealizationGoal) stepInit(e *Engine) StepOutcome {
	valid, err := e.validDB.IsValid(g.DrvPath)
	if err != nil {
		return done(err)
	}
	if !valid {
		sub := e.RequestSubstitution(g.DrvPath)
		g.state = rElemFinished
		g.substituting = true
		return waitOn(sub.Key())
	}
	return g.startSubstitutingOutputs(e)
}

func (g *RealizationGoal) startSubstitutingOutputs(e *Engine) StepOutcome {
	outputs, err := e.validDB.QueryDeriverOutputs(g.DrvPath)
	if err != nil {
		return g.fallbackOrFail(e, fmt.Errorf("realize %s: querying outputs: %w", g.DrvPath, err))
	}
	if len(outputs) == 0 {
		return g.fallbackOrFail(e, fmt.Errorf("realize %s: no known outputs", g.DrvPath))
	}

	waitKeys := make([]string, 0, len(outputs))
	for _, p := range outputs {
		waitKeys = append(waitKeys, e.RequestSubstitution(p).Key())
	}
	g.Outputs = outputs
	g.state = rElemFinished
	g.substituting = true
	return waitOn(waitKeys...)
}

// elem-finished: re-entered once the derivation-substitution wait or
// the output-substitution wait completes.
func (g *RealizationGoal) stepElemFinished(e *Engine) StepOutcome {
	if !g.substituting {
		return done(fmt.Errorf("realize %s: reached elem-finished outside a substitution wait", g.DrvPath))
	}
	g.substituting = false

	if g.Outputs == nil {
		// We were waiting on the derivation expression itself.
		if err := e.goalErr(substituteKey(g.DrvPath)); err != nil {
			return g.fallbackOrFail(e, err)
		}
		return g.startSubstitutingOutputs(e)
	}

	for _, p := range g.Outputs {
		if err := e.goalErr(substituteKey(p)); err != nil {
			return g.fallbackOrFail(e, err)
		}
	}
	g.state = rDone
	return requeue()
}

// fallbackOrFail falls back to a from-source build when configured to
// (spec.md §4.4.1's try-fallback option), otherwise fails the goal.
func (g *RealizationGoal) fallbackOrFail(e *Engine, substErr error) StepOutcome {
	if !e.cfg.TryFallback {
		return done(&SubstError{Path: g.DrvPath, Err: substErr})
	}
	norm := e.RequestNormalization(g.DrvPath)
	g.state = rFallbackBuild
	return waitOn(norm.Key())
}

// fallback-build: the from-source normalization goal has finished.
func (g *RealizationGoal) stepFallbackBuild(e *Engine) StepOutcome {
	norm := e.RequestNormalization(g.DrvPath)
	if err := e.goalErr(norm.Key()); err != nil {
		return done(err)
	}
	g.Outputs = norm.Outputs
	g.state = rDone
	return requeue()
}
