package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/buildstore/buildstore/internal/binarycache"
	"github.com/buildstore/buildstore/internal/metrics"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

type substState int

const (
	sInit substState = iota
	sAwaitSlot
	sAttempting
	sDone
)

// SubstitutionGoal tries each configured substituter in priority order
// until one produces Path, or the list is exhausted (spec.md §4.4.1).
type SubstitutionGoal struct {
	Path storepath.Path

	state  substState
	idx    int
	result *asyncOutcome
}

func newSubstitutionGoal(path storepath.Path) *SubstitutionGoal {
	return &SubstitutionGoal{Path: path, state: sInit}
}

func (g *SubstitutionGoal) Key() string { return substituteKey(g.Path) }

func (g *SubstitutionGoal) receiveAsync(out *asyncOutcome) { g.result = out }

func (g *SubstitutionGoal) Step(e *Engine) StepOutcome {
	switch g.state {
	case sInit:
		return g.stepInit(e)
	case sAwaitSlot:
		return g.stepAwaitSlot(e)
	case sAttempting:
		return g.stepAttempting(e)
	case sDone:
		return done(nil)
	default:
		return done(fmt.Errorf("substitute %s: unreachable state %d", g.Path, g.state))
	}
}

func (g *SubstitutionGoal) stepInit(e *Engine) StepOutcome {
	valid, err := e.validDB.IsValid(g.Path)
	if err != nil {
		return done(err)
	}
	if valid {
		g.state = sDone
		return requeue()
	}
	if len(e.subs) == 0 {
		return done(&SubstError{Path: g.Path, Err: errors.New("no substituters configured")})
	}
	return g.tryAcquireSlot(e)
}

func (g *SubstitutionGoal) stepAwaitSlot(e *Engine) StepOutcome {
	return g.tryAcquireSlot(e)
}

func (g *SubstitutionGoal) tryAcquireSlot(e *Engine) StepOutcome {
	if !e.tryAcquireSubstitutionSlot() {
		g.state = sAwaitSlot
		return waitSubstitutionSlot()
	}
	return g.startAttempt(e)
}

func (g *SubstitutionGoal) startAttempt(e *Engine) StepOutcome {
	sub := e.subs[g.idx]
	e.runAsync(g.Key(), func(ctx context.Context) *asyncOutcome {
		return attemptSubstitute(ctx, e, g.Path, sub)
	})
	g.state = sAttempting
	return waitAsync()
}

func (g *SubstitutionGoal) stepAttempting(e *Engine) StepOutcome {
	if g.result == nil {
		return done(fmt.Errorf("substitute %s: reached attempting with no async result", g.Path))
	}
	res := g.result
	g.result = nil

	if res.success {
		e.releaseSubstitutionSlot()
		g.state = sDone
		return requeue()
	}

	g.idx++
	if g.idx >= len(e.subs) {
		e.releaseSubstitutionSlot()
		return done(&SubstError{Path: g.Path, Err: res.err})
	}
	return g.startAttempt(e)
}

// attemptSubstitute performs one substituter's worth of blocking I/O:
// disk-cache lookup, narinfo query on miss, content fetch, and
// restore+register. It runs entirely on a background goroutine and
// touches only its own locals plus I/O clients (validDB, diskDB, front,
// store) that are themselves safe for concurrent use — never goal
// state (spec.md §5).
func attemptSubstitute(ctx context.Context, e *Engine, path storepath.Path, sub SubstituterConfig) *asyncOutcome {
	info, ok, err := lookupNarinfo(ctx, e, path, sub)
	if err != nil {
		return &asyncOutcome{err: fmt.Errorf("%s: %w", sub.Name, err)}
	}
	if !ok {
		return &asyncOutcome{err: fmt.Errorf("%s: no narinfo for %s", sub.Name, path)}
	}

	if !info.IsTrusted(e.cfg.TrustedPublicKeys, e.cfg.RequireSigs) {
		return &asyncOutcome{err: fmt.Errorf("%s: %s has no trusted signature", sub.Name, path)}
	}

	if err := restoreAndRegister(ctx, e, sub, info); err != nil {
		return &asyncOutcome{err: fmt.Errorf("%s: %w", sub.Name, err)}
	}
	return &asyncOutcome{success: true, info: info}
}

// lookupNarinfo consults the Redis front cache, then the local SQLite
// narinfo cache, querying the substituter's backend only on a stale or
// absent entry (spec.md §4.3's layered lookup).
func lookupNarinfo(ctx context.Context, e *Engine, path storepath.Path, sub SubstituterConfig) (pathinfo.Info, bool, error) {
	if e.front != nil {
		if info, ok, err := e.front.Get(ctx, sub.Name, path.HashPart, e.storeDir); err == nil && ok {
			return info, true, nil
		}
	}

	now := time.Now()
	if e.diskDB != nil {
		entry, err := e.diskDB.Lookup(sub.DiskCacheID, path.HashPart, e.storeDir,
			e.cfg.DiskCacheTTLPositive, e.cfg.DiskCacheTTLNegative, now)
		if err == nil && entry.Fresh {
			if !entry.Present {
				metrics.DiskCacheHits.WithLabelValues("negative").Inc()
				return pathinfo.Info{}, false, nil
			}
			metrics.DiskCacheHits.WithLabelValues("positive").Inc()
			return entry.Info, true, nil
		}
		metrics.DiskCacheMisses.Inc()
	}

	info, err := sub.Cache.Query(ctx, path.HashPart)
	if err != nil {
		var miss *binarycache.ErrNoSuchCacheFile
		if errors.As(err, &miss) {
			if e.diskDB != nil {
				_ = e.diskDB.InsertNegative(sub.DiskCacheID, path.HashPart, now)
			}
			return pathinfo.Info{}, false, nil
		}
		return pathinfo.Info{}, false, err
	}

	if e.diskDB != nil {
		_ = e.diskDB.InsertPositive(sub.DiskCacheID, info, now)
	}
	if e.front != nil {
		_ = e.front.Set(ctx, sub.Name, info, e.cfg.DiskCacheTTLPositive)
	}
	return info, true, nil
}

// restoreAndRegister fetches info's NAR content and materializes it at
// its already-known store path, then registers it as a single
// valid-paths transaction.
func restoreAndRegister(ctx context.Context, e *Engine, sub SubstituterConfig, info pathinfo.Info) error {
	pr, pw := io.Pipe()
	fetchDone := make(chan error, 1)
	go func() {
		err := sub.Cache.Fetch(ctx, info, pw, true)
		fetchDone <- err
		pw.CloseWithError(err)
	}()

	narHash, narSize, err := e.store.AddFromCache(ctx, info.Path, pr)
	fetchErr := <-fetchDone
	if fetchErr != nil {
		return fetchErr
	}
	if err != nil {
		return err
	}
	if narHash.String() != info.NarHash.String() || narSize != info.NarSize {
		return fmt.Errorf("restored content for %s does not match narinfo", info.Path)
	}

	return e.validDB.RegisterValid([]pathinfo.Info{info})
}
