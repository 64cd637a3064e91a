// Package closure implements the reference-closure computation and
// garbage collector of spec.md §4.5: breadth-first reachability over
// the valid-paths reference DAG, and mark-and-sweep liveness-based
// deletion.
//
// Grounded heavily on the teacher's registry/storage/garbagecollect.go
// — a worker-pool mark phase followed by a sweep phase with progress
// stats and optional checkpointing — adapted from "marked manifests are
// kept" to "reachable store paths are kept".
package closure

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/buildstore/buildstore/internal/storepath"
)

// ReferencesOf fetches the direct references of a store path, typically
// backed by validdb.DB.QueryReferences.
type ReferencesOf func(storepath.Path) ([]storepath.Path, error)

// Compute performs a breadth-first traversal over the references DAG
// starting from roots, using up to workers concurrent fetchers. Cycles
// are impossible by construction (spec.md §3.5); the visited set exists
// to avoid redundant fetches, not to break cycles. Concurrency is
// bounded by a semaphore rather than a fixed-size work channel, so a
// closure larger than any chosen buffer size cannot deadlock.
func Compute(ctx context.Context, roots []storepath.Path, refsOf ReferencesOf, workers int) (map[string]storepath.Path, error) {
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	visited := make(map[string]storepath.Path)
	sem := make(chan struct{}, workers)
	g, gctx := errgroup.WithContext(ctx)

	var visit func(p storepath.Path)
	visit = func(p storepath.Path) {
		mu.Lock()
		key := p.String()
		if _, ok := visited[key]; ok {
			mu.Unlock()
			return
		}
		visited[key] = p
		mu.Unlock()

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			if gctx.Err() != nil {
				return gctx.Err()
			}
			refs, err := refsOf(p)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				visit(ref)
			}
			return nil
		})
	}

	for _, r := range roots {
		visit(r)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return visited, nil
}

// ComputeSet is Compute with only the resulting path-string set, for
// callers that don't need the parsed Path values back.
func ComputeSet(ctx context.Context, roots []storepath.Path, refsOf ReferencesOf, workers int) (map[string]struct{}, error) {
	full, err := Compute(ctx, roots, refsOf, workers)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(full))
	for k := range full {
		out[k] = struct{}{}
	}
	return out, nil
}
