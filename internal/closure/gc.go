package closure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildstore/buildstore/internal/storepath"
)

// GCOpts configures a Collect run, mirroring the teacher's GCOpts shape
// (registry/storage/garbagecollect.go) but over store-path liveness
// rather than manifest/blob marking.
type GCOpts struct {
	DryRun           bool
	KeepOutputs      bool
	KeepDerivations  bool
	IgnoreLiveness   bool // debug only: treat nothing as live
	MaxFreed         int64
	Workers          int
	ProgressInterval time.Duration
}

// GCStats reports what a Collect run did, mirroring the teacher's
// GCStats reporting shape.
type GCStats struct {
	PathsScanned int
	PathsLive    int
	PathsDeleted int
	BytesDeleted int64
	Errors       []error
}

// RootsProvider supplies the persistent and transient GC roots (spec.md
// §3.7): symlinks under the roots directory, plus active temp-roots.
type RootsProvider interface {
	PersistentRoots() ([]storepath.Path, error)
	ActiveTempRoots() ([]storepath.Path, error)
}

// MetadataProvider supplies the valid-paths lookups Collect's liveness
// extensions need, backed by validdb.DB.
type MetadataProvider interface {
	ReferencesOf
	QueryDeriver(storepath.Path) (*storepath.Path, error)
	QueryDeriverOutputs(storepath.Path) (map[string]storepath.Path, error)
	ListAllValid() ([]storepath.Path, error)
	Invalidate(storepath.Path) error
}

// Collect performs a mark-and-sweep of storeDir: live paths are those
// reachable from the roots set (extended per keep-outputs/
// keep-derivations); everything else found by a lexical scan of
// storeDir is deleted, in directory-name order, stopping once
// opts.MaxFreed bytes have been freed if it is nonzero.
func Collect(storeDir string, roots RootsProvider, db MetadataProvider, opts GCOpts) (*GCStats, error) {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	stats := &GCStats{}

	live, err := computeLiveSet(storeDir, roots, db, opts)
	if err != nil {
		return stats, err
	}
	stats.PathsLive = len(live)

	entries, err := os.ReadDir(storeDir)
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if e.Name() == ".links" {
			continue
		}
		if opts.MaxFreed > 0 && stats.BytesDeleted >= opts.MaxFreed {
			break
		}
		stats.PathsScanned++

		fsPath := filepath.Join(storeDir, e.Name())
		if _, isLive := live[fsPath]; isLive {
			continue
		}

		size, err := dirSize(fsPath)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}

		if opts.DryRun {
			stats.PathsDeleted++
			stats.BytesDeleted += size
			continue
		}

		if err := removeStorePath(fsPath); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("removing %s: %w", fsPath, err))
			continue
		}
		stats.PathsDeleted++
		stats.BytesDeleted += size

		if p, err := storepath.Parse(storeDir, fsPath); err == nil {
			_ = db.Invalidate(p)
		}
	}

	return stats, nil
}

// computeLiveSet resolves the full liveness set: closures of the
// persistent + temp roots, extended transitively by keep-outputs /
// keep-derivations, keyed by on-disk path for a direct match against
// os.ReadDir entries.
func computeLiveSet(storeDir string, roots RootsProvider, db MetadataProvider, opts GCOpts) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	if opts.IgnoreLiveness {
		return live, nil
	}

	persistent, err := roots.PersistentRoots()
	if err != nil {
		return nil, err
	}
	temp, err := roots.ActiveTempRoots()
	if err != nil {
		return nil, err
	}
	allRoots := append(append([]storepath.Path{}, persistent...), temp...)

	closed, err := ComputeSet(context.Background(), allRoots, db.ReferencesOf, opts.Workers)
	if err != nil {
		return nil, err
	}
	for k := range closed {
		live[k] = struct{}{}
	}

	if !opts.KeepOutputs && !opts.KeepDerivations {
		return live, nil
	}

	// Liveness extensions require knowing every valid path's deriver/
	// outputs relationship, not just the reference edges already
	// followed above (spec.md §4.5).
	all, err := db.ListAllValid()
	if err != nil {
		return nil, err
	}

	extraRoots := make([]storepath.Path, 0)
	for _, p := range all {
		key := p.String()
		if _, isLive := live[key]; !isLive {
			continue
		}
		if opts.KeepOutputs {
			outputs, err := db.QueryDeriverOutputs(p)
			if err == nil {
				for _, out := range outputs {
					extraRoots = append(extraRoots, out)
				}
			}
		}
		if opts.KeepDerivations {
			deriver, err := db.QueryDeriver(p)
			if err == nil && deriver != nil {
				extraRoots = append(extraRoots, *deriver)
			}
		}
	}

	if len(extraRoots) == 0 {
		return live, nil
	}
	closedExtra, err := ComputeSet(context.Background(), extraRoots, db.ReferencesOf, opts.Workers)
	if err != nil {
		return nil, err
	}
	for k := range closedExtra {
		live[k] = struct{}{}
	}
	return live, nil
}

// removeStorePath deletes a store path's on-disk tree: makes it
// writable first (outputs are canonicalized read-only after a build,
// per spec.md §4.4.4), then removes contents, then the directory
// itself.
func removeStorePath(fsPath string) error {
	if err := makeWritableRecursive(fsPath); err != nil {
		return err
	}
	return os.RemoveAll(fsPath)
}

func makeWritableRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		mode := info.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.Chmod(path, mode|0o700)
		}
		return os.Chmod(path, mode|0o200)
	})
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
