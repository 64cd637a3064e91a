package store

import (
	"os"
	"path/filepath"

	"github.com/buildstore/buildstore/internal/storepath"
	"github.com/buildstore/buildstore/internal/tempregistry"
)

// Roots manages the persistent GC-roots directory (spec.md §3.7): a
// flat directory of symlinks, each pointing at a live store path. It
// also knows how to discover the active transient temp-roots, so a
// Roots value satisfies closure.RootsProvider directly.
type Roots struct {
	RootsDir string
	StateDir string
	StoreDir string
}

// NewRoots returns a Roots rooted at the given persistent-roots
// directory, with temp-roots discovered under stateDir/temproots.
func NewRoots(rootsDir, stateDir, storeDir string) *Roots {
	return &Roots{RootsDir: rootsDir, StateDir: stateDir, StoreDir: storeDir}
}

// Add creates (or replaces) a symlink named gcRootName pointing at p.
func (r *Roots) Add(gcRootName string, p storepath.Path) error {
	if err := os.MkdirAll(r.RootsDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(r.RootsDir, gcRootName)
	_ = os.Remove(link)
	return os.Symlink(p.String(), link)
}

// Remove deletes the named root, if present.
func (r *Roots) Remove(gcRootName string) error {
	err := os.Remove(filepath.Join(r.RootsDir, gcRootName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PersistentRoots reads every symlink under RootsDir and parses its
// target as a store path, skipping broken or foreign-store-dir
// symlinks rather than failing the whole scan.
func (r *Roots) PersistentRoots() ([]storepath.Path, error) {
	entries, err := os.ReadDir(r.RootsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var roots []storepath.Path
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(r.RootsDir, e.Name()))
		if err != nil {
			continue
		}
		p, err := storepath.Parse(r.StoreDir, target)
		if err != nil {
			continue
		}
		roots = append(roots, p)
	}
	return roots, nil
}

// ActiveTempRoots scans stateDir/temproots for live-process-held
// transient roots, satisfying the other half of closure.RootsProvider.
func (r *Roots) ActiveTempRoots() ([]storepath.Path, error) {
	return tempregistry.ScanActive(r.StateDir, r.StoreDir)
}
