package closure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/storepath"
)

type fakeRoots struct {
	persistent []storepath.Path
}

func (f fakeRoots) PersistentRoots() ([]storepath.Path, error) { return f.persistent, nil }
func (f fakeRoots) ActiveTempRoots() ([]storepath.Path, error) { return nil, nil }

type fakeDB struct {
	refs map[string][]storepath.Path
	all  []storepath.Path
}

func (f *fakeDB) ReferencesOf(p storepath.Path) ([]storepath.Path, error) { return f.refs[p.String()], nil }
func (f *fakeDB) QueryDeriver(storepath.Path) (*storepath.Path, error)    { return nil, nil }
func (f *fakeDB) QueryDeriverOutputs(storepath.Path) (map[string]storepath.Path, error) {
	return nil, nil
}
func (f *fakeDB) ListAllValid() ([]storepath.Path, error) { return f.all, nil }
func (f *fakeDB) Invalidate(storepath.Path) error         { return nil }

func writeStorePathDir(t *testing.T, storeDir string, p storepath.Path, content string) {
	t.Helper()
	dir := filepath.Join(storeDir, p.BaseName())
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte(content), 0o444))
	require.NoError(t, os.Chmod(dir, 0o555))
}

func TestCollectDeletesUnreachablePaths(t *testing.T) {
	storeDir := t.TempDir()

	live, err := storepath.New(storeDir, "000000000000000000000000000000d1", "live")
	require.NoError(t, err)
	dead, err := storepath.New(storeDir, "000000000000000000000000000000d2", "dead")
	require.NoError(t, err)

	writeStorePathDir(t, storeDir, live, "kept")
	writeStorePathDir(t, storeDir, dead, "garbage")

	db := &fakeDB{refs: map[string][]storepath.Path{}, all: []storepath.Path{live, dead}}
	roots := fakeRoots{persistent: []storepath.Path{live}}

	stats, err := Collect(storeDir, roots, db, GCOpts{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.PathsDeleted)
	require.Equal(t, 1, stats.PathsLive)

	_, err = os.Stat(filepath.Join(storeDir, live.BaseName()))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(storeDir, dead.BaseName()))
	require.True(t, os.IsNotExist(err))
}

func TestCollectDryRunDeletesNothing(t *testing.T) {
	storeDir := t.TempDir()
	dead := mustPath(t, "000000000000000000000000000000g1", "dead")
	writeStorePathDir(t, storeDir, dead, "garbage")

	db := &fakeDB{refs: map[string][]storepath.Path{}, all: []storepath.Path{dead}}
	roots := fakeRoots{}

	stats, err := Collect(storeDir, roots, db, GCOpts{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, stats.PathsDeleted)

	_, err = os.Stat(filepath.Join(storeDir, dead.BaseName()))
	require.NoError(t, err, "dry run must not actually remove anything")
}

func TestCollectRespectsMaxFreed(t *testing.T) {
	storeDir := t.TempDir()
	dead := mustPath(t, "000000000000000000000000000000f1", "dead")
	dead2 := mustPath(t, "000000000000000000000000000000f2", "dead2")
	writeStorePathDir(t, storeDir, dead, "0123456789")
	writeStorePathDir(t, storeDir, dead2, "0123456789")

	db := &fakeDB{refs: map[string][]storepath.Path{}, all: []storepath.Path{dead, dead2}}
	roots := fakeRoots{}

	// The first path (in name order) reaches the 1-byte target, so the
	// sweep stops before the second.
	stats, err := Collect(storeDir, roots, db, GCOpts{MaxFreed: 1})
	require.NoError(t, err)
	require.Equal(t, 1, stats.PathsDeleted)

	_, err = os.Stat(filepath.Join(storeDir, dead.BaseName()))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(storeDir, dead2.BaseName()))
	require.NoError(t, err)
}
