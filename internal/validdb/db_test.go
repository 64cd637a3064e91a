package validdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/store"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "db.sqlite"), storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustPath(t *testing.T, hashPart, name string) storepath.Path {
	t.Helper()
	p, err := storepath.New(storeDir, hashPart, name)
	require.NoError(t, err)
	return p
}

func TestRegisterAndQueryInfo(t *testing.T) {
	db := openTestDB(t)

	dep := mustPath(t, "000000000000000000000000000000a1", "dep")
	root := mustPath(t, "000000000000000000000000000000b1", "root")

	narHashDep, err := digest.HashBytes(digest.SHA256, []byte("dep"))
	require.NoError(t, err)
	narHashRoot, err := digest.HashBytes(digest.SHA256, []byte("root"))
	require.NoError(t, err)

	depInfo := pathinfo.Info{Path: dep, NarHash: narHashDep, NarSize: 10, RegistrationTime: time.Unix(1000, 0)}
	rootInfo := pathinfo.Info{Path: root, NarHash: narHashRoot, NarSize: 20, References: []storepath.Path{dep, root}, RegistrationTime: time.Unix(1001, 0)}

	require.NoError(t, db.RegisterValid([]pathinfo.Info{depInfo, rootInfo}))

	valid, err := db.IsValid(root)
	require.NoError(t, err)
	require.True(t, valid)

	got, err := db.QueryInfo(root)
	require.NoError(t, err)
	require.Equal(t, int64(20), got.NarSize)
	require.Len(t, got.References, 2) // includes self-reference

	referrers, err := db.QueryReferrers(dep)
	require.NoError(t, err)
	require.Len(t, referrers, 1)
	require.Equal(t, root.String(), referrers[0].String())
}

func TestQueryInfoOnMissingPathFails(t *testing.T) {
	db := openTestDB(t)
	missing := mustPath(t, "000000000000000000000000000000ff", "missing")
	_, err := db.QueryInfo(missing)
	require.Error(t, err)
	var invalidErr *ErrInvalidPath
	require.ErrorAs(t, err, &invalidErr)
}

func TestRegisterValidRejectsUnknownReference(t *testing.T) {
	db := openTestDB(t)
	root := mustPath(t, "000000000000000000000000000000b2", "root")
	dangling := mustPath(t, "000000000000000000000000000000dd", "dangling")

	narHash, err := digest.HashBytes(digest.SHA256, []byte("x"))
	require.NoError(t, err)

	info := pathinfo.Info{Path: root, NarHash: narHash, NarSize: 1, References: []storepath.Path{dangling}}
	require.Error(t, db.RegisterValid([]pathinfo.Info{info}))

	valid, err := db.IsValid(root)
	require.NoError(t, err)
	require.False(t, valid, "failed registration must not leave a partial row")
}

func TestInvalidateRemovesRecord(t *testing.T) {
	db := openTestDB(t)
	p := mustPath(t, "000000000000000000000000000000c1", "leaf")
	narHash, err := digest.HashBytes(digest.SHA256, []byte("leaf"))
	require.NoError(t, err)

	require.NoError(t, db.RegisterValid([]pathinfo.Info{{Path: p, NarHash: narHash, NarSize: 1}}))
	require.NoError(t, db.Invalidate(p))

	valid, err := db.IsValid(p)
	require.NoError(t, err)
	require.False(t, valid)
}
