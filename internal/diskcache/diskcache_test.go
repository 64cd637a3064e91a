package diskcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/build/store"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func samplePath(t *testing.T, name string) storepath.Path {
	t.Helper()
	p, err := storepath.Compute(storeDir, storepath.SourceFingerprint("deadbeef", storeDir, name), name)
	require.NoError(t, err)
	return p
}

func TestRegisterCacheIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)

	id1, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, now)
	require.NoError(t, err)
	id2, err := db.RegisterCache("https://cache.example.org", storeDir, 50, false, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestPositiveLookupRoundTrips(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	cacheID, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, now)
	require.NoError(t, err)

	narHash, err := digest.HashBytes(digest.SHA256, []byte("content"))
	require.NoError(t, err)
	info := pathinfo.Info{
		Path:    samplePath(t, "foo"),
		NarHash: narHash,
		NarSize: 7,
		URL:     "nar/abc.nar.xz",
	}
	require.NoError(t, db.InsertPositive(cacheID, info, now))

	entry, err := db.Lookup(cacheID, info.Path.HashPart, storeDir, 30*24*time.Hour, time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, entry.Present)
	require.True(t, entry.Fresh)
	require.Equal(t, info.Path.String(), entry.Info.Path.String())
	require.Equal(t, info.URL, entry.Info.URL)
}

func TestNegativeLookupExpiresPastTTL(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	cacheID, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, now)
	require.NoError(t, err)

	require.NoError(t, db.InsertNegative(cacheID, "00000000000000000000000000000000", now))

	fresh, err := db.Lookup(cacheID, "00000000000000000000000000000000", storeDir, 30*24*time.Hour, time.Hour, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.False(t, fresh.Present)
	require.True(t, fresh.Fresh)

	stale, err := db.Lookup(cacheID, "00000000000000000000000000000000", storeDir, 30*24*time.Hour, time.Hour, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, stale.Present)
	require.False(t, stale.Fresh)
}

func TestLookupMissingRowIsNeitherPresentNorFresh(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	cacheID, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, now)
	require.NoError(t, err)

	entry, err := db.Lookup(cacheID, "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", storeDir, time.Hour, time.Hour, now)
	require.NoError(t, err)
	require.False(t, entry.Present)
	require.False(t, entry.Fresh)
}

func TestPurgeHonorsFloorsEvenWithAggressiveConfiguredTTL(t *testing.T) {
	db := openTestDB(t)
	start := time.Unix(1700000000, 0)
	cacheID, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, start)
	require.NoError(t, err)

	narHash, err := digest.HashBytes(digest.SHA256, []byte("content"))
	require.NoError(t, err)
	info := pathinfo.Info{Path: samplePath(t, "foo"), NarHash: narHash, NarSize: 7}
	require.NoError(t, db.InsertPositive(cacheID, info, start))

	// Configure a 1-second positive TTL, far below PositiveFloor; purge
	// two hours later should still keep the row since the floor (30
	// days) hasn't elapsed.
	laterSameDay := start.Add(2 * time.Hour)
	require.NoError(t, db.Purge(laterSameDay, time.Second, time.Second))

	entry, err := db.Lookup(cacheID, info.Path.HashPart, storeDir, 30*24*time.Hour, time.Hour, laterSameDay)
	require.NoError(t, err)
	require.True(t, entry.Present, "floor-bounded purge must not erase a row younger than PositiveFloor")

	wellPastFloor := start.Add(PositiveFloor + time.Hour)
	require.NoError(t, db.Purge(wellPastFloor, time.Second, time.Second))
	entry, err = db.Lookup(cacheID, info.Path.HashPart, storeDir, 30*24*time.Hour, time.Hour, wellPastFloor)
	require.NoError(t, err)
	require.False(t, entry.Present, "purge past the floor must erase the stale row")
}

func TestShouldPurgeGatesAt24Hours(t *testing.T) {
	db := openTestDB(t)
	start := time.Unix(1700000000, 0)

	should, err := db.ShouldPurge(start)
	require.NoError(t, err)
	require.True(t, should, "no prior purge recorded")

	require.NoError(t, db.Purge(start, 30*24*time.Hour, time.Hour))

	should, err = db.ShouldPurge(start.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, should)

	should, err = db.ShouldPurge(start.Add(25 * time.Hour))
	require.NoError(t, err)
	require.True(t, should)
}

func TestRealisationRoundTrips(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1700000000, 0)
	cacheID, err := db.RegisterCache("https://cache.example.org", storeDir, 40, true, now)
	require.NoError(t, err)

	require.NoError(t, db.InsertRealisation(cacheID, "drv!out", `{"outPath":"..."}`, now))
	content, ok, err := db.LookupRealisation(cacheID, "drv!out")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"outPath":"..."}`, content)

	_, ok, err = db.LookupRealisation(cacheID, "drv!missing")
	require.NoError(t, err)
	require.False(t, ok)
}
