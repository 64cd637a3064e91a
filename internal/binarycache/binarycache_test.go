package binarycache

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/objectstore"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/build/store"

func samplePath(t *testing.T, name string) storepath.Path {
	t.Helper()
	p, err := storepath.Compute(storeDir, storepath.SourceFingerprint("deadbeef", storeDir, name), name)
	require.NoError(t, err)
	return p
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	backend, err := objectstore.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return New(backend, storeDir, 30, true)
}

func TestEnsureCacheInfoWritesOnce(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureCacheInfo(ctx))
	exists, err := c.Backend.Exists(ctx, "nix-cache-info")
	require.NoError(t, err)
	require.True(t, exists)

	body, err := c.Backend.Get(ctx, "nix-cache-info")
	require.NoError(t, err)
	defer body.Close()
	priority, wantMass, err := ParseCacheInfo(body)
	require.NoError(t, err)
	require.Equal(t, 30, priority)
	require.True(t, wantMass)
}

func TestAddDeduplicatesIdenticalArchives(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	narHash, err := digest.HashBytes(digest.SHA256, []byte("nar-bytes"))
	require.NoError(t, err)

	info := pathinfo.Info{
		Path:    samplePath(t, "foo"),
		NarHash: narHash,
		NarSize: int64(len("nar-bytes")),
	}
	out1, err := c.Add(ctx, info, bytes.NewReader([]byte("nar-bytes")), pathinfo.CompressionXZ, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out1.URL)
	require.Equal(t, pathinfo.CompressionXZ, out1.Compression)

	info2 := pathinfo.Info{
		Path:    samplePath(t, "bar"),
		NarHash: narHash,
		NarSize: int64(len("nar-bytes")),
	}
	out2, err := c.Add(ctx, info2, bytes.NewReader([]byte("nar-bytes")), pathinfo.CompressionXZ, nil)
	require.NoError(t, err)
	require.Equal(t, out1.URL, out2.URL, "identical archives dedupe to the same nar/ object")
}

func TestQueryRoundTripsNarinfo(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	narHash, err := digest.HashBytes(digest.SHA256, []byte("payload"))
	require.NoError(t, err)

	pubKey, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := pathinfo.SigningKey{Name: "cache.example.org", Secret: priv}

	info := pathinfo.Info{
		Path:    samplePath(t, "foo"),
		NarHash: narHash,
		NarSize: int64(len("payload")),
	}
	added, err := c.Add(ctx, info, bytes.NewReader([]byte("payload")), pathinfo.CompressionGzip, []pathinfo.SigningKey{key})
	require.NoError(t, err)
	require.Len(t, added.Sigs, 1)

	got, err := c.Query(ctx, added.Path.HashPart)
	require.NoError(t, err)
	require.Equal(t, added.Path.String(), got.Path.String())
	require.Equal(t, added.URL, got.URL)
	require.Equal(t, 1, got.CountValidSignatures(map[string]ed25519.PublicKey{"cache.example.org": pubKey}))
}

func TestQueryMissingReturnsNoSuchCacheFile(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Query(context.Background(), "00000000000000000000000000000000")
	require.Error(t, err)
	var nf *ErrNoSuchCacheFile
	require.ErrorAs(t, err, &nf)
}

func TestFetchVerifiesNarHash(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	narHash, err := digest.HashBytes(digest.SHA256, []byte("hello world"))
	require.NoError(t, err)
	info := pathinfo.Info{
		Path:    samplePath(t, "foo"),
		NarHash: narHash,
		NarSize: int64(len("hello world")),
	}
	added, err := c.Add(ctx, info, bytes.NewReader([]byte("hello world")), pathinfo.CompressionZstd, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, c.Fetch(ctx, added, &out, true))
	require.Equal(t, "hello world", out.String())
}

func TestFetchDetectsCorruptNar(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	narHash, err := digest.HashBytes(digest.SHA256, []byte("hello world"))
	require.NoError(t, err)
	info := pathinfo.Info{
		Path:    samplePath(t, "foo"),
		NarHash: narHash,
		NarSize: int64(len("hello world")),
	}
	added, err := c.Add(ctx, info, bytes.NewReader([]byte("hello world")), pathinfo.CompressionNone, nil)
	require.NoError(t, err)

	// Overwrite the published archive object directly so Fetch re-hashes
	// different bytes than NarHash records.
	require.NoError(t, c.Backend.Put(ctx, added.URL, bytes.NewReader([]byte("tampered!!!"))))

	var out bytes.Buffer
	err = c.Fetch(ctx, added, &out, true)
	require.Error(t, err)
	var corrupt *ErrCorruptNar
	require.ErrorAs(t, err, &corrupt)
}
