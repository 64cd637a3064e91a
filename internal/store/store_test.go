package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/archive"
	"github.com/buildstore/buildstore/internal/storepath"
)

func buildSampleArchive(t *testing.T) []byte {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello world"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "run"), []byte("#!/bin/sh\necho hi\n"), 0o777))

	var buf bytes.Buffer
	require.NoError(t, archive.Dump(src, &buf, nil))
	return buf.Bytes()
}

func TestAddFromArchivePublishesAndCanonicalizes(t *testing.T) {
	storeDir := t.TempDir()
	s := New(storeDir)

	data := buildSampleArchive(t)
	p, narHash, narSize, err := s.AddFromArchive(context.Background(), bytes.NewReader(data), "greeter-1.0", false)
	require.NoError(t, err)
	require.Equal(t, storeDir, p.StoreDir)
	require.True(t, narSize > 0)
	require.NotEmpty(t, narHash.Base16())

	fsPath := filepath.Join(storeDir, p.BaseName())
	info, err := os.Stat(fsPath)
	require.NoError(t, err)
	require.True(t, info.IsDir())
	require.Equal(t, os.FileMode(0o555), info.Mode().Perm())

	content, err := os.ReadFile(filepath.Join(fsPath, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	runInfo, err := os.Stat(filepath.Join(fsPath, "bin", "run"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o555), runInfo.Mode().Perm(), "executable outputs keep exec bits but lose write")
}

func TestAddFromArchiveIsIdempotentUnderConcurrentWinner(t *testing.T) {
	storeDir := t.TempDir()
	s := New(storeDir)
	data := buildSampleArchive(t)

	p1, _, _, err := s.AddFromArchive(context.Background(), bytes.NewReader(data), "greeter-1.0", false)
	require.NoError(t, err)

	p2, _, _, err := s.AddFromArchive(context.Background(), bytes.NewReader(data), "greeter-1.0", false)
	require.NoError(t, err)
	require.Equal(t, p1, p2, "identical content+name must hash to the same store path")
}

func TestDeleteMakesTreeWritableFirst(t *testing.T) {
	storeDir := t.TempDir()
	s := New(storeDir)
	data := buildSampleArchive(t)
	p, _, _, err := s.AddFromArchive(context.Background(), bytes.NewReader(data), "greeter-1.0", false)
	require.NoError(t, err)

	require.NoError(t, s.Delete(p))
	_, err = os.Stat(filepath.Join(storeDir, p.BaseName()))
	require.True(t, os.IsNotExist(err))
}

func TestDumpRoundTripsThroughArchive(t *testing.T) {
	storeDir := t.TempDir()
	s := New(storeDir)
	data := buildSampleArchive(t)
	p, _, _, err := s.AddFromArchive(context.Background(), bytes.NewReader(data), "greeter-1.0", false)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.Dump(p, &out))
	require.True(t, out.Len() > 0)
}

func TestRootsTracksPersistentSymlinks(t *testing.T) {
	storeDir := t.TempDir()
	rootsDir := t.TempDir()
	stateDir := t.TempDir()
	r := NewRoots(rootsDir, stateDir, storeDir)

	p, err := storepath.New(storeDir, "000000000000000000000000000000aa", "thing")
	require.NoError(t, err)
	require.NoError(t, r.Add("my-root", p))

	roots, err := r.PersistentRoots()
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, p, roots[0])

	require.NoError(t, r.Remove("my-root"))
	roots, err = r.PersistentRoots()
	require.NoError(t, err)
	require.Empty(t, roots)
}
