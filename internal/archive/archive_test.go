package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "run"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0o644))
	require.NoError(t, os.Symlink("bin/run", filepath.Join(root, "link")))
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)

	var buf bytes.Buffer
	require.NoError(t, Dump(src, &buf, nil))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Restore(dst, bytes.NewReader(buf.Bytes()), false))

	data, err := os.ReadFile(filepath.Join(dst, "README"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	info, err := os.Stat(filepath.Join(dst, "bin", "run"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	require.Equal(t, "bin/run", target)

	empty, err := os.ReadFile(filepath.Join(dst, "empty"))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDumpIsDeterministic(t *testing.T) {
	src := t.TempDir()
	buildTree(t, src)

	var a, b bytes.Buffer
	require.NoError(t, Dump(src, &a, nil))
	require.NoError(t, Dump(src, &b, nil))
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestParseRejectsOutOfOrderEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStr(&buf, Magic))
	require.NoError(t, writeStr(&buf, "("))
	require.NoError(t, writeStr(&buf, "type"))
	require.NoError(t, writeStr(&buf, "directory"))

	writeEntry := func(name string) {
		require.NoError(t, writeStr(&buf, "entry"))
		require.NoError(t, writeStr(&buf, "("))
		require.NoError(t, writeStr(&buf, "name"))
		require.NoError(t, writeStr(&buf, name))
		require.NoError(t, writeStr(&buf, "node"))
		require.NoError(t, writeStr(&buf, "("))
		require.NoError(t, writeStr(&buf, "type"))
		require.NoError(t, writeStr(&buf, "regular"))
		require.NoError(t, writeStr(&buf, "contents"))
		var lenBuf [8]byte
		putUint64(lenBuf[:], 0)
		_, werr := buf.Write(lenBuf[:])
		require.NoError(t, werr)
		require.NoError(t, writeStr(&buf, ")"))
		require.NoError(t, writeStr(&buf, ")"))
	}
	writeEntry("zzz")
	writeEntry("aaa") // out of order: should be rejected

	require.NoError(t, writeStr(&buf, ")"))
	require.NoError(t, writeStr(&buf, ")"))

	err := Parse(&buf, &discardSink{})
	require.Error(t, err)
	var badArchive *ErrBadArchive
	require.ErrorAs(t, err, &badArchive)
}

func TestEmptySymlinkTarget(t *testing.T) {
	src := t.TempDir()
	require.Error(t, os.Symlink("", filepath.Join(src, "dangling")))
	t.Skip("os.Symlink rejects an empty target on most platforms; exercised via the wire format directly below")
}

type symlinkRecorder struct {
	discardSink
	target string
}

func (s *symlinkRecorder) CreateSymlink(_, target string) error {
	s.target = target
	return nil
}

func TestParseAcceptsEmptySymlinkTarget(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStr(&buf, Magic))
	require.NoError(t, writeStr(&buf, "("))
	require.NoError(t, writeStr(&buf, "type"))
	require.NoError(t, writeStr(&buf, "symlink"))
	require.NoError(t, writeStr(&buf, "target"))
	require.NoError(t, writeStr(&buf, ""))
	require.NoError(t, writeStr(&buf, ")"))

	rec := &symlinkRecorder{target: "unset"}
	require.NoError(t, Parse(bytes.NewReader(buf.Bytes()), rec))
	require.Empty(t, rec.target)
}

func TestCaseHackRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "Foo~nix~case~hack~1"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bar"), []byte("b"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, DumpWithCaseHack(src, &buf, nil, true))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Restore(dst, bytes.NewReader(buf.Bytes()), true))

	data, err := os.ReadFile(filepath.Join(dst, "Foo"))
	require.NoError(t, err)
	require.Equal(t, "a", string(data))
}

func TestCopyArchiveRejectsCorruptInput(t *testing.T) {
	var dst bytes.Buffer
	_, err := CopyArchive(&dst, bytes.NewReader([]byte("not an archive at all")))
	require.Error(t, err)
}
