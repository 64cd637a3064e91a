// Package store implements the on-disk materialization of artifacts
// described in spec.md §3 component D: writing a restored archive to a
// temporary location, canonicalizing its permissions per the builder
// contract, and atomically publishing it at its final store path.
//
// Grounded on the teacher's filesystem storage driver
// (registry/storage/driver/filesystem/driver.go), which writes to a
// ".tmp" sibling and renames into place rather than writing the target
// path directly (PutContent/Move), and registry/storage/vacuum.go's
// delete-by-path shape for removal.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/buildstore/buildstore/internal/archive"
	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/pathinfo"
	"github.com/buildstore/buildstore/internal/storepath"
)

// Store is a local on-disk artifact store rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir}
}

// tempRoot returns the directory new artifacts are staged under before
// being renamed into place, matching the filesystem driver's pattern of
// writing to a ".tmp"-suffixed sibling within the same volume so the
// final rename is atomic.
func (s *Store) tempRoot() string {
	return filepath.Join(s.Dir, ".tmp")
}

// StagingDir creates a fresh scratch directory under the store's temp
// root, suitable for a builder's output tree or for restoring an
// incoming archive before it is hashed and renamed into place.
func (s *Store) StagingDir() (string, error) {
	root := s.tempRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(root, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// IsValidOnDisk reports whether path's directory/file already exists in
// the store (a cheap, non-authoritative check; the validdb is the
// source of truth for registered validity, see spec.md §3.4).
func (s *Store) IsValidOnDisk(p storepath.Path) bool {
	_, err := os.Lstat(filepath.Join(s.Dir, p.BaseName()))
	return err == nil
}

// Publish atomically moves a fully-prepared staging directory into its
// final location at p, first canonicalizing its permissions. It is a
// no-op (beyond removing the staging directory) if p is already present
// — the normal outcome when a concurrent builder raced us and won the
// path lock first (spec.md §4.4.3).
func (s *Store) Publish(stagingDir string, p storepath.Path) error {
	if err := Canonicalize(stagingDir); err != nil {
		return err
	}

	dest := filepath.Join(s.Dir, p.BaseName())
	if _, err := os.Lstat(dest); err == nil {
		if err := makeWritableRecursive(stagingDir); err != nil {
			return err
		}
		return os.RemoveAll(stagingDir)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, dest); err != nil {
		return fmt.Errorf("publishing %s: %w", p, err)
	}
	return nil
}

// restoreToStaging restores the NAR read from r into a fresh staging
// directory, computing its hash as it streams (so the artifact never
// needs a second read pass). Callers are responsible for removing the
// returned staging directory once they are done with artifactDir.
func (s *Store) restoreToStaging(r io.Reader, name string, caseHack bool) (staging, artifactDir string, narHash digest.Digest, narSize int64, err error) {
	staging, err = s.StagingDir()
	if err != nil {
		return "", "", digest.Digest{}, 0, err
	}
	// restore into a subdirectory of staging so the rename target in
	// Publish is exactly the artifact root, not its parent.
	artifactDir = filepath.Join(staging, name)

	sink, err := digest.NewHashSink(digest.SHA256)
	if err != nil {
		os.RemoveAll(staging)
		return "", "", digest.Digest{}, 0, err
	}
	tee := io.TeeReader(r, sink)

	if err := archive.Restore(artifactDir, tee, caseHack); err != nil {
		os.RemoveAll(staging)
		return "", "", digest.Digest{}, 0, err
	}

	narHash, narSize = sink.Finish()
	return staging, artifactDir, narHash, narSize, nil
}

// AddFromArchive restores the NAR read from r into a staging directory,
// computing its hash as it streams (so the artifact never needs a
// second read pass), then publishes it at the store path derived from
// that hash and name. It returns the store path and the NAR hash/size
// pair the caller registers in the validdb.
func (s *Store) AddFromArchive(ctx context.Context, r io.Reader, name string, caseHack bool) (storepath.Path, digest.Digest, int64, error) {
	staging, artifactDir, narHash, narSize, err := s.restoreToStaging(r, name, caseHack)
	if err != nil {
		return storepath.Path{}, digest.Digest{}, 0, err
	}

	fingerprint := storepath.SourceFingerprint(narHash.Base16(), s.Dir, name)
	p, err := storepath.Compute(s.Dir, fingerprint, name)
	if err != nil {
		os.RemoveAll(staging)
		return storepath.Path{}, digest.Digest{}, 0, err
	}

	if err := s.Publish(artifactDir, p); err != nil {
		os.RemoveAll(staging)
		return storepath.Path{}, digest.Digest{}, 0, err
	}
	os.RemoveAll(staging)

	return p, narHash, narSize, nil
}

// AddFromArchiveCA behaves like AddFromArchive but derives the store
// path from a content address (spec.md §3.3's ca field) instead of a
// plain source fingerprint, so two imports of identical content under
// the same name always land at the same path regardless of storeDir
// history. method selects how the content hash is taken:
//   - pathinfo.CARecursive reuses the NAR hash directly (no second
//     hashing pass needed — the same optimization the "fixed-output,
//     sha256, recursive" case gets in makeFixedOutputPath).
//   - pathinfo.CAFlat requires the restored artifact to be a single
//     regular file and hashes its raw bytes.
//   - pathinfo.CAGit hashes the restored tree with git's own blob/tree
//     object scheme (internal/digest's GitHashTree) instead of NAR.
func (s *Store) AddFromArchiveCA(ctx context.Context, r io.Reader, name string, caseHack bool, method pathinfo.CAMethod) (storepath.Path, digest.Digest, int64, pathinfo.ContentAddress, error) {
	staging, artifactDir, narHash, narSize, err := s.restoreToStaging(r, name, caseHack)
	if err != nil {
		return storepath.Path{}, digest.Digest{}, 0, pathinfo.ContentAddress{}, err
	}
	defer os.RemoveAll(staging)

	ca, err := computeContentAddress(artifactDir, method, narHash)
	if err != nil {
		return storepath.Path{}, digest.Digest{}, 0, pathinfo.ContentAddress{}, err
	}

	p, err := ca.ComputeStorePath(s.Dir, name)
	if err != nil {
		return storepath.Path{}, digest.Digest{}, 0, pathinfo.ContentAddress{}, err
	}

	if err := s.Publish(artifactDir, p); err != nil {
		return storepath.Path{}, digest.Digest{}, 0, pathinfo.ContentAddress{}, err
	}

	return p, narHash, narSize, ca, nil
}

func computeContentAddress(artifactDir string, method pathinfo.CAMethod, narHash digest.Digest) (pathinfo.ContentAddress, error) {
	switch method {
	case pathinfo.CARecursive:
		return pathinfo.ContentAddress{Method: pathinfo.CARecursive, Algorithm: narHash.Algorithm, Hash: narHash}, nil
	case pathinfo.CAFlat:
		entries, err := os.ReadDir(artifactDir)
		if err != nil {
			return pathinfo.ContentAddress{}, err
		}
		if len(entries) != 1 || entries[0].IsDir() {
			return pathinfo.ContentAddress{}, fmt.Errorf("flat content-address requires a single regular file, got %d entries", len(entries))
		}
		f, err := os.Open(filepath.Join(artifactDir, entries[0].Name()))
		if err != nil {
			return pathinfo.ContentAddress{}, err
		}
		defer f.Close()
		h, _, err := digest.HashReader(digest.SHA256, f)
		if err != nil {
			return pathinfo.ContentAddress{}, err
		}
		return pathinfo.ContentAddress{Method: pathinfo.CAFlat, Algorithm: h.Algorithm, Hash: h}, nil
	case pathinfo.CAGit:
		h, err := digest.GitHashTree(artifactDir)
		if err != nil {
			return pathinfo.ContentAddress{}, err
		}
		return pathinfo.ContentAddress{Method: pathinfo.CAGit, Algorithm: h.Algorithm, Hash: h}, nil
	default:
		return pathinfo.ContentAddress{}, fmt.Errorf("unknown content-address method %q", method)
	}
}

// AddFromCache restores the NAR read from r directly at the
// already-known target path p, rather than deriving p from content the
// way AddFromArchive does: a substituted path's location was fixed at
// build time (by the deriving build's output fingerprint, not by the
// substituted content), so the substituter already knows p and this
// just needs to materialize it. Returns the NAR hash/size observed, for
// the caller to check against the narinfo it trusted.
func (s *Store) AddFromCache(ctx context.Context, p storepath.Path, r io.Reader) (digest.Digest, int64, error) {
	staging, err := s.StagingDir()
	if err != nil {
		return digest.Digest{}, 0, err
	}
	artifactDir := filepath.Join(staging, p.Name)

	sink, err := digest.NewHashSink(digest.SHA256)
	if err != nil {
		os.RemoveAll(staging)
		return digest.Digest{}, 0, err
	}
	tee := io.TeeReader(r, sink)

	if err := archive.Restore(artifactDir, tee, false); err != nil {
		os.RemoveAll(staging)
		return digest.Digest{}, 0, err
	}
	narHash, narSize := sink.Finish()

	if err := s.Publish(artifactDir, p); err != nil {
		os.RemoveAll(staging)
		return digest.Digest{}, 0, err
	}
	os.RemoveAll(staging)
	return narHash, narSize, nil
}

// Delete removes a store path's on-disk tree, making it writable first
// since build outputs are canonicalized read-only (spec.md §4.4.4).
func (s *Store) Delete(p storepath.Path) error {
	fsPath := filepath.Join(s.Dir, p.BaseName())
	if err := makeWritableRecursive(fsPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(fsPath)
}

// Dump streams the canonical archive serialization of an already-valid
// store path to w, for substituter uploads or `nix copy`-style
// transfers.
func (s *Store) Dump(p storepath.Path, w io.Writer) error {
	return archive.Dump(filepath.Join(s.Dir, p.BaseName()), w, nil)
}
