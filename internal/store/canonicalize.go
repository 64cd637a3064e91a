package store

import (
	"os"
	"path/filepath"
)

// Canonicalize walks a freshly-built or freshly-restored artifact tree
// and enforces the builder contract of spec.md §4.4.4: outputs are
// stripped of setuid/setgid/world-writable bits and made read-only
// (0555 for directories and executables, 0444 for other files, readable
// by everyone), so two builds of the same derivation can never diverge
// because of ambient permission bits a builder happened to leave set.
func Canonicalize(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		mode := info.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil
		}
		perm := mode.Perm()
		// strip setuid/setgid/sticky and all group/other write bits,
		// and any world-writable bit regardless of owner execute state.
		perm &^= os.ModeSetuid | os.ModeSetgid
		if info.IsDir() {
			return os.Chmod(path, 0o555)
		}
		if perm&0o111 != 0 {
			return os.Chmod(path, 0o555)
		}
		return os.Chmod(path, 0o444)
	})
}

// makeWritableRecursive restores owner-write so a read-only, canonicalized
// tree can be modified or removed (os.RemoveAll otherwise fails to
// descend into read-only directories).
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
			return os.Chmod(path, mode.Perm()|0o700)
		}
		return os.Chmod(path, mode.Perm()|0o200)
	})
}
