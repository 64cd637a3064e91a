package digest

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// git tree-entry mode strings, matching the teacher-adjacent git object
// format's mode constants (src/libutil/git.hh's Mode enum: Directory =
// 040000, Executable = 0100755, Regular = 0100644, Symlink = 0120000).
const (
	gitModeDirectory  = "40000"
	gitModeRegular    = "100644"
	gitModeExecutable = "100755"
	gitModeSymlink    = "120000"
)

// GitHashTree computes the git object hash (sha1, git's blob/tree
// scheme) of the file tree rooted at root, for the "git" content-
// address method of spec.md §3.3's ca field. Unlike the "recursive"
// method, which is simply the NAR hash, this hashes each regular file
// as a standalone git blob object and each directory as a git tree
// object over its entries' own hashes — the same two-pass scheme
// `git hash-object`/`git write-tree` use, grounded on git.hh's Tree/
// TreeEntry layout (directory names sorted with a trailing "/").
func GitHashTree(root string) (Digest, error) {
	h, err := gitHashPath(root)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Algorithm: SHA1, Bytes: h}, nil
}

func gitHashPath(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		return gitHashBlob([]byte(target)), nil
	case info.IsDir():
		return gitHashDir(path)
	default:
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return gitHashBlob(content), nil
	}
}

func gitHashBlob(content []byte) []byte {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(content))
	h.Write(content)
	return h.Sum(nil)
}

type gitTreeEntry struct {
	sortName string
	line     []byte
}

func gitHashDir(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	sorted := make([]gitTreeEntry, 0, len(entries))
	for _, de := range entries {
		childPath := filepath.Join(dir, de.Name())
		info, err := de.Info()
		if err != nil {
			return nil, err
		}

		var mode, sortName string
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			mode, sortName = gitModeSymlink, de.Name()
		case de.IsDir():
			mode, sortName = gitModeDirectory, de.Name()+"/"
		case info.Mode()&0o111 != 0:
			mode, sortName = gitModeExecutable, de.Name()
		default:
			mode, sortName = gitModeRegular, de.Name()
		}

		childHash, err := gitHashPath(childPath)
		if err != nil {
			return nil, err
		}

		line := append([]byte(mode+" "+de.Name()+"\x00"), childHash...)
		sorted = append(sorted, gitTreeEntry{sortName: sortName, line: line})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sortName < sorted[j].sortName })

	var body []byte
	for _, e := range sorted {
		body = append(body, e.line...)
	}

	h := sha1.New()
	fmt.Fprintf(h, "tree %d\x00", len(body))
	h.Write(body)
	return h.Sum(nil), nil
}
