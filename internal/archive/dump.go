package archive

import (
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Filter decides whether a path (relative to the dump root, using "/"
// separators) should be included in the serialized archive.
type Filter func(relPath string) bool

// IncludeAll is the default Filter: every entry is included.
func IncludeAll(string) bool { return true }

// CaseHackSuffix is the marker the restorer appends to a colliding
// directory entry name on case-insensitive filesystems (spec.md §4.1).
const CaseHackSuffix = "~nix~case~hack~"

// Dump streams the canonical serialization of the file-system object
// tree rooted at root into w, skipping any relative path for which
// filter returns false. Regular files are streamed with a bounded
// buffer; directory entries are sorted lexicographically before being
// written, satisfying spec.md §3.2's ordering requirement by
// construction rather than by validation.
//
// Dump is deterministic: repeated invocations over the same input tree
// produce byte-identical output.
func Dump(root string, w io.Writer, filter Filter) error {
	return DumpWithCaseHack(root, w, filter, false)
}

// DumpWithCaseHack is Dump with the case-hack stripping policy of
// spec.md §4.1 made explicit: when caseHack is true, a trailing
// "~nix~case~hack~N" suffix is stripped from each entry name before
// serialization, and a post-strip name collision is reported as
// ErrBadArchive rather than silently serialized.
func DumpWithCaseHack(root string, w io.Writer, filter Filter, caseHack bool) error {
	if filter == nil {
		filter = IncludeAll
	}
	if err := writeStr(w, Magic); err != nil {
		return err
	}
	return dumpNode(root, "", w, filter, caseHack)
}

func dumpNode(fsPath, relPath string, w io.Writer, filter Filter, caseHack bool) error {
	info, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}

	if err := writeStr(w, "("); err != nil {
		return err
	}
	if err := writeStr(w, "type"); err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}
		if err := writeStr(w, "symlink"); err != nil {
			return err
		}
		if err := writeStr(w, "target"); err != nil {
			return err
		}
		if err := writeStr(w, target); err != nil {
			return err
		}
	case info.IsDir():
		if err := writeStr(w, "directory"); err != nil {
			return err
		}
		if err := dumpDirectory(fsPath, relPath, w, filter, caseHack); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := writeStr(w, "regular"); err != nil {
			return err
		}
		if err := dumpRegular(fsPath, info, w); err != nil {
			return err
		}
	default:
		return &ErrUnsupportedFileType{Path: relPath}
	}

	return writeStr(w, ")")
}

func dumpRegular(fsPath string, info os.FileInfo, w io.Writer) error {
	if info.Mode()&0o111 != 0 {
		if err := writeStr(w, "executable"); err != nil {
			return err
		}
		if err := writeStr(w, ""); err != nil {
			return err
		}
	}
	if err := writeStr(w, "contents"); err != nil {
		return err
	}

	f, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	size := info.Size()
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(size))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.CopyN(w, f, size); err != nil && err != io.EOF {
		return err
	}
	pad := padToEight(size)
	if pad > 0 {
		var zeros [8]byte
		if _, err := w.Write(zeros[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func dumpDirectory(fsPath, relPath string, w io.Writer, filter Filter, caseHack bool) error {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return err
	}

	type dirEntry struct{ name, fsName string }
	ents := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if caseHack {
			name = stripCaseHack(name)
		}
		childRel := name
		if relPath != "" {
			childRel = relPath + "/" + name
		}
		if !filter(childRel) {
			continue
		}
		ents = append(ents, dirEntry{name: name, fsName: e.Name()})
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].name < ents[j].name })

	seen := make(map[string]struct{}, len(ents))
	for _, ent := range ents {
		name := ent.name
		if _, dup := seen[name]; dup {
			if caseHack {
				return &ErrBadArchive{Reason: "duplicate directory entry name after case-hack strip: " + name}
			}
			return &ErrBadArchive{Reason: "duplicate directory entry name: " + name}
		}
		seen[name] = struct{}{}

		if err := writeStr(w, "entry"); err != nil {
			return err
		}
		if err := writeStr(w, "("); err != nil {
			return err
		}
		if err := writeStr(w, "name"); err != nil {
			return err
		}
		if err := writeStr(w, name); err != nil {
			return err
		}
		if err := writeStr(w, "node"); err != nil {
			return err
		}

		childFS := filepath.Join(fsPath, ent.fsName)
		childRel := name
		if relPath != "" {
			childRel = relPath + "/" + name
		}
		if err := dumpNode(childFS, childRel, w, filter, caseHack); err != nil {
			return err
		}
		if err := writeStr(w, ")"); err != nil {
			return err
		}
	}
	return nil
}

// stripCaseHack removes a trailing "~nix~case~hack~N" suffix, the
// inverse of the restorer's collision-avoidance renaming.
func stripCaseHack(name string) string {
	idx := lastIndexCaseHack(name)
	if idx < 0 {
		return name
	}
	return name[:idx]
}

func lastIndexCaseHack(name string) int {
	i := len(name) - 1
	for i >= 0 && name[i] >= '0' && name[i] <= '9' {
		i--
	}
	suffixStart := i + 1
	if suffixStart == len(name) {
		// no trailing digits
		if hasSuffixAt(name, len(name), CaseHackSuffix) {
			return len(name) - len(CaseHackSuffix)
		}
		return -1
	}
	if hasSuffixAt(name, suffixStart, CaseHackSuffix) {
		return suffixStart - len(CaseHackSuffix)
	}
	return -1
}

func hasSuffixAt(s string, end int, suffix string) bool {
	start := end - len(suffix)
	if start < 0 {
		return false
	}
	return s[start:end] == suffix
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
