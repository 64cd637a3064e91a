package archive

import (
	"io"
	"os"
	"path/filepath"
)

// Restore materializes one archive read from r as a real file-system
// tree rooted at dstRoot. dstRoot must not already exist; Restore
// creates it. caseHack controls whether directory entries whose names
// collide only in case are disambiguated with a CaseHackSuffix; without
// it, every entry is created under its own name with no collision check.
// The suffix is only useful when dstRoot lives on a case-insensitive
// filesystem, so it defaults to false everywhere else.
func Restore(dstRoot string, r io.Reader, caseHack bool) error {
	sink := &fsSink{root: dstRoot, caseHack: caseHack}
	return Parse(r, sink)
}

// fsSink implements Sink by writing directly to the real filesystem,
// grounded on the teacher's filesystem storage driver
// (registry/storage/driver/filesystem), which likewise turns a stream
// of writes into real files with an explicit MkdirAll-then-create
// sequence rather than buffering the whole tree in memory.
type fsSink struct {
	root     string
	caseHack bool

	// stack of directory paths currently open, root-relative.
	dirStack []string
	// per-directory case-insensitive name registry, for collision
	// detection when caseHack is enabled.
	seenStack []map[string]int

	curFile *os.File
	curPath string
}

func (s *fsSink) currentDir() string {
	if len(s.dirStack) == 0 {
		return s.root
	}
	return s.dirStack[len(s.dirStack)-1]
}

func (s *fsSink) resolve(name string) (fsPath string, err error) {
	dir := s.currentDir()
	if name == "" {
		return dir, nil
	}
	final := name
	if s.caseHack {
		final, err = s.disambiguate(name)
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, final), nil
}

// disambiguate assigns a distinct on-disk name to name, appending
// CaseHackSuffix+N when an entry that differs only in case already
// exists in the current directory (spec.md §4.1).
func (s *fsSink) disambiguate(name string) (string, error) {
	reg := s.seenStack[len(s.seenStack)-1]
	key := lowerASCII(name)
	n, exists := reg[key]
	if !exists {
		reg[key] = 0
		return name, nil
	}
	reg[key] = n + 1
	return name + CaseHackSuffix + itoa(n+1), nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (s *fsSink) CreateDir(name string) error {
	fsPath, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(fsPath, 0o755); err != nil {
		return err
	}
	s.dirStack = append(s.dirStack, fsPath)
	s.seenStack = append(s.seenStack, make(map[string]int))
	return nil
}

func (s *fsSink) LeaveDir() error {
	s.dirStack = s.dirStack[:len(s.dirStack)-1]
	s.seenStack = s.seenStack[:len(s.seenStack)-1]
	return nil
}

func (s *fsSink) CreateRegular(name string) error {
	fsPath, err := s.resolve(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fsPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.curFile = f
	s.curPath = fsPath
	return nil
}

func (s *fsSink) SetExecutable() error {
	return os.Chmod(s.curPath, 0o755)
}

func (s *fsSink) Preallocate(size int64) error {
	// best-effort; ENOSPC and ENOTSUP are both recoverable by simply
	// writing the bytes, so errors here are not fatal.
	_ = s.curFile.Truncate(size)
	return nil
}

func (s *fsSink) Receive(p []byte) error {
	_, err := s.curFile.Write(p)
	return err
}

func (s *fsSink) CloseRegular() error {
	err := s.curFile.Close()
	s.curFile = nil
	s.curPath = ""
	return err
}

func (s *fsSink) CreateSymlink(name, target string) error {
	fsPath, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.Symlink(target, fsPath)
}
