// Package tempregistry implements the transient GC roots of spec.md
// §3.7: per-process "temp-roots" files recording store paths a live
// client session is holding open, advisory-locked for the life of the
// session. ScanActive tells a dead session's roots from a live one's by
// checking whether the pid that names the file still exists; it does
// not consult the lock.
//
// Grounded on the teacher's upload-session bookkeeping
// (registry/storage/layerupload.go's claim-a-path-for-the-life-of-a-
// session pattern) adapted from blob uploads to GC liveness roots.
package tempregistry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/buildstore/buildstore/internal/storepath"
)

// Session holds a flock'd temp-roots file for the calling process,
// recording store paths that must survive GC for as long as this
// process runs.
type Session struct {
	mu   sync.Mutex
	path string
	file *os.File
	lock *flock.Flock
	held map[string]struct{}
}

// Open creates (or reopens) the temp-roots file for the current process
// under stateDir/temproots/{pid}, per spec.md §6.5.
func Open(stateDir string) (*Session, error) {
	dir := filepath.Join(stateDir, "temproots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, strconv.Itoa(os.Getpid()))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		f.Close()
		return nil, err
	}

	return &Session{path: path, file: f, lock: lock, held: make(map[string]struct{})}, nil
}

// Hold records path as a transient root for the life of this session.
func (s *Session) Hold(path storepath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path.String()
	if _, ok := s.held[key]; ok {
		return nil
	}
	s.held[key] = struct{}{}
	return s.rewriteLocked()
}

// Release forgets path; it is no longer protected by this session.
func (s *Session) Release(path storepath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, path.String())
	return s.rewriteLocked()
}

func (s *Session) rewriteLocked() error {
	var b strings.Builder
	for p := range s.held {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if _, err := s.file.WriteAt([]byte(b.String()), 0); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close releases the lock and removes the temp-roots file if it holds
// nothing, matching a clean session exit.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := len(s.held) == 0
	if err := s.lock.Unlock(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	if empty {
		_ = os.Remove(s.path)
	}
	return nil
}

// ScanActive reads every temp-roots file under stateDir/temproots and
// returns the union of held store paths, but only for files whose
// owning pid still exists — spec.md §4.5's "verifying the owning
// process still exists" liveness rule. storeDir roots the parsed paths.
func ScanActive(stateDir, storeDir string) ([]storepath.Path, error) {
	dir := filepath.Join(stateDir, "temproots")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []storepath.Path
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if !processAlive(pid) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			p, err := storepath.Parse(storeDir, line)
			if err != nil {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// processAlive reports whether pid names a running process. On POSIX
// systems FindProcess always succeeds, so liveness is determined by
// sending signal 0, which fails with ESRCH for a dead pid without
// actually signaling it.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
