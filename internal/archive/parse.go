package archive

import (
	"io"
)

// Sink receives the construction events emitted by Parse, per spec.md
// §4.1: CreateDir, CreateRegular, IsExecutable, Preallocate, Receive,
// CloseRegular, CreateSymlink. A Sink drives the actual materialization
// (Restore's Sink writes to the real filesystem; tests may use an
// in-memory Sink).
type Sink interface {
	// CreateDir is called on entering a directory node. name is ""
	// for the archive root.
	CreateDir(name string) error
	// CreateRegular is called on entering a regular-file node.
	CreateRegular(name string) error
	// SetExecutable marks the most recently created regular file
	// executable; called before Receive if the archive's "executable"
	// field was present.
	SetExecutable() error
	// Preallocate hints the final size of the current regular file's
	// contents, before any Receive calls.
	Preallocate(size int64) error
	// Receive is called zero or more times with chunks of the current
	// regular file's contents, in order.
	Receive(p []byte) error
	// CloseRegular finalizes the current regular file.
	CloseRegular() error
	// CreateSymlink is called on entering a symlink node.
	CreateSymlink(name, target string) error
	// LeaveDir is called on leaving a directory node (after all of its
	// entries have been visited).
	LeaveDir() error
}

// copyChunkSize bounds how much of a regular file's contents is read
// into memory per Receive call, keeping Parse's peak memory bounded
// regardless of file size (spec.md §4.1's streaming guarantee).
const copyChunkSize = 64 * 1024

// Parse consumes one archive from r, emitting construction events to sink.
func Parse(r io.Reader, sink Sink) error {
	if _, err := expectStr(r, Magic); err != nil {
		return err
	}
	return parseNode(r, "", sink)
}

func parseNode(r io.Reader, name string, sink Sink) error {
	if _, err := expectStr(r, "("); err != nil {
		return err
	}
	if _, err := expectStr(r, "type"); err != nil {
		return err
	}
	tag, err := expectStr(r, "regular", "directory", "symlink")
	if err != nil {
		return err
	}

	switch tag {
	case "regular":
		if err := parseRegular(r, name, sink); err != nil {
			return err
		}
		return expectClose(r)
	case "directory":
		if err := sink.CreateDir(name); err != nil {
			return err
		}
		// parseDirectory consumes entries and the directory node's own
		// closing ")" itself, since it must read ahead to tell an
		// "entry" token from the close.
		if err := parseDirectory(r, sink); err != nil {
			return err
		}
		return sink.LeaveDir()
	case "symlink":
		if err := parseSymlink(r, name, sink); err != nil {
			return err
		}
		return expectClose(r)
	}
	return nil
}

func expectClose(r io.Reader) error {
	if _, err := expectStr(r, ")"); err != nil {
		return err
	}
	return nil
}

func parseRegular(r io.Reader, name string, sink Sink) error {
	if err := sink.CreateRegular(name); err != nil {
		return err
	}

	tok, err := readToken(r)
	if err != nil {
		return err
	}
	executable := false
	switch string(tok) {
	case "executable":
		executable = true
		if _, err := readToken(r); err != nil { // empty payload
			return err
		}
		tok, err = readToken(r)
		if err != nil {
			return err
		}
	}
	if string(tok) != "contents" {
		return &ErrBadArchive{Reason: "expected \"contents\", got " + quote(string(tok))}
	}
	if executable {
		if err := sink.SetExecutable(); err != nil {
			return err
		}
	}

	if err := parseContents(r, sink); err != nil {
		return err
	}
	return sink.CloseRegular()
}

func parseContents(r io.Reader, sink Sink) error {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := int64(getUint64(lenBuf[:]))
	if n < 0 || n > maxTokenLen {
		return errTokenTooLarge
	}
	if err := sink.Preallocate(n); err != nil {
		return err
	}

	remaining := n
	buf := make([]byte, copyChunkSize)
	for remaining > 0 {
		chunk := int64(len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return err
		}
		if err := sink.Receive(buf[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}

	pad := padToEight(n)
	if pad > 0 {
		var zeros [8]byte
		if _, err := io.ReadFull(r, zeros[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func parseSymlink(r io.Reader, name string, sink Sink) error {
	if _, err := expectStr(r, "target"); err != nil {
		return err
	}
	target, err := readToken(r)
	if err != nil {
		return err
	}
	return sink.CreateSymlink(name, string(target))
}

// parseDirectory reads zero or more "entry" blocks in strictly ascending
// lexicographic order by name, then the directory node's own closing
// ")" — which it consumes itself, since distinguishing an "entry" token
// from the close requires reading one token ahead.
func parseDirectory(r io.Reader, sink Sink) error {
	lastName := ""
	haveLast := false
	for {
		tok, err := readToken(r)
		if err != nil {
			return err
		}
		switch string(tok) {
		case "entry":
			if _, err := expectStr(r, "("); err != nil {
				return err
			}
			if _, err := expectStr(r, "name"); err != nil {
				return err
			}
			nameTok, err := readToken(r)
			if err != nil {
				return err
			}
			name := string(nameTok)
			if err := validateEntryName(name); err != nil {
				return err
			}
			if haveLast && name <= lastName {
				return &ErrBadArchive{Reason: "directory entries out of order: " + quote(name) + " after " + quote(lastName)}
			}
			lastName = name
			haveLast = true

			if _, err := expectStr(r, "node"); err != nil {
				return err
			}
			if err := parseNode(r, name, sink); err != nil {
				return err
			}
			// closes the "entry" "(" opened above, distinct from the
			// node's own parens which parseNode already consumed.
			if err := expectClose(r); err != nil {
				return err
			}
		case ")":
			return nil
		default:
			return &ErrBadArchive{Reason: "expected \"entry\" or \")\", got " + quote(string(tok))}
		}
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func validateEntryName(name string) error {
	if name == "" {
		return &ErrBadArchive{Reason: "empty directory entry name"}
	}
	if name == "." || name == ".." {
		return &ErrBadArchive{Reason: "illegal directory entry name " + quote(name)}
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return &ErrBadArchive{Reason: "directory entry name contains '/' or NUL: " + quote(name)}
		}
	}
	return nil
}
