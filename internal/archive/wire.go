package archive

import (
	"encoding/binary"
	"io"
)

// padToEight returns the number of zero padding bytes needed to bring n
// up to the next multiple of 8.
func padToEight(n int64) int64 {
	rem := n % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

// writeToken writes a single length-prefixed token: an 8-byte
// little-endian length followed by the payload, padded with zero bytes
// to the next 8-byte boundary (spec.md §3.2).
func writeToken(w io.Writer, p []byte) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	pad := padToEight(int64(len(p)))
	if pad > 0 {
		var zeros [8]byte
		if _, err := w.Write(zeros[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// writeStr writes a string token.
func writeStr(w io.Writer, s string) error {
	return writeToken(w, []byte(s))
}

// maxTokenLen bounds a single token's declared length to guard against
// corrupt or adversarial input driving an unbounded allocation.
const maxTokenLen = 1 << 34

var errTokenTooLarge = &ErrBadArchive{Reason: "token length exceeds maximum"}

// readToken reads one length-prefixed, zero-padded token from r.
func readToken(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxTokenLen {
		return nil, errTokenTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	pad := padToEight(int64(n))
	if pad > 0 {
		var zeros [8]byte
		if _, err := io.ReadFull(r, zeros[:pad]); err != nil {
			return nil, err
		}
		for _, b := range zeros[:pad] {
			if b != 0 {
				return nil, &ErrBadArchive{Reason: "non-zero padding byte"}
			}
		}
	}
	return buf, nil
}

// expectStr reads a token and expects it to equal one of the given
// candidate strings, returning which one matched.
func expectStr(r io.Reader, candidates ...string) (string, error) {
	tok, err := readToken(r)
	if err != nil {
		return "", err
	}
	s := string(tok)
	for _, c := range candidates {
		if s == c {
			return s, nil
		}
	}
	return "", &ErrBadArchive{Reason: "expected one of " + join(candidates) + ", got " + quote(s)}
}

func join(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += quote(s)
	}
	return out
}

func quote(s string) string {
	return "\"" + s + "\""
}
