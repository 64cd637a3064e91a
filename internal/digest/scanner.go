package digest

// Scanner implements the streaming reference scanner of spec.md §4.2: it
// is fed an artifact's archive bytes in chunks and reports which
// candidate store-path hash parts occur as contiguous 32-byte
// substrings. A candidate is reported at most once and then removed
// from the live set, matching spec.md's "at-most-once report".
//
// The implementation keeps a tail buffer of the previous chunk's last
// 31 bytes so that a match straddling a chunk boundary is still found,
// and fast-rejects non-alphabet bytes via a 256-entry bitmap before
// doing the expensive substring comparisons.
type Scanner struct {
	candidates map[string]struct{} // live (not yet found) candidates
	found      map[string]struct{}
	tail       []byte // up to windowSize-1 trailing bytes from the previous Write
}

const windowSize = 32

var isAlphabetByte [256]bool

func init() {
	for _, c := range []byte("0123456789abcdfghijklmnpqrsvwxyz") {
		isAlphabetByte[c] = true
	}
}

// NewScanner returns a Scanner that looks for the given candidate
// hash-part strings (each must be windowSize bytes long to be
// considered; shorter/longer candidates are ignored).
func NewScanner(candidates []string) *Scanner {
	s := &Scanner{
		candidates: make(map[string]struct{}, len(candidates)),
		found:      make(map[string]struct{}),
	}
	for _, c := range candidates {
		if len(c) == windowSize {
			s.candidates[c] = struct{}{}
		}
	}
	return s
}

// Write feeds the next chunk of bytes to the scanner. It never returns
// an error; Scanner implements io.Writer so it can be chained into any
// streaming pipeline (e.g. behind the archive dumper).
func (s *Scanner) Write(p []byte) (int, error) {
	if len(s.candidates) == 0 {
		// Nothing left to find; still need to satisfy io.Writer.
		return len(p), nil
	}

	combined := p
	if len(s.tail) > 0 {
		combined = make([]byte, 0, len(s.tail)+len(p))
		combined = append(combined, s.tail...)
		combined = append(combined, p...)
	}

	if len(combined) >= windowSize {
		for i := 0; i+windowSize <= len(combined); i++ {
			s.tryWindow(combined[i : i+windowSize])
			if len(s.candidates) == 0 {
				break
			}
		}
	}

	// Keep the trailing windowSize-1 bytes for the next Write call.
	keep := windowSize - 1
	if len(combined) < keep {
		keep = len(combined)
	}
	s.tail = append(s.tail[:0], combined[len(combined)-keep:]...)

	return len(p), nil
}

func (s *Scanner) tryWindow(w []byte) {
	for _, b := range w {
		if !isAlphabetByte[b] {
			return
		}
	}
	key := string(w)
	if _, ok := s.candidates[key]; ok {
		delete(s.candidates, key)
		s.found[key] = struct{}{}
	}
}

// Found returns the set of candidates located so far, in no particular order.
func (s *Scanner) Found() []string {
	out := make([]string, 0, len(s.found))
	for k := range s.found {
		out = append(out, k)
	}
	return out
}

// Remaining returns the candidates not yet located.
func (s *Scanner) Remaining() []string {
	out := make([]string, 0, len(s.candidates))
	for k := range s.candidates {
		out = append(out, k)
	}
	return out
}

// ScanBytes is a convenience one-shot scan over an in-memory buffer.
func ScanBytes(candidates []string, data []byte) []string {
	s := NewScanner(candidates)
	_, _ = s.Write(data)
	return s.Found()
}

// ZeroOutSelfReferences rewrites every occurrence of selfHashPart in data
// with zero bytes, implementing the "hash modulo" computation of spec.md
// §4.2: a path's self-references are rewritten to zeros before hashing
// so that the content hash is independent of the path's own name.
func ZeroOutSelfReferences(data []byte, selfHashPart string) []byte {
	if len(selfHashPart) != windowSize {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	needle := []byte(selfHashPart)
	for i := 0; i+windowSize <= len(out); i++ {
		match := true
		for j := 0; j < windowSize; j++ {
			if out[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			for j := 0; j < windowSize; j++ {
				out[i+j] = 0
			}
			i += windowSize - 1
		}
	}
	return out
}
