// Package digest implements the cryptographic hashing and reference
// scanning component described in spec.md §4.2. HashSink wraps a stream
// with a selectable hash algorithm; Scanner finds embedded store-path
// hash parts in an artifact's bytes.
//
// Grounded on the teacher's digest package (digest/digest.go,
// digest/digester.go): a thin sink wrapping hash.Hash, generalized to
// the extra string forms (base32 with the store's own alphabet, SRI)
// this store's narinfo/store-path format needs beyond the teacher's
// "algo:hex" convention.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/buildstore/buildstore/internal/storepath"
)

// Algorithm names a hash function supported by the store.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("digest: unsupported algorithm %q", a)
	}
}

// ErrBadHash is returned when a digest string fails to parse or its
// length does not match the stated algorithm.
type ErrBadHash struct {
	Input  string
	Reason string
}

func (e *ErrBadHash) Error() string {
	return fmt.Sprintf("bad hash %q: %s", e.Input, e.Reason)
}

// Digest is a parsed (algorithm, raw bytes) pair.
type Digest struct {
	Algorithm Algorithm
	Bytes     []byte
}

// HashSink wraps an io.Writer, accumulating every byte written into a
// running hash of the selected algorithm. It implements io.Writer so it
// can be chained into any streaming pipeline (the archive dumper writes
// through it, per spec.md §4.1).
type HashSink struct {
	algo  Algorithm
	h     hash.Hash
	count int64
}

// NewHashSink returns a HashSink accumulating bytes with algo.
func NewHashSink(algo Algorithm) (*HashSink, error) {
	h, err := algo.new()
	if err != nil {
		return nil, err
	}
	return &HashSink{algo: algo, h: h}, nil
}

func (s *HashSink) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.count += int64(n)
	return n, err
}

// Finish returns the accumulated digest and byte count, per spec.md's
// HashSink.finish() -> (digest, byte-count).
func (s *HashSink) Finish() (Digest, int64) {
	return Digest{Algorithm: s.algo, Bytes: s.h.Sum(nil)}, s.count
}

// HashBytes is a convenience one-shot digest over an in-memory buffer.
func HashBytes(algo Algorithm, p []byte) (Digest, error) {
	sink, err := NewHashSink(algo)
	if err != nil {
		return Digest{}, err
	}
	if _, err := sink.Write(p); err != nil {
		return Digest{}, err
	}
	d, _ := sink.Finish()
	return d, nil
}

// HashReader digests an entire stream, per spec.md's FromReader-style helper.
func HashReader(algo Algorithm, r io.Reader) (Digest, int64, error) {
	sink, err := NewHashSink(algo)
	if err != nil {
		return Digest{}, 0, err
	}
	if _, err := io.Copy(sink, r); err != nil {
		return Digest{}, 0, err
	}
	d, n := sink.Finish()
	return d, n, nil
}

// Base16 renders the digest as lowercase hex.
func (d Digest) Base16() string {
	return hex.EncodeToString(d.Bytes)
}

// Base32 renders the digest using the store's custom alphabet,
// truncating/expanding implicitly by the caller's chosen hash-part
// length semantics (callers needing the 20-byte truncated form should
// pass a pre-truncated Digest).
func (d Digest) Base32() string {
	return storepath.EncodeBase32(d.Bytes)
}

// Base64 renders the digest as standard base64.
func (d Digest) Base64() string {
	return base64.StdEncoding.EncodeToString(d.Bytes)
}

// SRI renders the digest in Subresource-Integrity form: "{algo}-{b64}".
func (d Digest) SRI() string {
	return fmt.Sprintf("%s-%s", d.Algorithm, d.Base64())
}

// String renders the digest as "{algo}:{hex}", the format used in
// narinfo FileHash/NarHash fields (spec.md §4.3).
func (d Digest) String() string {
	return fmt.Sprintf("%s:%s", d.Algorithm, d.Base16())
}

// Parse parses any of the supported textual digest forms — hex, the
// store's base-32, base64, or SRI — given an expected algorithm. This
// matches spec.md §4.2's "parsing tolerates any of these forms given an
// expected length" requirement.
func Parse(algo Algorithm, s string) (Digest, error) {
	h, err := algo.new()
	if err != nil {
		return Digest{}, err
	}
	expectedLen := h.Size()

	if i := strings.Index(s, ":"); i >= 0 && Algorithm(s[:i]) == algo {
		s = s[i+1:]
	}
	if i := strings.Index(s, "-"); i >= 0 && Algorithm(s[:i]) == algo {
		s = s[i+1:]
	}

	if b, err := hex.DecodeString(s); err == nil && len(b) == expectedLen {
		return Digest{Algorithm: algo, Bytes: b}, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == expectedLen {
		return Digest{Algorithm: algo, Bytes: b}, nil
	}
	if len(s) == storepath.HashPartLength && storepath.IsValidBase32(s) {
		b, err := storepath.DecodeBase32(s, expectedLen)
		if err == nil {
			return Digest{Algorithm: algo, Bytes: b}, nil
		}
	}
	return Digest{}, &ErrBadHash{Input: s, Reason: "unrecognized encoding or length mismatch for " + string(algo)}
}
