package storepath

import (
	"crypto/sha256"
	"fmt"
)

// CompressHash folds an arbitrary-length digest down to size bytes by
// XOR-ing each source byte into output[i % size], matching the
// truncation spec.md §3.1 describes ("20 bytes compressed to 32
// chars"): it keeps every input bit significant instead of simply
// discarding the tail of the digest.
func CompressHash(digest []byte, size int) []byte {
	out := make([]byte, size)
	for i, b := range digest {
		out[i%size] ^= b
	}
	return out
}

// Compute derives the store path for an artifact from its fingerprint
// — a string that uniquely identifies the artifact's content and
// provenance (e.g. "source:sha256:<nar-hash-hex>:<store-dir>:<name>"
// for a plain addition, or a derivation-output fingerprint for a build
// result) — and its human-readable name. The fingerprint is hashed with
// SHA-256, compressed to 20 bytes, and rendered in the custom base-32
// alphabet, so two artifacts with identical content and name collide
// only if their fingerprints are identical by construction.
func Compute(storeDir, fingerprint, name string) (Path, error) {
	sum := sha256.Sum256([]byte(fingerprint))
	hashPart := EncodeBase32(CompressHash(sum[:], 20))
	return New(storeDir, hashPart, name)
}

// SourceFingerprint builds the fingerprint for a plain content
// addition: a NAR of bytes added to the store with no build involved.
func SourceFingerprint(narHashHex, storeDir, name string) string {
	return fmt.Sprintf("source:sha256:%s:%s:%s", narHashHex, storeDir, name)
}

// OutputFingerprint builds the fingerprint for one output of a
// derivation build, keyed by the derivation's own store path (itself
// already content-addressed) and the output name.
func OutputFingerprint(drvPath, outputName, storeDir, name string) string {
	return fmt.Sprintf("output:%s:%s:%s:%s", outputName, drvPath, storeDir, name)
}
