// Package pathinfo implements the path-info record of spec.md §3.3: the
// metadata attached to every valid store path, its narinfo textual wire
// form (§4.3/§6.2), and Ed25519 detached signatures over its canonical
// fingerprint.
//
// Grounded on the teacher's manifest descriptor lifecycle
// (registry/storage/manifeststore.go): an immutable content record,
// built once and thereafter only gaining additional signatures,
// persisted through a deterministic textual serialization.
package pathinfo

import (
	"fmt"
	"sort"
	"time"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/storepath"
)

// CompressionMethod names a supported archive compression.
type CompressionMethod string

const (
	CompressionNone   CompressionMethod = "none"
	CompressionXZ     CompressionMethod = "xz"
	CompressionBzip2  CompressionMethod = "bzip2"
	CompressionGzip   CompressionMethod = "gzip"
	CompressionZstd   CompressionMethod = "zstd"
	CompressionBrotli CompressionMethod = "br"
)

// CAMethod names how a content-addressed path's hash was taken over
// its file-system object tree, per spec.md §3.3's `ca` field.
type CAMethod string

const (
	// CAFlat addresses a single regular file by the hash of its raw
	// bytes (no NAR wrapping) — only valid when the artifact is one
	// file, not a directory tree.
	CAFlat CAMethod = "flat"
	// CARecursive addresses a tree by its NAR hash — the same hash
	// already computed for NarHash, so a recursive CA never requires a
	// second hashing pass.
	CARecursive CAMethod = "recursive"
	// CAGit addresses a tree using git's own blob/tree object hashing
	// scheme instead of the NAR format.
	CAGit CAMethod = "git"
)

// ContentAddress describes how a content-addressed path's identity was
// derived, per spec.md §3.3's `ca` field.
type ContentAddress struct {
	Method    CAMethod
	Algorithm digest.Algorithm
	Hash      digest.Digest
}

// String renders the content-address descriptor in the form used by
// both the narinfo CA field and path-for(ca, ...) computation.
func (c ContentAddress) String() string {
	if c.Method == "" {
		return ""
	}
	return string(c.Method) + ":" + c.Hash.String()
}

// IsZero reports whether no content address is set.
func (c ContentAddress) IsZero() bool { return c.Method == "" }

// fingerprintTag returns the "fixed:out:..." fingerprint fragment
// identifying c's method, matching the hashed-mirror store's ca string
// convention ("fixed:[r:]hashtype:hashhex") generalized with a "git:"
// tag for the git method spec.md adds beyond that.
func (c ContentAddress) fingerprintTag() (string, error) {
	switch c.Method {
	case CAFlat:
		return "", nil
	case CARecursive:
		return "r:", nil
	case CAGit:
		return "git:", nil
	default:
		return "", fmt.Errorf("pathinfo: unknown content-address method %q", c.Method)
	}
}

// ComputeStorePath derives the store path spec.md §3.3 requires when
// ca is set: "path equals the canonical store-path-for(ca, name,
// references\{path})". A content-addressed path's references are
// always empty except for a possible self-reference (fixed-output
// derivations never reference other store paths), so no references
// parameter is needed beyond name and storeDir.
func (c ContentAddress) ComputeStorePath(storeDir, name string) (storepath.Path, error) {
	tag, err := c.fingerprintTag()
	if err != nil {
		return storepath.Path{}, err
	}
	fingerprint := fmt.Sprintf("fixed:out:%s%s:%s:%s:%s", tag, c.Algorithm, c.Hash.Base16(), storeDir, name)
	return storepath.Compute(storeDir, fingerprint, name)
}

// Signature is one detached signature over a PathInfo's fingerprint,
// identified by the signing key's name.
type Signature struct {
	KeyName   string
	Signature []byte // raw, not base64-encoded
}

// Info is the in-memory path-info record of spec.md §3.3.
type Info struct {
	Path             storepath.Path
	References       []storepath.Path // MAY include Path itself
	NarHash          digest.Digest
	NarSize          int64
	Deriver          *storepath.Path
	CA               ContentAddress
	Sigs             []Signature
	RegistrationTime time.Time
	Ultimate         bool

	// Cache-borne fields; zero for locally registered paths.
	URL         string
	Compression CompressionMethod
	FileHash    digest.Digest
	FileSize    int64
}

// SortedReferenceBaseNames returns References' base names
// ("{hash-part}-{name}"), sorted ascending — the canonical ordering
// used by both the narinfo References field and the signing
// fingerprint (spec.md §4.3).
func (i Info) SortedReferenceBaseNames() []string {
	out := make([]string, len(i.References))
	for idx, r := range i.References {
		out[idx] = r.BaseName()
	}
	sort.Strings(out)
	return out
}

// IsContentAddressed reports whether i's identity is derived from CA
// rather than from its build inputs.
func (i Info) IsContentAddressed() bool { return !i.CA.IsZero() }

// HasSignatureFrom reports whether i already carries a signature from
// the named key, used to keep Sigs insertion idempotent (spec.md §3.3's
// "monotonic insertion" lifecycle rule).
func (i Info) HasSignatureFrom(keyName string) bool {
	for _, s := range i.Sigs {
		if s.KeyName == keyName {
			return true
		}
	}
	return false
}

// AddSignature appends sig if i does not already carry one from the
// same key; it is a no-op otherwise, preserving idempotent re-signing.
func (i *Info) AddSignature(sig Signature) {
	if i.HasSignatureFrom(sig.KeyName) {
		return
	}
	i.Sigs = append(i.Sigs, sig)
}
