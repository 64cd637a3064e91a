package pathinfo

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

// Fingerprint renders the canonical string signed and verified for a
// path-info record: "StorePath;NarHash;NarSize;References", with
// References space-separated and sorted (spec.md §4.3).
func (i Info) Fingerprint() string {
	refs := strings.Join(i.SortedReferenceBaseNames(), " ")
	return fmt.Sprintf("%s;%s;%d;%s", i.Path.String(), i.NarHash.String(), i.NarSize, refs)
}

// SigningKey is a named Ed25519 secret key, as loaded from the store's
// configured signing-key files ("{name}:{base64-secret}", one per line).
type SigningKey struct {
	Name   string
	Secret ed25519.PrivateKey
}

// ErrBadKey is returned when a key file line fails to parse.
type ErrBadKey struct {
	Input  string
	Reason string
}

func (e *ErrBadKey) Error() string {
	return fmt.Sprintf("bad signing key %q: %s", e.Input, e.Reason)
}

// ParseSigningKey parses one "{name}:{base64-secret}" line.
func ParseSigningKey(line string) (SigningKey, error) {
	i := strings.Index(line, ":")
	if i < 0 {
		return SigningKey{}, &ErrBadKey{Input: line, Reason: "missing ':' separator"}
	}
	name, b64 := line[:i], line[i+1:]
	if name == "" {
		return SigningKey{}, &ErrBadKey{Input: line, Reason: "empty key name"}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return SigningKey{}, &ErrBadKey{Input: line, Reason: "invalid base64: " + err.Error()}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return SigningKey{}, &ErrBadKey{Input: line, Reason: "wrong secret key length"}
	}
	return SigningKey{Name: name, Secret: ed25519.PrivateKey(raw)}, nil
}

// PublicKey is the verifying half of a SigningKey, as distributed to
// consumers in the trust set.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// ParsePublicKey parses one "{name}:{base64-public}" line.
func ParsePublicKey(line string) (PublicKey, error) {
	i := strings.Index(line, ":")
	if i < 0 {
		return PublicKey{}, &ErrBadKey{Input: line, Reason: "missing ':' separator"}
	}
	name, b64 := line[:i], line[i+1:]
	if name == "" {
		return PublicKey{}, &ErrBadKey{Input: line, Reason: "empty key name"}
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return PublicKey{}, &ErrBadKey{Input: line, Reason: "invalid base64: " + err.Error()}
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, &ErrBadKey{Input: line, Reason: "wrong public key length"}
	}
	return PublicKey{Name: name, Key: ed25519.PublicKey(raw)}, nil
}

// Sign signs i's fingerprint with key, appending the result to i.Sigs
// (idempotently: re-signing with a key i already carries a signature
// from is a no-op).
func (i *Info) Sign(key SigningKey) {
	fp := i.Fingerprint()
	sig := ed25519.Sign(key.Secret, []byte(fp))
	i.AddSignature(Signature{KeyName: key.Name, Signature: sig})
}

// CountValidSignatures returns how many of i.Sigs verify against trust,
// keyed by key name. Unknown key names and malformed signatures are
// silently skipped, per spec.md §4.3's "at least one signature by a key
// in the configured trust set" requirement — callers compare the count
// against zero, not against len(i.Sigs).
func (i Info) CountValidSignatures(trust map[string]ed25519.PublicKey) int {
	fp := []byte(i.Fingerprint())
	n := 0
	for _, s := range i.Sigs {
		pub, ok := trust[s.KeyName]
		if !ok {
			continue
		}
		if ed25519.Verify(pub, fp, s.Signature) {
			n++
		}
	}
	return n
}

// IsTrusted reports whether i satisfies the trust policy: content
// addressed paths are self-authenticating and need no signature;
// ultimate (locally built) paths are authoritative without one either;
// otherwise at least one valid signature from trust is required unless
// requireSigs is false.
func (i Info) IsTrusted(trust map[string]ed25519.PublicKey, requireSigs bool) bool {
	if i.IsContentAddressed() || i.Ultimate || !requireSigs {
		return true
	}
	return i.CountValidSignatures(trust) > 0
}

// EncodeSig renders a Signature as the "{key-name}:{b64}" form used in
// narinfo Sig: lines.
func (s Signature) EncodeSig() string {
	return s.KeyName + ":" + base64.StdEncoding.EncodeToString(s.Signature)
}

// ParseSig parses one narinfo "Sig:" value.
func ParseSig(s string) (Signature, error) {
	i := strings.Index(s, ":")
	if i < 0 {
		return Signature{}, &ErrBadKey{Input: s, Reason: "missing ':' separator"}
	}
	raw, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil {
		return Signature{}, &ErrBadKey{Input: s, Reason: "invalid base64: " + err.Error()}
	}
	return Signature{KeyName: s[:i], Signature: raw}, nil
}
