package pathinfo

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/digest"
	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/store"

func mustPath(t *testing.T, hashPart, name string) storepath.Path {
	t.Helper()
	p, err := storepath.New(storeDir, hashPart, name)
	require.NoError(t, err)
	return p
}

func sampleInfo(t *testing.T) Info {
	t.Helper()
	narHash, err := digest.HashBytes(digest.SHA256, []byte("contents"))
	require.NoError(t, err)

	ref1 := mustPath(t, "000000000000000000000000000000a1", "dep-one")
	ref2 := mustPath(t, "000000000000000000000000000000a2", "dep-two")

	return Info{
		Path:       mustPath(t, "000000000000000000000000000000b0", "artifact"),
		References: []storepath.Path{ref2, ref1},
		NarHash:    narHash,
		NarSize:    1234,
	}
}

func TestFingerprintIsOrderIndependentOfInsertion(t *testing.T) {
	info := sampleInfo(t)
	fp := info.Fingerprint()
	require.Contains(t, fp, "dep-one")
	require.Contains(t, fp, "dep-two")
	// sorted basenames means dep-one (hash ...a1) precedes dep-two (...a2)
	require.Less(t, indexOf(fp, "dep-one"), indexOf(fp, "dep-two"))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestSignAndVerify(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	info := sampleInfo(t)
	info.Sign(SigningKey{Name: "cache.example.org-1", Secret: sec})
	require.Len(t, info.Sigs, 1)

	trust := map[string]ed25519.PublicKey{"cache.example.org-1": pub}
	require.Equal(t, 1, info.CountValidSignatures(trust))
	require.True(t, info.IsTrusted(trust, true))
}

func TestSignIsIdempotentPerKey(t *testing.T) {
	_, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := SigningKey{Name: "k1", Secret: sec}

	info := sampleInfo(t)
	info.Sign(key)
	info.Sign(key)
	require.Len(t, info.Sigs, 1)
}

func TestUntrustedWithoutSignature(t *testing.T) {
	info := sampleInfo(t)
	require.False(t, info.IsTrusted(nil, true))
	require.True(t, info.IsTrusted(nil, false))
}

func TestContentAddressedIsSelfAuthenticating(t *testing.T) {
	info := sampleInfo(t)
	info.CA = ContentAddress{Method: "recursive", Algorithm: digest.SHA256, Hash: info.NarHash}
	require.True(t, info.IsTrusted(nil, true))
}

func TestNarinfoRoundTrip(t *testing.T) {
	info := sampleInfo(t)
	info.URL = "nar/abc123.nar.xz"
	info.Compression = CompressionXZ
	fileHash, err := digest.HashBytes(digest.SHA256, []byte("compressed"))
	require.NoError(t, err)
	info.FileHash = fileHash
	info.FileSize = 42
	deriver := mustPath(t, "000000000000000000000000000000d0", "artifact.drv")
	info.Deriver = &deriver

	_, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	info.Sign(SigningKey{Name: "k1", Secret: sec})

	var buf bytes.Buffer
	require.NoError(t, WriteNarinfo(&buf, info))

	parsed, err := ParseNarinfo(storeDir, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, info.Path, parsed.Path)
	require.Equal(t, info.NarHash.Bytes, parsed.NarHash.Bytes)
	require.Equal(t, info.NarSize, parsed.NarSize)
	require.Equal(t, info.SortedReferenceBaseNames(), parsed.SortedReferenceBaseNames())
	require.Equal(t, info.Deriver.BaseName(), parsed.Deriver.BaseName())
	require.Len(t, parsed.Sigs, 1)
	require.Equal(t, info.Sigs[0].EncodeSig(), parsed.Sigs[0].EncodeSig())
}

func TestNarinfoWritingIsDeterministic(t *testing.T) {
	info := sampleInfo(t)
	var a, b bytes.Buffer
	require.NoError(t, WriteNarinfo(&a, info))
	require.NoError(t, WriteNarinfo(&b, info))
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestParseNarinfoIgnoresUnknownKeys(t *testing.T) {
	info := sampleInfo(t)
	var buf bytes.Buffer
	require.NoError(t, WriteNarinfo(&buf, info))
	buf.WriteString("X-Custom-Extension: whatever\n")

	_, err := ParseNarinfo(storeDir, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
}

func TestParseSigningKeyRejectsWrongLength(t *testing.T) {
	_, err := ParseSigningKey("name:" + base64.StdEncoding.EncodeToString([]byte("too short")))
	require.Error(t, err)
}
