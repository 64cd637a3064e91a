package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytesKnownVector(t *testing.T) {
	d, err := HashBytes(SHA256, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.Base16())
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	want, err := HashBytes(SHA256, []byte("streamed content"))
	require.NoError(t, err)

	got, n, err := HashReader(SHA256, strings.NewReader("streamed content"))
	require.NoError(t, err)
	require.Equal(t, int64(len("streamed content")), n)
	require.Equal(t, want.Base16(), got.Base16())
}

func TestDigestSRIRoundTrip(t *testing.T) {
	d, err := HashBytes(SHA256, []byte("artifact bytes"))
	require.NoError(t, err)

	sri := d.SRI()
	require.True(t, strings.HasPrefix(sri, "sha256-"))

	parsed, err := Parse(SHA256, sri)
	require.NoError(t, err)
	require.Equal(t, d.Bytes, parsed.Bytes)
}

func TestDigestParseHex(t *testing.T) {
	d, err := HashBytes(SHA256, []byte("x"))
	require.NoError(t, err)

	parsed, err := Parse(SHA256, "sha256:"+d.Base16())
	require.NoError(t, err)
	require.Equal(t, d.Bytes, parsed.Bytes)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := Parse(SHA256, "deadbeef")
	require.Error(t, err)
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewHashSink(Algorithm("sha3"))
	require.Error(t, err)
}
