package storepath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndString(t *testing.T) {
	hp := EncodeBase32(make([]byte, 20))
	p, err := New("/store", hp, "hello-1.0")
	require.NoError(t, err)
	require.Equal(t, "/store/"+hp+"-hello-1.0", p.String())
}

func TestParseRoundTrip(t *testing.T) {
	hp := EncodeBase32([]byte("01234567890123456789"))
	full := "/store/" + hp + "-foo"
	p, err := Parse("/store", full)
	require.NoError(t, err)
	require.Equal(t, full, p.String())
}

func TestParseRejectsWrongStoreDir(t *testing.T) {
	hp := EncodeBase32(make([]byte, 20))
	_, err := Parse("/store", "/other/"+hp+"-foo")
	require.Error(t, err)
}

func TestBase32RoundTrip(t *testing.T) {
	digest := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	}
	enc := EncodeBase32(digest)
	require.Len(t, enc, HashPartLength)
	dec, err := DecodeBase32(enc, 20)
	require.NoError(t, err)
	require.Equal(t, digest, dec)
}

func TestLessAndEqual(t *testing.T) {
	a := Path{StoreDir: "/store", HashPart: "aaaa", Name: "x"}
	b := Path{StoreDir: "/store", HashPart: "bbbb", Name: "x"}
	require.True(t, Less(a, b))
	require.False(t, Equal(a, b))
	require.True(t, Equal(a, a))
}
