package compress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, method Method) {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(method, &buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("the quick brown fox jumps over the lazy dog"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewReader(method, &buf)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox jumps over the lazy dog", string(data))
}

func TestRoundTripNone(t *testing.T)   { roundTrip(t, None) }
func TestRoundTripGzip(t *testing.T)   { roundTrip(t, Gzip) }
func TestRoundTripXZ(t *testing.T)     { roundTrip(t, XZ) }
func TestRoundTripZstd(t *testing.T)   { roundTrip(t, Zstd) }
func TestRoundTripBrotli(t *testing.T) { roundTrip(t, Brotli) }

func TestBzip2IsDecodeOnly(t *testing.T) {
	_, err := NewWriter(Bzip2, &bytes.Buffer{})
	require.Error(t, err)
	var uerr *ErrUnsupportedMethod
	require.ErrorAs(t, err, &uerr)
}

func TestUnknownMethodRejected(t *testing.T) {
	_, err := NewWriter(Method("lz4"), &bytes.Buffer{})
	require.Error(t, err)
}
