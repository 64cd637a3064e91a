package digest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScannerFindsCandidateAcrossWrites(t *testing.T) {
	candidate := "7f6g3kq2wv01234567890abcdpqrsvwx"
	require.Len(t, candidate, windowSize)

	s := NewScanner([]string{candidate})
	data := []byte("header " + candidate + " trailer")

	// Split mid-candidate to exercise the tail-buffer straddling logic.
	split := len(data) / 2
	n1, err := s.Write(data[:split])
	require.NoError(t, err)
	require.Equal(t, split, n1)
	n2, err := s.Write(data[split:])
	require.NoError(t, err)
	require.Equal(t, len(data)-split, n2)

	require.Equal(t, []string{candidate}, s.Found())
	require.Empty(t, s.Remaining())
}

func TestScannerReportsAtMostOnce(t *testing.T) {
	candidate := "7f6g3kq2wv01234567890abcdpqrsvwx"
	data := []byte(candidate + candidate)
	found := ScanBytes([]string{candidate}, data)
	require.Len(t, found, 1)
}

func TestScannerIgnoresNonAlphabetBytes(t *testing.T) {
	candidate := "7f6g3kq2wv01234567890abcdpqrsvwx"
	data := []byte("XXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX") // wrong bytes, same length
	found := ScanBytes([]string{candidate}, data)
	require.Empty(t, found)
}

func TestZeroOutSelfReferences(t *testing.T) {
	self := "7f6g3kq2wv01234567890abcdpqrsvwx"
	data := []byte("prefix-" + self + "-suffix")
	out := ZeroOutSelfReferences(data, self)
	require.NotContains(t, string(out), self)
	require.Len(t, out, len(data))
}
