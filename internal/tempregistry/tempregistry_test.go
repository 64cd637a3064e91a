package tempregistry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/store"

func TestHoldAndScanActive(t *testing.T) {
	stateDir := t.TempDir()
	sess, err := Open(stateDir)
	require.NoError(t, err)

	p, err := storepath.New(storeDir, "000000000000000000000000000000a1", "artifact")
	require.NoError(t, err)
	require.NoError(t, sess.Hold(p))

	roots, err := ScanActive(stateDir, storeDir)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, p.String(), roots[0].String())

	require.NoError(t, sess.Release(p))
	roots, err = ScanActive(stateDir, storeDir)
	require.NoError(t, err)
	require.Empty(t, roots)

	require.NoError(t, sess.Close())
}
