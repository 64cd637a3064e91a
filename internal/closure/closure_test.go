package closure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/storepath"
)

const storeDir = "/store"

func mustPath(t *testing.T, hashPart, name string) storepath.Path {
	t.Helper()
	p, err := storepath.New(storeDir, hashPart, name)
	require.NoError(t, err)
	return p
}

func TestComputeFollowsTransitiveReferences(t *testing.T) {
	a := mustPath(t, "000000000000000000000000000000a1", "a")
	b := mustPath(t, "000000000000000000000000000000a2", "b")
	c := mustPath(t, "000000000000000000000000000000a3", "c")

	graph := map[string][]storepath.Path{
		a.String(): {b},
		b.String(): {c},
		c.String(): {},
	}
	refsOf := func(p storepath.Path) ([]storepath.Path, error) {
		return graph[p.String()], nil
	}

	result, err := Compute(context.Background(), []storepath.Path{a}, refsOf, 2)
	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Contains(t, result, a.String())
	require.Contains(t, result, b.String())
	require.Contains(t, result, c.String())
}

func TestComputeHandlesSelfReferenceWithoutLooping(t *testing.T) {
	a := mustPath(t, "000000000000000000000000000000b1", "a")
	refsOf := func(p storepath.Path) ([]storepath.Path, error) {
		return []storepath.Path{a}, nil
	}

	result, err := Compute(context.Background(), []storepath.Path{a}, refsOf, 4)
	require.NoError(t, err)
	require.Len(t, result, 1)
}

func TestComputePropagatesFetchErrors(t *testing.T) {
	a := mustPath(t, "000000000000000000000000000000c1", "a")
	refsOf := func(p storepath.Path) ([]storepath.Path, error) {
		return nil, errBoom{}
	}
	_, err := Compute(context.Background(), []storepath.Path{a}, refsOf, 1)
	require.Error(t, err)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
