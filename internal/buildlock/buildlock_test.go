package buildlock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildstore/buildstore/internal/storepath"
)

func TestAcquireReportsAlreadyValid(t *testing.T) {
	dir := t.TempDir()
	p, err := storepath.New(dir, "000000000000000000000000000000a1", "artifact")
	require.NoError(t, err)

	l := New(p)
	res, err := l.Acquire(context.Background(), func(storepath.Path) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, res.AlreadyValid)
	require.NoError(t, l.Release())
}

func TestAcquireBlocksConcurrentHolder(t *testing.T) {
	dir := t.TempDir()
	p, err := storepath.New(dir, "000000000000000000000000000000a2", "artifact")
	require.NoError(t, err)

	first := New(p)
	res, err := first.Acquire(context.Background(), func(storepath.Path) (bool, error) { return false, nil })
	require.NoError(t, err)
	require.False(t, res.AlreadyValid)

	second := New(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = second.Acquire(ctx, func(storepath.Path) (bool, error) { return false, nil })
	require.Error(t, err)

	require.NoError(t, first.Release())
}
