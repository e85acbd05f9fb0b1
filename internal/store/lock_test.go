package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

func TestDataLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()

	first, err := NewDataLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second, err := NewDataLock(dir)
	require.NoError(t, err)
	err = second.Acquire()
	require.Error(t, err)
	assert.Equal(t, llcerrors.CodeStoreUnavailable, llcerrors.CodeOf(err))

	// Released locks can be retaken.
	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestDataLockReleaseWithoutAcquire(t *testing.T) {
	l, err := NewDataLock(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, l.Release())
}
