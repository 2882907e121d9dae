package diskspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

func TestCheck(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.bam")

	assert.NoError(t, Check(target, 0))
	assert.NoError(t, Check(target, 1024))

	avail := Available(target)
	if avail == 0 {
		t.Skip("could not determine available space")
	}
	err := Check(target, avail+1<<30)
	require.Error(t, err)

	var se *InsufficientSpaceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, target, se.Path)
	assert.ErrorIs(t, err, storage.ErrInsufficientSpace)
	assert.Equal(t, storage.KindFatal, storage.KindOf(err))
	assert.Contains(t, err.Error(), "insufficient disk space")
}

func TestCheck_UnknownFilesystemPasses(t *testing.T) {
	assert.NoError(t, Check(filepath.Join(t.TempDir(), "missing", "dir", "f"), 1<<40))
}
