package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAbsolutePath(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	t.Run("existing file", func(t *testing.T) {
		f := filepath.Join(dir, "a.bam")
		require.NoError(t, os.WriteFile(f, nil, 0644))
		got, err := ResolveAbsolutePath(f)
		require.NoError(t, err)
		assert.Equal(t, f, got)
	})

	t.Run("missing components are kept", func(t *testing.T) {
		got, err := ResolveAbsolutePath(filepath.Join(dir, "out", "b.bam"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "out", "b.bam"), got)
	})

	t.Run("home expansion", func(t *testing.T) {
		t.Setenv("HOME", dir)
		t.Setenv("USERPROFILE", dir)
		got, err := ResolveAbsolutePath("~/c.bam")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "c.bam"), got)
	})

	t.Run("symlinked directory", func(t *testing.T) {
		real := filepath.Join(dir, "real")
		require.NoError(t, os.Mkdir(real, 0755))
		link := filepath.Join(dir, "link")
		if err := os.Symlink(real, link); err != nil {
			t.Skip("symlinks unsupported")
		}
		got, err := ResolveAbsolutePath(filepath.Join(link, "new.bam"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(real, "new.bam"), got)
	})
}
