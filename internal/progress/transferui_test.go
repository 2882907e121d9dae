package progress

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/models"
)

func newFileUI(t *testing.T, d Direction, total int) (*TransferUI, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return NewTransferUI(d, total, f), path
}

func TestTransferUI_TextOutput(t *testing.T) {
	ui, path := newFileUI(t, Upload, 2)
	assert.False(t, ui.IsTerminal())

	ok := ui.AddObjectBar("obj-1", "/data/run1/a.bam", 2*1024*1024)
	ok.Update(models.TransferProgress{TotalParts: 2, CompletedParts: 1, BytesTransferred: 1024 * 1024})
	ok.Complete(nil)

	failed := ui.AddObjectBar("obj-2", "/data/run1/b.bam", 10)
	failed.SetRetry(3)
	failed.Complete(errors.New("connection reset"))
	ui.Wait()

	assert.Equal(t, 2, ui.Completed())
	out, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "Uploading [1/2]: obj-1 (2.0 MiB) …/run1/a.bam")
	assert.Contains(t, text, "Uploading [2/2]: obj-2")
	assert.Contains(t, text, "✓ obj-1")
	assert.Contains(t, text, "✗ obj-2 …/run1/b.bam: connection reset (after 3 retries)")
}

func TestTransferUI_UpdateIgnoresStaleSnapshots(t *testing.T) {
	ui, _ := newFileUI(t, Download, 1)
	bar := ui.AddObjectBar("obj", "out.bam", 30).(*ObjectBar)

	bar.Update(models.TransferProgress{TotalParts: 3, CompletedParts: 2, BytesTransferred: 20})
	bar.Update(models.TransferProgress{TotalParts: 3, CompletedParts: 1, BytesTransferred: 10})
	assert.Equal(t, "2/3 parts", bar.parts)
	assert.EqualValues(t, 20, bar.lastBytes)
}

func TestTruncatePath(t *testing.T) {
	assert.Equal(t, "…/c/d/file.txt", truncatePath("/a/b/c/d/file.txt", 3))
	assert.Equal(t, "file.txt", truncatePath("dir/file.txt", 2))
}
