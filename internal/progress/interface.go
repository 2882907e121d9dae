package progress

import (
	"io"

	"github.com/overture-stack/score-int/internal/models"
)

// ProgressUI tracks a batch of object transfers. One bar is shown per object
// while it is in flight.
type ProgressUI interface {
	// AddObjectBar creates a bar for one object transfer
	AddObjectBar(objectID, localPath string, size int64) ObjectBarHandle

	// Wait blocks until all progress bars complete
	Wait()

	// Writer returns an io.Writer that safely outputs above the progress bars.
	Writer() io.Writer

	// IsTerminal returns true if output is to a terminal (progress bars are active)
	IsTerminal() bool
}

// ObjectBarHandle is a handle to a single object's progress bar.
type ObjectBarHandle interface {
	// Update applies a progress snapshot; it is safe for concurrent use
	Update(p models.TransferProgress)

	// SetRetry updates the retry counter shown next to the bar
	SetRetry(count int)

	// Complete marks the transfer as finished and prints a summary line
	Complete(err error)
}
