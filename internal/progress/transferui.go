package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/overture-stack/score-int/internal/models"
)

// Direction labels the transfers a TransferUI shows.
type Direction string

const (
	Upload   Direction = "Uploading"
	Download Direction = "Downloading"
)

// TransferUI manages concurrent per-object progress bars using mpb.
type TransferUI struct {
	direction  Direction
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	total      int
	started    int32 // Atomic counter for object index (1, 2, 3, ...)
	completed  int32
}

// ObjectBar is the progress bar of one object transfer.
type ObjectBar struct {
	bar       *mpb.Bar
	ui        *TransferUI
	index     int
	objectID  string
	localPath string
	size      int64
	retries   int32
	startTime time.Time

	mu         sync.Mutex
	lastUpdate time.Time
	lastBytes  int64
	parts      string
	seen       bool
}

// NewTransferUI creates a UI for totalObjects transfers rendering to out.
// Bars are drawn only when out is a terminal; otherwise one line is printed
// per object when it starts and when it finishes.
func NewTransferUI(direction Direction, totalObjects int, out *os.File) *TransferUI {
	if out == nil {
		out = os.Stderr
	}
	isTerminal := term.IsTerminal(int(out.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableANSI(out)
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond), // ~3 times per second
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TransferUI{
		direction:  direction,
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		total:      totalObjects,
	}
}

// AddObjectBar creates a new progress bar for an object transfer.
func (u *TransferUI) AddObjectBar(objectID, localPath string, size int64) ObjectBarHandle {
	index := int(atomic.AddInt32(&u.started, 1))
	now := time.Now()
	ob := &ObjectBar{
		ui:         u,
		index:      index,
		objectID:   objectID,
		localPath:  localPath,
		size:       size,
		startTime:  now,
		lastUpdate: now,
	}

	if !u.isTerminal {
		fmt.Fprintf(u.out, "%s [%d/%d]: %s (%s) %s\n",
			u.direction, index, u.total, objectID, formatMiB(size), truncatePath(localPath, 2))
		return ob
	}

	ob.bar = u.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				ob.mu.Lock()
				parts := ob.parts
				ob.mu.Unlock()
				label := fmt.Sprintf("[%d/%d] %s %s", ob.index, u.total, objectID, parts)
				if retries := atomic.LoadInt32(&ob.retries); retries > 0 {
					return fmt.Sprintf("%s (retry %d)", label, retries)
				}
				return label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
			decor.Name("  "),
			decor.Name("ETA ", decor.WCSyncWidth),
			decor.EwmaETA(decor.ET_STYLE_GO, 30),
		),
		mpb.BarRemoveOnComplete(),
	)
	return ob
}

// Update moves the bar to the snapshot's byte count. Snapshots from
// concurrent workers may arrive out of order; older ones are ignored.
func (b *ObjectBar) Update(p models.TransferProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.BytesTransferred < b.lastBytes {
		return
	}
	b.parts = fmt.Sprintf("%d/%d parts", p.CompletedParts, p.TotalParts)
	now := time.Now()
	if b.bar != nil {
		if !b.seen {
			// first snapshot carries the resumed position, not throughput
			b.bar.SetCurrent(p.BytesTransferred)
		} else {
			b.bar.EwmaSetCurrent(p.BytesTransferred, now.Sub(b.lastUpdate))
		}
	}
	b.seen = true
	b.lastBytes = p.BytesTransferred
	b.lastUpdate = now
}

// SetRetry updates the retry counter and visually marks the bar.
func (b *ObjectBar) SetRetry(count int) {
	atomic.StoreInt32(&b.retries, int32(count))
	if b.bar != nil && count > 0 {
		b.mu.Lock()
		refill := b.lastBytes
		b.mu.Unlock()
		b.bar.SetRefill(refill)
	}
}

// Complete finishes the bar and prints a one-line summary.
func (b *ObjectBar) Complete(err error) {
	elapsed := time.Since(b.startTime)

	var msg string
	if err == nil {
		if b.bar != nil {
			b.bar.SetCurrent(b.size)
			b.bar.SetTotal(b.size, true)
		}
		speed := 0.0
		if elapsed > 0 {
			speed = float64(b.size) / elapsed.Seconds() / (1024 * 1024)
		}
		msg = fmt.Sprintf("✓ %s %s (%s, %s, %.1f MiB/s)\n",
			b.objectID, truncatePath(b.localPath, 2), formatMiB(b.size), elapsed.Round(time.Second), speed)
	} else {
		if b.bar != nil {
			b.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s %s: %v (after %d retries)\n",
			b.objectID, truncatePath(b.localPath, 2), err, atomic.LoadInt32(&b.retries))
	}
	_, _ = io.WriteString(b.ui.Writer(), msg)
	atomic.AddInt32(&b.ui.completed, 1)
}

// Completed returns how many objects have finished.
func (u *TransferUI) Completed() int {
	return int(atomic.LoadInt32(&u.completed))
}

// Wait blocks until all progress bars complete.
func (u *TransferUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that safely prints above the progress bars.
func (u *TransferUI) Writer() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return u.out
}

// IsTerminal returns true if output is to a terminal (progress bars are active).
func (u *TransferUI) IsTerminal() bool {
	return u.isTerminal
}

func formatMiB(size int64) string {
	return fmt.Sprintf("%.1f MiB", float64(size)/(1024*1024))
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}
