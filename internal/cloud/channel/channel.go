// Package channel moves the bytes of one part between a local file and a
// transport through a fixed-size memory window, hashing them as they pass.
//
// A window is either heap memory taken from the buffer pool or a memory
// mapping of the file region. Either way, Release must be called exactly once
// per acquired channel; the usual pattern is
//
//	ch, err := factory.Acquire(ctx, part)
//	if err != nil {
//		return err
//	}
//	defer ch.Release()
package channel

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
)

// Channel is a memory window over one part.
//
// A Channel is owned by a single worker and is not safe for concurrent use.
type Channel interface {
	// ReadFrom fills the window from r. A source that ends before the window
	// is full fails with ErrTruncatedTransfer (retryable).
	io.ReaderFrom
	// WriteTo drains the whole window to w, hashing exactly the bytes written.
	io.WriterTo
	// Part returns the part this window covers.
	Part() models.Part
	// MD5 returns the hex digest of the bytes most recently moved through the
	// window by ReadFrom or WriteTo.
	MD5() string
	// Reset rewinds the window for a retry of the same part. After Release it
	// fails with ErrChannelReleased (not resumable).
	Reset() error
	// Commit persists a filled window to its backing file region.
	Commit() error
	// Release tears down the window. Further calls are no-ops.
	Release() error
}

// Factory hands out windows for the parts of one object.
type Factory interface {
	Acquire(ctx context.Context, part models.Part) (Channel, error)
}

// Mode selects the window backing.
type Mode int

const (
	// ModeHeap uses pooled heap buffers
	ModeHeap Mode = iota
	// ModeMapped maps the file region directly
	ModeMapped
)

// String returns the configuration name of the mode
func (m Mode) String() string {
	if m == ModeMapped {
		return "mapped"
	}
	return "heap"
}

// ParseMode converts a configuration value to a Mode.
func ParseMode(memoryMapped bool) Mode {
	if memoryMapped {
		return ModeMapped
	}
	return ModeHeap
}

// copyChunk bounds individual writes so that progress and failures surface
// at a finer grain than the whole part.
const copyChunk = 1 << 20

// window holds the state shared by heap and mapped channels.
type window struct {
	part     models.Part
	buf      []byte
	filled   int
	readOnly bool
	digest   string
	released bool

	commit func(buf []byte) error
	free   func() error
	limit  *Limiter
	logger *logging.Logger
}

func (w *window) Part() models.Part {
	return w.part
}

func (w *window) MD5() string {
	return w.digest
}

func (w *window) checkLive(op string) error {
	if w.released {
		return &storage.TransferError{
			Kind:       storage.KindNotResumable,
			Op:         op,
			PartNumber: w.part.PartNumber,
			Err:        storage.ErrChannelReleased,
		}
	}
	return nil
}

func (w *window) ReadFrom(r io.Reader) (int64, error) {
	if err := w.checkLive("read"); err != nil {
		return 0, err
	}
	if w.readOnly {
		return 0, storage.Fatal(fmt.Errorf("part %d: window is read-only", w.part.PartNumber))
	}

	h := md5.New()
	n, err := io.ReadFull(io.TeeReader(r, h), w.buf)
	w.filled = n
	w.digest = ""
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return int64(n), storage.Retryable(fmt.Errorf("%w: part %d read %d of %d bytes",
				storage.ErrTruncatedTransfer, w.part.PartNumber, n, len(w.buf)))
		}
		return int64(n), err
	}
	w.digest = hex.EncodeToString(h.Sum(nil))
	return int64(n), nil
}

func (w *window) WriteTo(dst io.Writer) (int64, error) {
	if err := w.checkLive("write"); err != nil {
		return 0, err
	}
	if w.filled != len(w.buf) {
		return 0, storage.Retryable(fmt.Errorf("%w: part %d window holds %d of %d bytes",
			storage.ErrTruncatedTransfer, w.part.PartNumber, w.filled, len(w.buf)))
	}

	h := md5.New()
	var written int64
	for off := 0; off < len(w.buf); off += copyChunk {
		end := min(off+copyChunk, len(w.buf))
		n, err := dst.Write(w.buf[off:end])
		h.Write(w.buf[off : off+n])
		written += int64(n)
		if err != nil {
			w.digest = ""
			return written, err
		}
		if n < end-off {
			w.digest = ""
			return written, io.ErrShortWrite
		}
	}
	w.digest = hex.EncodeToString(h.Sum(nil))
	return written, nil
}

func (w *window) Reset() error {
	if err := w.checkLive("reset"); err != nil {
		return err
	}
	if !w.readOnly {
		w.filled = 0
	}
	w.digest = ""
	return nil
}

func (w *window) Commit() error {
	if err := w.checkLive("commit"); err != nil {
		return err
	}
	if w.filled != len(w.buf) {
		return storage.Retryable(fmt.Errorf("%w: part %d commit with %d of %d bytes",
			storage.ErrTruncatedTransfer, w.part.PartNumber, w.filled, len(w.buf)))
	}
	if w.commit == nil {
		return nil
	}
	if err := w.commit(w.buf); err != nil {
		return fmt.Errorf("commit part %d: %w", w.part.PartNumber, err)
	}
	return nil
}

func (w *window) Release() error {
	if w.released {
		return nil
	}
	w.released = true
	defer w.limit.release()

	buf := w.buf
	w.buf = nil
	if w.free == nil {
		return nil
	}
	if err := w.free(); err != nil {
		// The window is abandoned rather than leaked; the caller must not retry on it.
		w.logger.Error().Err(err).
			Int("part", w.part.PartNumber).
			Int("bytes", len(buf)).
			Msg("Failed to release data channel window")
		return storage.Fatal(fmt.Errorf("release part %d window: %w", w.part.PartNumber, err))
	}
	return nil
}
