//go:build unix

package channel

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

// mapWindow backs w with a shared mapping of its part's file region.
// Mappings must start on a page boundary, so the region is widened to the
// enclosing page and the window is sliced out of it.
func mapWindow(w *window, f *os.File, writable bool) error {
	pageSize := int64(os.Getpagesize())
	aligned := w.part.Offset - w.part.Offset%pageSize
	delta := w.part.Offset - aligned

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	mapping, err := unix.Mmap(int(f.Fd()), aligned, int(w.part.PartSize+delta), prot, unix.MAP_SHARED)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return storage.Fatal(fmt.Errorf("%w: map part %d: %w", storage.ErrResourceExhausted, w.part.PartNumber, err))
		}
		return fmt.Errorf("map part %d: %w", w.part.PartNumber, err)
	}

	w.buf = mapping[delta : delta+w.part.PartSize]
	if writable {
		w.commit = func([]byte) error {
			return unix.Msync(mapping, unix.MS_SYNC)
		}
	}
	w.free = func() error {
		return unix.Munmap(mapping)
	}
	return nil
}

func errorsIsUnsupported(error) bool {
	return false
}
