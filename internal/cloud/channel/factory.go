package channel

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/buffers"
)

// Options configures a factory.
type Options struct {
	// Mode selects heap or mapped windows
	Mode Mode
	// Limiter bounds open windows; nil means unbounded
	Limiter *Limiter
	// MaxWindow rejects parts larger than this with ErrResourceExhausted (default 5 GB)
	MaxWindow int64
	// Logger receives release failures
	Logger *logging.Logger
}

func (o Options) maxWindow() int64 {
	if o.MaxWindow <= 0 {
		return constants.MaxPartSize
	}
	return o.MaxWindow
}

// FileSource hands out windows already loaded with a part of a local file,
// for uploads.
type FileSource struct {
	file   *os.File
	opts   Options
	logger *logging.Logger
}

// NewFileSource creates a source over an open file.
func NewFileSource(f *os.File, opts Options) *FileSource {
	return &FileSource{file: f, opts: opts, logger: logging.OrNop(opts.Logger)}
}

// Acquire returns a window holding exactly part.PartSize bytes read from the file.
func (s *FileSource) Acquire(ctx context.Context, part models.Part) (Channel, error) {
	w, err := newWindow(ctx, part, s.opts, s.logger)
	if err != nil {
		return nil, err
	}

	if s.opts.Mode == ModeMapped && part.PartSize > 0 {
		if err := mapWindow(w, s.file, false); err == nil {
			w.filled = len(w.buf)
			w.readOnly = true
			return w, nil
		} else if !errorsIsUnsupported(err) {
			w.Release()
			return nil, err
		}
		// fall through to heap when mapping isn't available on this platform
	}

	heapWindow(w)
	if _, err := w.ReadFrom(io.NewSectionReader(s.file, part.Offset, part.PartSize)); err != nil {
		w.Release()
		return nil, err
	}
	return w, nil
}

// FileSink hands out empty windows whose Commit writes into a region of a
// local file, for downloads. The file must already have its final size.
type FileSink struct {
	file   *os.File
	opts   Options
	logger *logging.Logger
}

// NewFileSink creates a sink over a file opened read-write.
func NewFileSink(f *os.File, opts Options) *FileSink {
	return &FileSink{file: f, opts: opts, logger: logging.OrNop(opts.Logger)}
}

// Acquire returns an empty window for part.
func (s *FileSink) Acquire(ctx context.Context, part models.Part) (Channel, error) {
	w, err := newWindow(ctx, part, s.opts, s.logger)
	if err != nil {
		return nil, err
	}

	if s.opts.Mode == ModeMapped && part.PartSize > 0 {
		if err := mapWindow(w, s.file, true); err == nil {
			return w, nil
		} else if !errorsIsUnsupported(err) {
			w.Release()
			return nil, err
		}
	}

	heapWindow(w)
	file := s.file
	offset := part.Offset
	w.commit = func(buf []byte) error {
		_, err := file.WriteAt(buf, offset)
		return err
	}
	return w, nil
}

// newWindow reserves a limiter slot and validates the part size.
func newWindow(ctx context.Context, part models.Part, opts Options, logger *logging.Logger) (*window, error) {
	if part.PartSize < 0 {
		return nil, fmt.Errorf("%w: part %d has negative length", storage.ErrInvalidArgument, part.PartNumber)
	}
	if part.PartSize > opts.maxWindow() {
		return nil, storage.Fatal(fmt.Errorf("%w: part %d needs a %d byte window, limit is %d",
			storage.ErrResourceExhausted, part.PartNumber, part.PartSize, opts.maxWindow()))
	}
	if err := opts.Limiter.acquire(ctx); err != nil {
		return nil, err
	}
	return &window{part: part, limit: opts.Limiter, logger: logger}, nil
}

// heapWindow backs w with a pooled buffer.
func heapWindow(w *window) {
	buf := buffers.GetBuffer(int(w.part.PartSize))
	w.buf = *buf
	w.free = func() error {
		buffers.PutBuffer(buf)
		return nil
	}
}
