package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/overture-stack/score-int/internal/cloud/channel"
	"github.com/overture-stack/score-int/internal/cloud/state"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/diskspace"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/multipart"
	"github.com/overture-stack/score-int/internal/version"
)

// DownloadRequest describes one object download.
type DownloadRequest struct {
	ObjectID string
	// Path is the local destination file
	Path string
	// Offset and Length select a byte range; Length -1 reads to the end
	Offset int64
	Length int64
	// External asks for URLs signed against the public store endpoint
	External bool
	// State records completed parts for resume; nil keeps them in memory only
	State state.Store
}

// rangeKey distinguishes resume state for different destinations and ranges
// of one object. The destination is recorded as an absolute path so parts
// written to one file are never trusted for another.
func (req DownloadRequest) rangeKey() state.Key {
	dest := req.Path
	if abs, err := filepath.Abs(dest); err == nil {
		dest = abs
	}
	if req.Offset == 0 && req.Length < 0 {
		return state.Key{ObjectID: req.ObjectID, UploadID: dest}
	}
	return state.Key{ObjectID: req.ObjectID, UploadID: fmt.Sprintf("%s#range-%d-%d", dest, req.Offset, req.Length)}
}

// Download fetches an object, or a range of it, into a local file. Parts
// already recorded for the same range are not fetched again.
func (o *Orchestrator) Download(ctx context.Context, req DownloadRequest) (*Result, error) {
	r := o.newRun(ctx, "download", req.ObjectID)
	if req.ObjectID == "" || req.Path == "" {
		return r.abort(fmt.Errorf("%w: object id and output path are required", storage.ErrInvalidArgument))
	}
	if req.Length == 0 {
		req.Length = -1
	}
	store := req.State
	if store == nil {
		store = state.NewMemoryStore()
	}
	key := req.rangeKey()

	// Planning
	spec, err := o.coord.Download(ctx, req.ObjectID, req.Offset, req.Length, req.External)
	if err != nil {
		return r.abort(fmt.Errorf("failed to fetch download specification: %w", err))
	}
	base, size := specExtent(spec)
	if err := multipart.Validate(spec.Parts, base, size); err != nil {
		return r.abort(storage.Fatal(fmt.Errorf("invalid download specification: %w", err)))
	}

	file, fresh, err := openDestination(req.Path, size)
	if err != nil {
		return r.abort(err)
	}
	defer file.Close()

	skip, err := o.downloadSkipSet(r, store, key, spec, fresh)
	if err != nil {
		return r.abort(err)
	}

	pending := make([]models.Part, 0, len(spec.Parts))
	for _, p := range spec.Parts {
		if p.PartSize == 0 {
			// sentinel part of an empty object, done on touch
			skip[p.PartNumber] = true
		}
		if !skip[p.PartNumber] {
			pending = append(pending, p)
		}
	}
	r.begin(spec.Parts, skip)
	r.logger.Info().
		Int64("offset", base).
		Int64("size", size).
		Int("parts", len(spec.Parts)).
		Int("pending", len(pending)).
		Int64("diskAvailable", diskspace.Available(req.Path)).
		Msg("Downloading")

	// InFlight
	r.transition(StateInFlight)
	sink := channel.NewFileSink(file, channel.Options{Mode: o.opts.Mode, Limiter: o.limiter(), Logger: r.logger})
	err = o.runParts(ctx, pending, func(gate context.Context, part models.Part) error {
		return o.attempt(gate, ctx, r, part, func(partCtx context.Context) error {
			return o.downloadPart(partCtx, sink, store, key, part, base)
		})
	})
	if err != nil {
		if storage.KindOf(err) == storage.KindNotResumable {
			_ = store.Clear(key)
		}
		return r.abort(err)
	}

	// Finalizing
	r.transition(StateFinalizing)
	if err := file.Sync(); err != nil {
		return r.abort(storage.Fatal(fmt.Errorf("failed to sync %s: %w", req.Path, err)))
	}
	if spec.ObjectMD5 != "" && !spec.Relative {
		sum, err := fileMD5(file)
		if err != nil {
			return r.abort(storage.Fatal(err))
		}
		if !strings.EqualFold(sum, spec.ObjectMD5) {
			_ = store.Clear(key)
			return r.abort(storage.NotResumable(fmt.Errorf("%w: object %s assembled md5 %s, expected %s",
				storage.ErrChecksumMismatch, req.ObjectID, sum, spec.ObjectMD5)))
		}
	}
	if err := store.Clear(key); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to clear download state")
	}
	return r.done(), nil
}

// specExtent returns the absolute byte range a specification covers.
func specExtent(spec *models.ObjectSpecification) (base, size int64) {
	if len(spec.Parts) == 0 {
		return 0, spec.ObjectSize
	}
	base = spec.Parts[0].Offset
	last := spec.Parts[len(spec.Parts)-1]
	return base, last.End() - base
}

// openDestination opens or creates the output file at its final size. fresh
// is set when existing content cannot be reused.
func openDestination(path string, size int64) (*os.File, bool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, false, storage.Fatal(fmt.Errorf("failed to create output directory: %w", err))
		}
	}

	fresh := true
	var existing int64
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		existing = info.Size()
		fresh = existing != size
	}
	if err := diskspace.Check(path, size-existing); err != nil {
		return nil, false, storage.Fatal(err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, storage.Fatal(fmt.Errorf("failed to open output file: %w", err))
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, false, storage.Fatal(fmt.Errorf("failed to size output file: %w", err))
	}
	return file, fresh, nil
}

// downloadSkipSet returns parts recorded for this range whose checksum still
// matches the specification. Any other recorded state is dropped.
func (o *Orchestrator) downloadSkipSet(r *run, store state.Store, key state.Key, spec *models.ObjectSpecification, fresh bool) (map[int]bool, error) {
	skip := make(map[int]bool)

	recorded, found, err := store.Lookup(key.ObjectID)
	if err != nil {
		return nil, storage.Fatal(fmt.Errorf("failed to load download state: %w", err))
	}
	if !found {
		return skip, nil
	}
	stale := state.Key{ObjectID: key.ObjectID, UploadID: recorded}
	if fresh || recorded != key.UploadID {
		if err := store.Clear(stale); err != nil {
			return nil, storage.Fatal(fmt.Errorf("failed to clear download state: %w", err))
		}
		return skip, nil
	}

	done, err := store.CompletedParts(key)
	if err != nil {
		return nil, storage.Fatal(fmt.Errorf("failed to load download state: %w", err))
	}
	for _, p := range spec.Parts {
		c, ok := done[p.PartNumber]
		if !ok {
			continue
		}
		if p.SourceMD5 != "" && !strings.EqualFold(c.MD5, p.SourceMD5) {
			_ = store.ForgetPart(key, p.PartNumber)
			continue
		}
		skip[p.PartNumber] = true
	}
	if len(skip) > 0 {
		r.logger.Info().Int("completed", len(skip)).Int("parts", len(spec.Parts)).Msg("Resuming download")
	}
	return skip, nil
}

// downloadPart performs one attempt for a part: fetch its range into a
// window, verify it against the source checksum and commit it to the file.
// base is subtracted from part offsets when placing bytes in the file.
func (o *Orchestrator) downloadPart(ctx context.Context, sink *channel.FileSink, store state.Store, key state.Key, part models.Part, base int64) (err error) {
	if part.URL == "" {
		return storage.Fatal(fmt.Errorf("part %d has no download URL", part.PartNumber))
	}

	local := part
	local.Offset -= base
	ch, err := sink.Acquire(ctx, local)
	if err != nil {
		return err
	}
	defer releaseInto(ch, &err)

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, part.URL, nil)
	if err != nil {
		return storage.Fatal(fmt.Errorf("failed to create part request: %w", err))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", part.Offset, part.End()-1))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.http.Do(req)
	if err != nil {
		return storage.Retryable(fmt.Errorf("part %d download: %w", part.PartNumber, err))
	}
	defer resp.Body.Close()

	if err := httpx.CheckStatus(resp, ""); err != nil {
		return err
	}
	if resp.StatusCode == nethttp.StatusOK && part.Offset != 0 {
		return storage.Fatal(fmt.Errorf("part %d: object store ignored the range request", part.PartNumber))
	}

	if _, err := ch.ReadFrom(resp.Body); err != nil {
		return err
	}
	md5 := ch.MD5()
	if part.SourceMD5 != "" && !strings.EqualFold(md5, part.SourceMD5) {
		return storage.Retryable(fmt.Errorf("%w: part %d received md5 %s, expected %s",
			storage.ErrChecksumMismatch, part.PartNumber, md5, part.SourceMD5))
	}
	if err := ch.Commit(); err != nil {
		return err
	}
	return store.RecordPartDone(key, models.PartCompletion{PartNumber: part.PartNumber, MD5: md5})
}

func fileMD5(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", f.Name(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
