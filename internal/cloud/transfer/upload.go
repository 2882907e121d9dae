package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strings"

	"github.com/overture-stack/score-int/internal/cloud/channel"
	"github.com/overture-stack/score-int/internal/cloud/state"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/multipart"
	"github.com/overture-stack/score-int/internal/version"
)

// UploadRequest describes one object upload.
type UploadRequest struct {
	ObjectID string
	// Path is the local file to upload
	Path string
	// Overwrite replaces a stored object or a live session
	Overwrite bool
	// MD5 is the optional whole-object checksum recorded by the server
	MD5 string
	// State records completed parts for resume; nil keeps them in memory only
	State state.Store
}

// Upload sends a local file as objectID, resuming a previous session when
// local state and the server agree one exists.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*Result, error) {
	r := o.newRun(ctx, "upload", req.ObjectID)
	if req.ObjectID == "" {
		return r.abort(fmt.Errorf("%w: object id is required", storage.ErrInvalidArgument))
	}
	store := req.State
	if store == nil {
		store = state.NewMemoryStore()
	}

	if o.opts.LockDir != "" {
		lock, err := state.AcquireUploadLock(o.opts.LockDir, req.ObjectID)
		if err != nil {
			return r.abort(storage.Fatal(err))
		}
		defer lock.Release()
	}

	file, err := os.Open(req.Path)
	if err != nil {
		return r.abort(storage.Fatal(fmt.Errorf("failed to open file: %w", err)))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return r.abort(storage.Fatal(fmt.Errorf("failed to stat file: %w", err)))
	}
	size := info.Size()

	// Planning
	spec, skip, err := o.planUpload(ctx, r, store, req, size)
	if err != nil {
		return r.abort(err)
	}
	r.uploadID = spec.UploadID
	key := state.Key{ObjectID: req.ObjectID, UploadID: spec.UploadID}

	pending := make([]models.Part, 0, len(spec.Parts))
	for _, p := range spec.Parts {
		if !skip[p.PartNumber] {
			pending = append(pending, p)
		}
	}
	r.begin(spec.Parts, skip)
	r.logger.Info().
		Str("uploadId", spec.UploadID).
		Int("parts", len(spec.Parts)).
		Int("pending", len(pending)).
		Int("workers", min(o.opts.Workers, max(len(pending), 1))).
		Msg("Uploading")

	// InFlight
	r.transition(StateInFlight)
	src := channel.NewFileSource(file, channel.Options{Mode: o.opts.Mode, Limiter: o.limiter(), Logger: r.logger})
	err = o.runParts(ctx, pending, func(gate context.Context, part models.Part) error {
		return o.attempt(gate, ctx, r, part, func(partCtx context.Context) error {
			return o.uploadPart(partCtx, src, store, key, part)
		})
	})
	if err != nil {
		o.discardIfNotResumable(r, store, key, err)
		return r.abort(err)
	}

	// Finalizing
	r.transition(StateFinalizing)
	if err := o.coord.FinalizeUpload(ctx, req.ObjectID, spec.UploadID); err != nil {
		o.discardIfNotResumable(r, store, key, err)
		return r.abort(fmt.Errorf("failed to finalize upload: %w", err))
	}
	if err := store.Clear(key); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to clear upload state")
	}
	return r.done(), nil
}

// planUpload resumes the recorded session when possible and otherwise opens a
// new one. The returned skip set is the server's completed set.
func (o *Orchestrator) planUpload(ctx context.Context, r *run, store state.Store, req UploadRequest, size int64) (*models.ObjectSpecification, map[int]bool, error) {
	uploadID, found, err := store.Lookup(req.ObjectID)
	if err != nil {
		return nil, nil, storage.Fatal(fmt.Errorf("failed to load upload state: %w", err))
	}

	if found && !req.Overwrite {
		spec, skip, err := o.resumeUpload(ctx, r, store, state.Key{ObjectID: req.ObjectID, UploadID: uploadID}, size)
		if err == nil {
			return spec, skip, nil
		}
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrConflict) {
			return nil, nil, err
		}
		r.logger.Info().Err(err).Str("uploadId", uploadID).Msg("Previous upload session is gone, starting fresh")
	}
	if found {
		if err := store.Clear(state.Key{ObjectID: req.ObjectID, UploadID: uploadID}); err != nil {
			return nil, nil, storage.Fatal(fmt.Errorf("failed to clear upload state: %w", err))
		}
	}

	spec, err := o.coord.InitiateUpload(ctx, req.ObjectID, size, req.Overwrite, req.MD5)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initiate upload: %w", err)
	}
	if err := checkUploadSpec(spec, req.ObjectID, size); err != nil {
		return nil, nil, err
	}
	return spec, map[int]bool{}, nil
}

// resumeUpload reconciles local state with the server's session. Parts the
// server has recorded are recorded locally; parts only known locally are
// forgotten and sent again.
func (o *Orchestrator) resumeUpload(ctx context.Context, r *run, store state.Store, key state.Key, size int64) (*models.ObjectSpecification, map[int]bool, error) {
	if err := o.coord.Recover(ctx, key.ObjectID, size); err != nil {
		return nil, nil, fmt.Errorf("failed to recover upload: %w", err)
	}
	spec, err := o.coord.GetUploadSpecification(ctx, key.ObjectID, key.UploadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch upload specification: %w", err)
	}
	if err := checkUploadSpec(spec, key.ObjectID, size); err != nil {
		return nil, nil, err
	}
	if spec.UploadID != "" && spec.UploadID != key.UploadID {
		return nil, nil, fmt.Errorf("%w: server session %s, local state %s", storage.ErrConflict, spec.UploadID, key.UploadID)
	}

	local, err := store.CompletedParts(key)
	if err != nil {
		return nil, nil, storage.Fatal(fmt.Errorf("failed to load upload state: %w", err))
	}

	skip := make(map[int]bool)
	for _, p := range spec.Parts {
		mine, ok := local[p.PartNumber]
		switch {
		case p.IsCompleted():
			skip[p.PartNumber] = true
			if ok && mine.MD5 == p.MD5 {
				continue
			}
			if ok {
				_ = store.ForgetPart(key, p.PartNumber)
			}
			if err := store.RecordPartDone(key, models.PartCompletion{PartNumber: p.PartNumber, MD5: p.MD5}); err != nil {
				return nil, nil, storage.Fatal(fmt.Errorf("failed to record part %d: %w", p.PartNumber, err))
			}
		case ok:
			r.logger.Debug().Int("part", p.PartNumber).Msg("Part unknown to server, sending again")
			if err := store.ForgetPart(key, p.PartNumber); err != nil {
				return nil, nil, storage.Fatal(fmt.Errorf("failed to forget part %d: %w", p.PartNumber, err))
			}
		}
	}
	r.logger.Info().
		Str("uploadId", key.UploadID).
		Int("completed", len(skip)).
		Int("parts", len(spec.Parts)).
		Msg("Resuming upload")
	return spec, skip, nil
}

func checkUploadSpec(spec *models.ObjectSpecification, objectID string, size int64) error {
	if spec == nil || spec.UploadID == "" {
		return storage.Fatal(fmt.Errorf("server returned no upload session for %s", objectID))
	}
	if spec.ObjectSize != size {
		return storage.Fatal(fmt.Errorf("server planned %d bytes for %s, file has %d", spec.ObjectSize, objectID, size))
	}
	if err := multipart.Validate(spec.Parts, 0, size); err != nil {
		return storage.Fatal(fmt.Errorf("invalid upload specification: %w", err))
	}
	return nil
}

// uploadPart performs one attempt for a part: load its window, stream it to
// the presigned URL, check the returned ETag and record the completion.
func (o *Orchestrator) uploadPart(ctx context.Context, src *channel.FileSource, store state.Store, key state.Key, part models.Part) (err error) {
	ch, err := src.Acquire(ctx, part)
	if err != nil {
		return err
	}
	defer releaseInto(ch, &err)

	etag, err := o.putPart(ctx, ch, part)
	if err != nil {
		return err
	}
	md5 := ch.MD5()
	if isMD5Hex(etag) && !strings.EqualFold(etag, md5) {
		return storage.Retryable(fmt.Errorf("%w: part %d sent md5 %s, store reported %s",
			storage.ErrChecksumMismatch, part.PartNumber, md5, etag))
	}

	if err := o.coord.FinalizeUploadPart(ctx, key.ObjectID, key.UploadID, part.PartNumber, md5, etag); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// the session was cancelled or superseded underneath us
			return storage.NotResumable(err)
		}
		return err
	}
	return store.RecordPartDone(key, models.PartCompletion{PartNumber: part.PartNumber, MD5: md5, ETag: etag})
}

// putPart streams the window to the part URL. The digest is taken from the
// channel once the body has been fully written.
func (o *Orchestrator) putPart(ctx context.Context, ch channel.Channel, part models.Part) (string, error) {
	if part.URL == "" {
		return "", storage.Fatal(fmt.Errorf("part %d has no upload URL", part.PartNumber))
	}

	var (
		body    io.Reader = nethttp.NoBody
		pr      *io.PipeReader
		written = make(chan error, 1)
	)
	if part.PartSize > 0 {
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		body = pr
		go func() {
			_, err := ch.WriteTo(pw)
			pw.CloseWithError(err)
			written <- err
		}()
	} else {
		_, err := ch.WriteTo(io.Discard)
		written <- err
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPut, part.URL, body)
	if err != nil {
		if pr != nil {
			pr.CloseWithError(err)
		}
		<-written
		return "", storage.Fatal(fmt.Errorf("failed to create part request: %w", err))
	}
	req.ContentLength = part.PartSize
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := o.http.Do(req)
	if pr != nil {
		// unblocks the writer if the transport stopped reading early
		pr.CloseWithError(io.ErrClosedPipe)
	}
	werr := <-written
	if err != nil {
		return "", storage.Retryable(fmt.Errorf("part %d upload: %w", part.PartNumber, err))
	}
	defer resp.Body.Close()

	if err := httpx.CheckStatus(resp, readSnippet(resp.Body)); err != nil {
		return "", err
	}
	if werr != nil {
		return "", storage.Retryable(fmt.Errorf("part %d body: %w", part.PartNumber, werr))
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// isMD5Hex reports whether an ETag looks like a plain md5 digest. Multipart
// and encrypted objects use other ETag forms that cannot be compared.
func isMD5Hex(etag string) bool {
	if len(etag) != 32 {
		return false
	}
	for _, c := range etag {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(b))
}

// discardIfNotResumable drops local state and the server session when the
// failure means this session can never be completed.
func (o *Orchestrator) discardIfNotResumable(r *run, store state.Store, key state.Key, err error) {
	if storage.KindOf(err) != storage.KindNotResumable {
		return
	}
	r.logger.Warn().Err(err).Str("uploadId", key.UploadID).Msg("Upload session cannot be resumed, discarding state")
	if cerr := store.Clear(key); cerr != nil {
		r.logger.Warn().Err(cerr).Msg("Failed to clear upload state")
	}
	// Only cancel the server session if it is still ours; a superseding
	// upload from another client must survive.
	bg := context.WithoutCancel(r.ctx)
	if _, serr := o.coord.GetUploadSpecification(bg, key.ObjectID, key.UploadID); serr != nil {
		return
	}
	if cerr := o.coord.CancelUpload(bg, key.ObjectID); cerr != nil && !errors.Is(cerr, storage.ErrNotFound) {
		r.logger.Warn().Err(cerr).Msg("Failed to cancel upload session")
	}
}
