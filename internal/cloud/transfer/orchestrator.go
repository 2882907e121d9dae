// Package transfer drives resumable, parallel, checksum-verified multipart
// transfers of one object against the transfer server.
//
// Each transfer moves through Planning, InFlight and Finalizing to Done, or
// to Aborted from any of them. Parts are dispatched to a bounded worker pool;
// each part is retried independently under the configured policy, and every
// memory window a worker acquires is released before the transfer returns.
package transfer

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overture-stack/score-int/internal/cloud/channel"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/buffers"
)

// State is the lifecycle stage of one object transfer.
type State int

const (
	StatePlanning State = iota
	StateInFlight
	StateFinalizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePlanning:
		return "Planning"
	case StateInFlight:
		return "InFlight"
	case StateFinalizing:
		return "Finalizing"
	case StateDone:
		return "Done"
	case StateAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Coordinator is the control plane a transfer is driven against.
// *api.Client implements it.
type Coordinator interface {
	InitiateUpload(ctx context.Context, objectID string, fileSize int64, overwrite bool, md5 string) (*models.ObjectSpecification, error)
	GetUploadSpecification(ctx context.Context, objectID, uploadID string) (*models.ObjectSpecification, error)
	FinalizeUploadPart(ctx context.Context, objectID, uploadID string, partNumber int, md5, etag string) error
	FinalizeUpload(ctx context.Context, objectID, uploadID string) error
	Recover(ctx context.Context, objectID string, fileSize int64) error
	CancelUpload(ctx context.Context, objectID string) error
	Download(ctx context.Context, objectID string, offset, length int64, external bool) (*models.ObjectSpecification, error)
}

// ProgressFunc receives a snapshot after every completed part. It is called
// from worker goroutines and must not block.
type ProgressFunc func(models.TransferProgress)

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of parts in flight at once (default 8)
	Workers int
	// Retry governs per-part attempts
	Retry httpx.Policy
	// Mode selects heap or memory-mapped windows
	Mode channel.Mode
	// Limiter bounds open windows across transfers; default is one of size Workers per transfer
	Limiter *channel.Limiter
	// HTTPClient performs part transfers against presigned URLs
	HTTPClient *nethttp.Client
	// PartTimeout bounds a single part attempt (default 10m)
	PartTimeout time.Duration
	// LockDir, when set, holds per-object upload locks
	LockDir  string
	Logger   *logging.Logger
	Progress ProgressFunc
	// OnState observes state transitions
	OnState func(objectID string, s State)
}

// Result summarises a finished transfer.
type Result struct {
	ObjectID string
	UploadID string
	State    State
	// Parts is the number of parts in the plan
	Parts int
	// Skipped parts were already done when the transfer started
	Skipped int
	// Transferred parts were moved by this run
	Transferred int
	// Bytes moved by this run
	Bytes int64
	// Attempts per part number for parts attempted by this run
	Attempts map[int]int
	Elapsed  time.Duration
}

// Orchestrator runs uploads and downloads.
type Orchestrator struct {
	coord  Coordinator
	opts   Options
	http   *nethttp.Client
	logger *logging.Logger
}

// New creates an orchestrator over coord.
func New(coord Coordinator, opts Options) (*Orchestrator, error) {
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = constants.DefaultWorkers
	}
	if opts.Workers > constants.MaxWorkers {
		opts.Workers = constants.MaxWorkers
	}
	if opts.Retry.IsZero() {
		opts.Retry = httpx.DefaultPolicy()
	}
	if opts.PartTimeout <= 0 {
		opts.PartTimeout = constants.PartTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = httpx.CreateOptimizedClient(httpx.ClientOptions{MaxConnsPerHost: opts.Workers})
	}
	return &Orchestrator{
		coord:  coord,
		opts:   opts,
		http:   client,
		logger: logging.OrNop(opts.Logger),
	}, nil
}

// Workers returns the configured pool size.
func (o *Orchestrator) Workers() int {
	return o.opts.Workers
}

func (o *Orchestrator) limiter() *channel.Limiter {
	if o.opts.Limiter != nil {
		return o.opts.Limiter
	}
	return channel.NewLimiter(o.opts.Workers)
}

// run tracks one transfer's state, counters and progress reporting.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	kind     string
	objectID string
	uploadID string
	state    State
	start    time.Time
	logger   *logging.Logger
	timer    *PartTimer

	total     int
	skipped   int
	completed atomic.Int64
	bytes     atomic.Int64
	baseBytes int64

	mu       sync.Mutex
	attempts map[int]int
}

func (o *Orchestrator) newRun(ctx context.Context, kind, objectID string) *run {
	r := &run{
		o:        o,
		ctx:      ctx,
		kind:     kind,
		objectID: objectID,
		state:    StatePlanning,
		start:    time.Now(),
		logger:   o.logger.Child(o.logger.With().Str("objectId", objectID).Str("transfer", kind)),
		attempts: make(map[int]int),
	}
	r.notifyState()
	return r
}

func (r *run) notifyState() {
	if r.o.opts.OnState != nil {
		r.o.opts.OnState(r.objectID, r.state)
	}
}

func (r *run) transition(next State) {
	if r.state.Terminal() {
		return
	}
	r.logger.Debug().Str("from", r.state.String()).Str("to", next.String()).Msg("Transfer state")
	r.state = next
	r.notifyState()
}

func (r *run) recordAttempt(partNumber int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[partNumber]++
	return r.attempts[partNumber]
}

func (r *run) attemptsFor(partNumber int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[partNumber]
}

func (r *run) partDone(p models.Part, d time.Duration) {
	done := r.completed.Add(1)
	moved := r.bytes.Add(p.PartSize)
	r.timer.RecordPart(p.PartNumber, r.attemptsFor(p.PartNumber), d, p.PartSize)
	if r.o.opts.Progress != nil {
		r.o.opts.Progress(models.TransferProgress{
			ObjectID:         r.objectID,
			UploadID:         r.uploadID,
			TotalParts:       r.total,
			CompletedParts:   r.skipped + int(done),
			BytesTransferred: r.baseBytes + moved,
		})
	}
}

// begin reports the resumed position before any part moves.
func (r *run) begin(parts []models.Part, skip map[int]bool) {
	r.total = len(parts)
	for _, p := range parts {
		if skip[p.PartNumber] {
			r.skipped++
			r.baseBytes += p.PartSize
		}
	}
	r.timer = NewPartTimer(r.logger, r.kind+" "+r.objectID, r.total)
	if r.o.opts.Progress != nil {
		r.o.opts.Progress(models.TransferProgress{
			ObjectID:         r.objectID,
			UploadID:         r.uploadID,
			TotalParts:       r.total,
			CompletedParts:   r.skipped,
			BytesTransferred: r.baseBytes,
		})
	}
}

func (r *run) result() *Result {
	r.mu.Lock()
	attempts := make(map[int]int, len(r.attempts))
	for n, a := range r.attempts {
		attempts[n] = a
	}
	r.mu.Unlock()
	return &Result{
		ObjectID:    r.objectID,
		UploadID:    r.uploadID,
		State:       r.state,
		Parts:       r.total,
		Skipped:     r.skipped,
		Transferred: int(r.completed.Load()),
		Bytes:       r.bytes.Load(),
		Attempts:    attempts,
		Elapsed:     time.Since(r.start),
	}
}

// abort moves the run to Aborted and returns err annotated with the advice
// shown to the user.
func (r *run) abort(err error) (*Result, error) {
	r.transition(StateAborted)
	r.logger.Error().Err(err).
		Str("kind", storage.KindOf(err).String()).
		Str("advice", storage.Advice(err)).
		Msg("Transfer aborted")
	return r.result(), err
}

func (r *run) done() *Result {
	r.transition(StateDone)
	if r.timer != nil {
		r.timer.Summary()
	}
	r.logger.Info().
		Int("parts", r.total).
		Int("skipped", r.skipped).
		Int64("bytes", r.bytes.Load()).
		Dur("elapsed", time.Since(r.start)).
		Msg("Transfer complete")
	pool := buffers.GetStats()
	r.logger.Debug().
		Int64("allocations", pool.Allocations).
		Int64("reuses", pool.Reuses).
		Int64("outstanding", pool.Outstanding).
		Msg("Buffer pool")
	return r.result()
}

// partFunc transfers one part. gate is cancelled as soon as any part fails.
type partFunc func(gate context.Context, part models.Part) error

// runParts dispatches parts to the worker pool and returns the first failure.
//
// After a failure no new part or attempt starts, but attempts already on the
// wire finish before runParts returns; only the caller's ctx interrupts I/O.
func (o *Orchestrator) runParts(ctx context.Context, parts []models.Part, fn partFunc) error {
	if len(parts) == 0 {
		return nil
	}

	// stopCtx gates new work; ctx alone governs in-flight I/O
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	workers := min(o.opts.Workers, len(parts))
	jobs := make(chan models.Part, workers*constants.DefaultQueueMultiplier)
	errCh := make(chan error, 1) // First error stops everything

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range jobs {
				if stopCtx.Err() != nil {
					continue // drain
				}
				if err := fn(stopCtx, part); err != nil {
					select {
					case errCh <- err:
					default:
					}
					stop()
				}
			}
		}()
	}

	func() {
		defer close(jobs)
		for _, p := range parts {
			select {
			case jobs <- p:
			case <-stopCtx.Done():
				return
			}
		}
	}()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return storage.Fatal(fmt.Errorf("%w: %w", storage.ErrAborted, err))
	}
	return nil
}

// attempt runs one part under the retry policy. gate stops new attempts;
// each attempt's I/O runs on a context derived from ioCtx.
func (o *Orchestrator) attempt(gate, ioCtx context.Context, r *run, part models.Part, op func(ctx context.Context) error) error {
	policy := o.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn().Err(err).
			Int("part", part.PartNumber).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("kind", storage.KindOf(err).String()).
			Msg("Retrying part")
	}
	if o.opts.Retry.OnRetry != nil {
		outer := o.opts.Retry.OnRetry
		inner := policy.OnRetry
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			inner(attempt, err, delay)
			outer(attempt, err, delay)
		}
	}

	start := time.Now()
	var failures, mismatches int
	err := policy.Do(gate, func(int) error {
		r.recordAttempt(part.PartNumber)
		partCtx, cancel := context.WithTimeout(ioCtx, o.opts.PartTimeout)
		defer cancel()
		err := op(partCtx)
		if err != nil {
			failures++
			if errors.Is(err, storage.ErrChecksumMismatch) {
				mismatches++
			}
		}
		return err
	})
	if err != nil {
		name := r.kind + " part"
		// retries exhausted on a checksum that never matched: the bytes
		// at the source differ from what was planned
		if storage.KindOf(err) == storage.KindRetryable && failures > 1 && mismatches == failures {
			return &storage.TransferError{
				Kind:       storage.KindNotResumable,
				Op:         name,
				ObjectID:   r.objectID,
				PartNumber: part.PartNumber,
				Err:        fmt.Errorf("checksum mismatch persisted: %w", err),
			}
		}
		return storage.WithPart(name, r.objectID, part.PartNumber, err)
	}
	r.partDone(part, time.Since(start))
	return nil
}

// releaseInto releases ch and folds a release failure into *err.
func releaseInto(ch channel.Channel, err *error) {
	if rerr := ch.Release(); rerr != nil && *err == nil {
		*err = rerr
	}
}
