package http

import (
	"context"
	"fmt"
	"math"
	nethttp "net/http"
	"time"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/constants"
)

// Policy holds retry parameters for a single part transfer.
//
// Each part gets its own Do call and therefore its own attempt counter.
type Policy struct {
	// MaxAttempts is the number of retries after the first attempt.
	// Negative means retry forever.
	MaxAttempts int
	// InitialInterval is the delay before the first retry
	InitialInterval time.Duration
	// Multiplier is the growth factor between consecutive delays
	Multiplier float64
	// MaxInterval caps every delay
	MaxInterval time.Duration
	// OnRetry is an optional callback invoked before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep waits for d or until ctx is done. Defaults to a timer; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a Policy with the package defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     constants.DefaultRetryNumber,
		InitialInterval: constants.RetryInitialInterval,
		Multiplier:      constants.RetryMultiplier,
		MaxInterval:     constants.RetryMaxInterval,
	}
}

// IsZero reports whether no retry parameter was set.
func (p Policy) IsZero() bool {
	return p.MaxAttempts == 0 && p.InitialInterval == 0 && p.Multiplier == 0 && p.MaxInterval == 0
}

// Unbounded reports whether the policy retries forever.
func (p Policy) Unbounded() bool {
	return p.MaxAttempts < 0
}

// Backoff returns InitialInterval * Multiplier^attempt, capped at MaxInterval.
//
// No jitter is applied: parts retry independently, so consecutive delays
// for one part grow strictly until the cap.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialInterval) * math.Pow(mult, float64(attempt))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds or fails terminally.
//
// Retry strategy:
//   - Retryable errors: sleep Backoff(attempt) and retry while attempt < MaxAttempts
//   - Fatal and NotResumable errors: return immediately without backoff
//   - Context cancellation: checked before each attempt and during backoff
//
// op receives the zero-based attempt number. ctx gates new attempts only;
// op is expected to carry its own context for I/O.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return storage.Fatal(fmt.Errorf("%w: %w", storage.ErrAborted, err))
		}

		err := op(attempt)
		if err == nil {
			return nil
		}

		if storage.KindOf(err) != storage.KindRetryable {
			return err
		}

		if !p.Unbounded() && attempt >= p.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return storage.Fatal(fmt.Errorf("%w while backing off: %w", storage.ErrAborted, err))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusError is returned for a non-2xx response from a presigned URL.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// ClassifyStatus maps an object store response status to a failure kind.
//
// Server errors, throttling and request timeouts are transient. A 403 from a
// presigned URL means the signature expired, which needs a fresh
// specification. Remaining client errors are not retried.
func ClassifyStatus(code int) storage.Kind {
	switch {
	case code >= 500,
		code == nethttp.StatusTooManyRequests,
		code == nethttp.StatusRequestTimeout:
		return storage.KindRetryable
	case code == nethttp.StatusForbidden:
		return storage.KindNotResumable
	default:
		return storage.KindFatal
	}
}

// CheckStatus converts a non-2xx status into a classified error.
func CheckStatus(resp *nethttp.Response, body string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &storage.TransferError{
		Kind: ClassifyStatus(resp.StatusCode),
		Err:  &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body},
	}
}
