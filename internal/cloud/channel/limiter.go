package channel

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

// Limiter bounds the number of windows open at once.
//
// With N workers and a limiter of size N, peak window memory is at most
// N times the part size. A nil *Limiter imposes no bound.
type Limiter struct {
	sem  *semaphore.Weighted
	max  int64
	open atomic.Int64
	peak atomic.Int64
}

// NewLimiter creates a limiter admitting at most n open windows.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), max: int64(n)}
}

func (l *Limiter) acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return storage.Fatal(fmt.Errorf("%w: waiting for a data window: %w", storage.ErrAborted, err))
	}
	open := l.open.Add(1)
	for {
		peak := l.peak.Load()
		if open <= peak || l.peak.CompareAndSwap(peak, open) {
			break
		}
	}
	return nil
}

func (l *Limiter) release() {
	if l == nil {
		return
	}
	l.open.Add(-1)
	l.sem.Release(1)
}

// Max returns the configured bound.
func (l *Limiter) Max() int64 {
	if l == nil {
		return 0
	}
	return l.max
}

// Open returns the number of windows currently open.
func (l *Limiter) Open() int64 {
	if l == nil {
		return 0
	}
	return l.open.Load()
}

// Peak returns the largest number of windows ever open at once.
func (l *Limiter) Peak() int64 {
	if l == nil {
		return 0
	}
	return l.peak.Load()
}
