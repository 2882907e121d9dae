package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Pool provides reusable part-sized byte buffers for heap-backed data
// channels. Parts of one object share a size (only the last part is shorter),
// so pools are keyed by exact length.

// Pool monitoring counters
var (
	allocations int64 // Total buffer allocations (new creates)
	reuses      int64 // Total buffer reuses from a pool
	outstanding int64 // Buffers handed out and not yet returned
)

// pools maps a buffer length to its *sync.Pool
var pools sync.Map

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{})
	return p.(*sync.Pool)
}

// GetBuffer retrieves a buffer of exactly size bytes.
// The buffer must be returned with PutBuffer when done.
//
// Usage:
//
//	buf := buffers.GetBuffer(int(part.PartSize))
//	defer buffers.PutBuffer(buf)
//	n, err := io.ReadFull(src, *buf)
func GetBuffer(size int) *[]byte {
	atomic.AddInt64(&outstanding, 1)
	if size <= 0 {
		empty := make([]byte, 0)
		return &empty
	}

	if v := poolFor(size).Get(); v != nil {
		atomic.AddInt64(&reuses, 1)
		return v.(*[]byte)
	}

	allocs := atomic.AddInt64(&allocations, 1)
	// Log every 10th allocation to avoid spam during heavy use
	if allocs%10 == 0 {
		r := atomic.LoadInt64(&reuses)
		log.Debug().
			Int64("allocations", allocs).
			Int64("reuses", r).
			Msgf("Buffer pool: %.1f%% reuse rate", float64(r)/float64(allocs+r)*100)
	}
	buf := make([]byte, size)
	return &buf
}

// PutBuffer returns a buffer to the pool for reuse.
// The buffer should not be used after calling this function.
// The buffer is cleared before being pooled so part data never leaks into
// another transfer.
func PutBuffer(buf *[]byte) {
	if buf == nil {
		return
	}
	atomic.AddInt64(&outstanding, -1)
	if len(*buf) == 0 {
		return
	}
	clear(*buf)
	poolFor(len(*buf)).Put(buf)
}

// Stats returns current buffer pool statistics
// Useful for monitoring and debugging memory usage
type Stats struct {
	Allocations int64 // Total buffer allocations (new creates)
	Reuses      int64 // Total buffer reuses from a pool
	Outstanding int64 // Buffers currently handed out
}

// GetStats returns a snapshot of the pool counters
func GetStats() Stats {
	return Stats{
		Allocations: atomic.LoadInt64(&allocations),
		Reuses:      atomic.LoadInt64(&reuses),
		Outstanding: atomic.LoadInt64(&outstanding),
	}
}
