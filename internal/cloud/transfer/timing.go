package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/overture-stack/score-int/internal/logging"
)

// TimingEnabled returns true if SCORE_TIMING=1 environment variable is set.
// When enabled, per-part timing is logged at info level during transfers.
func TimingEnabled() bool {
	return os.Getenv("SCORE_TIMING") == "1"
}

// PartTimer tracks timing for individual parts in a multipart transfer.
// It provides aggregate statistics and per-part timing when enabled.
type PartTimer struct {
	name       string
	totalParts int
	logger     *logging.Logger
	verbose    bool
	start      time.Time
	mu         sync.Mutex

	completedParts int
	totalBytes     int64
	totalDuration  time.Duration

	// Rolling average for throughput
	recentSpeeds []float64
	maxRecent    int
}

// NewPartTimer creates a new part timer for tracking multipart operations.
func NewPartTimer(logger *logging.Logger, name string, totalParts int) *PartTimer {
	return &PartTimer{
		name:       name,
		totalParts: totalParts,
		logger:     logging.OrNop(logger),
		verbose:    TimingEnabled(),
		start:      time.Now(),
		maxRecent:  10,
	}
}

// RecordPart updates aggregate stats for a completed part and logs it when
// timing is enabled.
func (pt *PartTimer) RecordPart(partNum, attempts int, d time.Duration, bytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.completedParts++
	pt.totalBytes += bytes
	pt.totalDuration += d

	if d > 0 {
		pt.recentSpeeds = append(pt.recentSpeeds, float64(bytes)/d.Seconds())
		if len(pt.recentSpeeds) > pt.maxRecent {
			pt.recentSpeeds = pt.recentSpeeds[1:]
		}
	}

	if !pt.verbose {
		return
	}
	pt.logger.Info().
		Str("transfer", pt.name).
		Str("part", fmt.Sprintf("%d/%d", partNum, pt.totalParts)).
		Int("attempts", attempts).
		Dur("elapsed", d).
		Str("size", FormatBytes(bytes)).
		Msg("Part timing")
}

// Summary logs aggregate statistics for all parts.
func (pt *PartTimer) Summary() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !pt.verbose || pt.completedParts == 0 {
		return
	}

	rollingAvg := 0.0
	if len(pt.recentSpeeds) > 0 {
		sum := 0.0
		for _, s := range pt.recentSpeeds {
			sum += s
		}
		rollingAvg = sum / float64(len(pt.recentSpeeds))
	}

	wall := time.Since(pt.start)
	pt.logger.Info().
		Str("transfer", pt.name).
		Int("parts", pt.completedParts).
		Str("total", FormatBytes(pt.totalBytes)).
		Dur("wall", wall).
		Str("avg", FormatSpeed(float64(pt.totalBytes)/wall.Seconds())).
		Str("rolling", FormatSpeed(rollingAvg)).
		Msg("Transfer timing summary")
}

// GetStats returns current statistics without logging.
func (pt *PartTimer) GetStats() (completedParts int, totalBytes int64, avgSpeed float64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	completedParts = pt.completedParts
	totalBytes = pt.totalBytes
	if pt.totalDuration > 0 {
		avgSpeed = float64(pt.totalBytes) / pt.totalDuration.Seconds()
	}
	return
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed returns a human-readable speed in bytes/second.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSec)
	}
	if bytesPerSec < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
}
