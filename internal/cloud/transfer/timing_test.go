package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/overture-stack/score-int/internal/logging"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{20 * 1024 * 1024, "20.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "512.0 B/s", FormatSpeed(512))
	assert.Equal(t, "2.0 KB/s", FormatSpeed(2048))
	assert.Equal(t, "1.5 MB/s", FormatSpeed(1.5*1024*1024))
}

func TestPartTimer_Stats(t *testing.T) {
	pt := NewPartTimer(nil, "upload obj", 2)
	pt.RecordPart(1, 1, time.Second, 1000)
	pt.RecordPart(2, 3, time.Second, 3000)

	parts, total, avg := pt.GetStats()
	assert.Equal(t, 2, parts)
	assert.EqualValues(t, 4000, total)
	assert.InDelta(t, 2000.0, avg, 0.001)
}

func TestPartTimer_LogsWhenEnabled(t *testing.T) {
	t.Setenv("SCORE_TIMING", "1")
	var buf bytes.Buffer
	pt := NewPartTimer(logging.NewLogger("server", &buf), "download obj", 1)
	pt.RecordPart(1, 2, 10*time.Millisecond, 10)
	pt.Summary()

	out := buf.String()
	assert.Contains(t, out, "Part timing")
	assert.Contains(t, out, `"attempts":2`)
	assert.Contains(t, out, "Transfer timing summary")
}

func TestPartTimer_QuietByDefault(t *testing.T) {
	t.Setenv("SCORE_TIMING", "")
	var buf bytes.Buffer
	pt := NewPartTimer(logging.NewLogger("server", &buf), "upload obj", 1)
	pt.RecordPart(1, 1, time.Millisecond, 10)
	pt.Summary()
	assert.Empty(t, buf.String())
}
