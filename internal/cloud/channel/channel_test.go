package channel

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/util/multipart"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "object.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

var modes = []Mode{ModeHeap, ModeMapped}

// TestWindowRoundTrip checks that the digest of bytes read in and written out
// matches an independent digest of the same bytes.
func TestWindowRoundTrip(t *testing.T) {
	data := randomBytes(t, 3*copyChunk+17)
	part := models.Part{PartNumber: 1, PartSize: int64(len(data))}

	sink := NewFileSink(writeTempFile(t, make([]byte, len(data))), Options{})
	ch, err := sink.Acquire(context.Background(), part)
	require.NoError(t, err)
	defer ch.Release()

	n, err := ch.ReadFrom(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, md5Hex(data), ch.MD5())

	var out bytes.Buffer
	n, err = ch.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, md5Hex(data), ch.MD5())
}

func TestWindowTruncatedSource(t *testing.T) {
	part := models.Part{PartNumber: 2, Offset: 0, PartSize: 100}
	sink := NewFileSink(writeTempFile(t, make([]byte, 100)), Options{})
	ch, err := sink.Acquire(context.Background(), part)
	require.NoError(t, err)
	defer ch.Release()

	_, err = ch.ReadFrom(strings.NewReader("short"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrTruncatedTransfer)
	assert.Equal(t, storage.KindRetryable, storage.KindOf(err))

	assert.ErrorIs(t, ch.Commit(), storage.ErrTruncatedTransfer)
}

func TestWindowResetAfterRelease(t *testing.T) {
	part := models.Part{PartNumber: 1, PartSize: 8}
	src := NewFileSource(writeTempFile(t, []byte("abcdefgh")), Options{})
	ch, err := src.Acquire(context.Background(), part)
	require.NoError(t, err)

	require.NoError(t, ch.Reset())
	require.NoError(t, ch.Release())
	require.NoError(t, ch.Release(), "second release is a no-op")

	err = ch.Reset()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrChannelReleased)
	assert.Equal(t, storage.KindNotResumable, storage.KindOf(err))

	_, err = ch.WriteTo(&bytes.Buffer{})
	assert.Equal(t, storage.KindNotResumable, storage.KindOf(err))
}

func TestWindowResetAllowsRefill(t *testing.T) {
	part := models.Part{PartNumber: 1, PartSize: 4}
	sink := NewFileSink(writeTempFile(t, make([]byte, 4)), Options{})
	ch, err := sink.Acquire(context.Background(), part)
	require.NoError(t, err)
	defer ch.Release()

	_, err = ch.ReadFrom(strings.NewReader("ab"))
	require.Error(t, err)
	require.NoError(t, ch.Reset())
	assert.Empty(t, ch.MD5())

	_, err = ch.ReadFrom(strings.NewReader("wxyz"))
	require.NoError(t, err)
	assert.Equal(t, md5Hex([]byte("wxyz")), ch.MD5())
}

func TestFileSourceLoadsPart(t *testing.T) {
	data := randomBytes(t, 25000)
	parts, err := multipart.Plan(int64(len(data)), 10000)
	require.NoError(t, err)

	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			src := NewFileSource(writeTempFile(t, data), Options{Mode: mode})
			for _, p := range parts {
				ch, err := src.Acquire(context.Background(), p)
				require.NoError(t, err)

				var out bytes.Buffer
				_, err = ch.WriteTo(&out)
				require.NoError(t, err)
				assert.Equal(t, data[p.Offset:p.End()], out.Bytes())
				assert.Equal(t, md5Hex(data[p.Offset:p.End()]), ch.MD5())
				require.NoError(t, ch.Release())
			}
		})
	}
}

func TestFileSinkCommitsPart(t *testing.T) {
	data := randomBytes(t, 25000)
	parts, err := multipart.Plan(int64(len(data)), 10000)
	require.NoError(t, err)

	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := writeTempFile(t, make([]byte, len(data)))
			sink := NewFileSink(f, Options{Mode: mode})

			// commit out of order
			for _, i := range []int{2, 0, 1} {
				p := parts[i]
				ch, err := sink.Acquire(context.Background(), p)
				require.NoError(t, err)
				_, err = ch.ReadFrom(bytes.NewReader(data[p.Offset:p.End()]))
				require.NoError(t, err)
				require.NoError(t, ch.Commit())
				require.NoError(t, ch.Release())
			}

			got, err := os.ReadFile(f.Name())
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestMappedSourceIsReadOnly(t *testing.T) {
	src := NewFileSource(writeTempFile(t, []byte("0123456789")), Options{Mode: ModeMapped})
	ch, err := src.Acquire(context.Background(), models.Part{PartNumber: 1, Offset: 3, PartSize: 4})
	require.NoError(t, err)
	defer ch.Release()

	var out bytes.Buffer
	_, err = ch.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "3456", out.String())

	_, err = ch.ReadFrom(strings.NewReader("xxxx"))
	assert.Error(t, err)
}

func TestZeroLengthPart(t *testing.T) {
	for _, mode := range modes {
		src := NewFileSource(writeTempFile(t, nil), Options{Mode: mode})
		ch, err := src.Acquire(context.Background(), models.Part{PartNumber: 1})
		require.NoError(t, err)

		n, err := ch.WriteTo(&bytes.Buffer{})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, md5Hex(nil), ch.MD5())
		require.NoError(t, ch.Release())
	}
}

func TestAcquireRejectsOversizedWindow(t *testing.T) {
	limiter := NewLimiter(1)
	sink := NewFileSink(writeTempFile(t, nil), Options{MaxWindow: 10, Limiter: limiter})
	_, err := sink.Acquire(context.Background(), models.Part{PartNumber: 1, PartSize: 11})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrResourceExhausted)
	assert.Zero(t, limiter.Open())
}

// TestLimiterBoundsOpenWindows checks that no more than N windows are open
// while many goroutines acquire concurrently.
func TestLimiterBoundsOpenWindows(t *testing.T) {
	const n = 3
	limiter := NewLimiter(n)
	data := randomBytes(t, 2000)
	parts, err := multipart.Plan(int64(len(data)), 100)
	require.NoError(t, err)
	src := NewFileSource(writeTempFile(t, data), Options{Limiter: limiter})

	var wg sync.WaitGroup
	for _, p := range parts {
		wg.Add(1)
		go func(p models.Part) {
			defer wg.Done()
			ch, err := src.Acquire(context.Background(), p)
			if !assert.NoError(t, err) {
				return
			}
			assert.LessOrEqual(t, limiter.Open(), int64(n))
			time.Sleep(2 * time.Millisecond)
			ch.Release()
		}(p)
	}
	wg.Wait()

	assert.LessOrEqual(t, limiter.Peak(), int64(n))
	assert.Zero(t, limiter.Open())
}

func TestLimiterAcquireCancelled(t *testing.T) {
	limiter := NewLimiter(1)
	src := NewFileSource(writeTempFile(t, []byte("ab")), Options{Limiter: limiter})
	held, err := src.Acquire(context.Background(), models.Part{PartNumber: 1, PartSize: 2})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Acquire(ctx, models.Part{PartNumber: 1, PartSize: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrAborted)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeMapped, ParseMode(true))
	assert.Equal(t, ModeHeap, ParseMode(false))
	assert.Equal(t, "mapped", ParseMode(true).String())
}
