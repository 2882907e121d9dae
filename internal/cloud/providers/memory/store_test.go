package memory

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

func newServedStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	s.SetBaseURL(srv.URL)
	return s
}

func put(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newServedStore(t)

	uploadID, err := s.InitiateMultipart(ctx, "data/obj")
	require.NoError(t, err)

	chunks := [][]byte{[]byte("hello "), []byte("world")}
	var completions []models.PartCompletion
	for i, c := range chunks {
		u, err := s.PresignUploadPart(ctx, "data/obj", uploadID, i+1, int64(len(c)))
		require.NoError(t, err)
		resp := put(t, u, c)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		completions = append(completions, models.PartCompletion{PartNumber: i + 1, ETag: resp.Header.Get("ETag")})
	}

	listed, err := s.ListParts(ctx, "data/obj", uploadID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, int64(5), listed[2].Size)

	// completion order is irrelevant
	require.NoError(t, s.CompleteMultipart(ctx, "data/obj", uploadID, []models.PartCompletion{completions[1], completions[0]}))
	assert.Zero(t, s.SessionCount())

	data, err := s.GetObject(ctx, "data/obj")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	u, err := s.PresignGet(ctx, "data/obj", 6, 5, false)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, u, nil)
	req.Header.Set("Range", "bytes=6-10")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "world", string(body))
}

func TestPresignedURLTampering(t *testing.T) {
	ctx := context.Background()
	s := newServedStore(t)
	uploadID, err := s.InitiateMultipart(ctx, "obj")
	require.NoError(t, err)

	u, err := s.PresignUploadPart(ctx, "obj", uploadID, 1, 3)
	require.NoError(t, err)
	tampered := strings.Replace(u, "partNumber=1", "partNumber=2", 1)
	assert.Equal(t, http.StatusForbidden, put(t, tampered, []byte("abc")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, put(t, u, []byte("abcd")).StatusCode, "length is signed")
}

func TestPresignedURLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newServedStore(t)
	s.SetExpiry(time.Millisecond)
	uploadID, err := s.InitiateMultipart(ctx, "obj")
	require.NoError(t, err)
	u, err := s.PresignUploadPart(ctx, "obj", uploadID, 1, 3)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, http.StatusForbidden, put(t, u, []byte("abc")).StatusCode)
}

func TestAbortAndMissingSessions(t *testing.T) {
	ctx := context.Background()
	s := New()
	uploadID, err := s.InitiateMultipart(ctx, "obj")
	require.NoError(t, err)
	require.NoError(t, s.AbortMultipart(ctx, "obj", uploadID))
	require.NoError(t, s.AbortMultipart(ctx, "obj", uploadID))

	_, err = s.ListParts(ctx, "obj", uploadID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ok, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExternalDownloadURL(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SetBaseURL("http://internal:1")
	s.SetPublicURL("https://public.example.org")
	require.NoError(t, s.PutObject(ctx, "obj", []byte("x")))

	u, err := s.PresignGet(ctx, "obj", 0, 1, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://public.example.org/obj?"))
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("bytes=2-", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 10}, []int64{start, end})

	start, end, err = parseRange("bytes=0-99", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10}, []int64{start, end})

	_, _, err = parseRange("bytes=11-", 10)
	assert.Error(t, err)
}
