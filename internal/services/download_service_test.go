package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

func fetch(t *testing.T, p models.Part) []byte {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, p.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", rangeOf(p))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return body
}

func rangeOf(p models.Part) string {
	return fmt.Sprintf("bytes=%d-%d", p.Offset, p.End()-1)
}

func TestDownload_WholeObject(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := []byte("0123456789abcdefghijKLMNO")
	env.uploadAll(t, "obj", data)

	spec, err := env.download.Download(ctx, "obj", 0, -1, false)
	require.NoError(t, err)
	assert.False(t, spec.Relative)
	assert.Equal(t, int64(25), spec.ObjectSize)
	assert.Equal(t, md5Hex(data), spec.ObjectMD5)
	require.Len(t, spec.Parts, 3)

	var got []byte
	for _, p := range spec.Parts {
		body := fetch(t, p)
		assert.Equal(t, md5Hex(body), p.SourceMD5, "part %d", p.PartNumber)
		got = append(got, body...)
	}
	assert.Equal(t, data, got)
}

func TestDownload_Range(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := []byte("0123456789abcdefghijKLMNO")
	env.uploadAll(t, "obj", data)

	spec, err := env.download.Download(ctx, "obj", 10, 12, false)
	require.NoError(t, err)
	assert.True(t, spec.Relative)
	assert.Equal(t, int64(12), spec.ObjectSize)
	require.Len(t, spec.Parts, 2)

	// part aligned with the stored second part carries its md5
	assert.Equal(t, int64(10), spec.Parts[0].Offset)
	assert.Equal(t, md5Hex(data[10:20]), spec.Parts[0].SourceMD5)
	assert.Empty(t, spec.Parts[1].SourceMD5)

	assert.Equal(t, "abcdefghij", string(fetch(t, spec.Parts[0])))
	assert.Equal(t, "KL", string(fetch(t, spec.Parts[1])))

	spec, err = env.download.Download(ctx, "obj", 3, 4, false)
	require.NoError(t, err)
	require.Len(t, spec.Parts, 1)
	assert.Empty(t, spec.Parts[0].SourceMD5)
	assert.Equal(t, "3456", string(fetch(t, spec.Parts[0])))
}

func TestDownload_Errors(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	env.uploadAll(t, "obj", []byte("short"))

	_, err := env.download.Download(ctx, "missing", 0, -1, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = env.download.Download(ctx, "obj", 3, 10, false)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = env.download.Download(ctx, "obj", -1, 2, false)
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestDownload_ExternalURL(t *testing.T) {
	env := newTestEnv(t, 10)
	env.store.SetPublicURL("https://public.example.org")
	env.uploadAll(t, "obj", []byte("payload"))

	spec, err := env.download.Download(context.Background(), "obj", 0, -1, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(spec.Parts[0].URL, "https://public.example.org/"))
}

func TestDownload_ZeroLengthObject(t *testing.T) {
	env := newTestEnv(t, 10)
	env.uploadAll(t, "empty", nil)

	spec, err := env.download.Download(context.Background(), "empty", 0, -1, false)
	require.NoError(t, err)
	require.Len(t, spec.Parts, 1)
	assert.Empty(t, spec.Parts[0].URL)
	assert.Zero(t, spec.ObjectSize)
}

func TestGetSentinelObject(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	_, err := env.download.GetSentinelObject(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, env.store.PutObject(ctx, "data/sentinel", []byte("ok")))
	u, err := env.download.GetSentinelObject(ctx)
	require.NoError(t, err)
	assert.Contains(t, u, "data/sentinel")
}
