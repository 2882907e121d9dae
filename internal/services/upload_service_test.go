package services

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/providers/memory"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

type testEnv struct {
	store    *memory.Store
	sessions *MemorySessionStore
	uploads  *UploadService
	download *DownloadService
}

func newTestEnv(t *testing.T, partSize int64) *testEnv {
	t.Helper()
	store := memory.New()
	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)
	store.SetBaseURL(srv.URL)

	sessions := NewMemorySessionStore()
	cfg := Config{Store: store, Sessions: sessions, PartSize: partSize}
	uploads, err := NewUploadService(cfg)
	require.NoError(t, err)
	download, err := NewDownloadService(cfg, "sentinel")
	require.NoError(t, err)
	return &testEnv{store: store, sessions: sessions, uploads: uploads, download: download}
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// putPart uploads the part's bytes to its presigned URL and returns the completion.
func putPart(t *testing.T, p models.Part, data []byte) models.PartCompletion {
	t.Helper()
	body := data[p.Offset:p.End()]
	req, err := http.NewRequest(http.MethodPut, p.URL, bytes.NewReader(body))
	require.NoError(t, err)
	req.ContentLength = int64(len(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return models.PartCompletion{PartNumber: p.PartNumber, MD5: md5Hex(body), ETag: resp.Header.Get("ETag")}
}

func (e *testEnv) uploadAll(t *testing.T, objectID string, data []byte) *models.ObjectSpecification {
	t.Helper()
	ctx := context.Background()
	spec, err := e.uploads.InitiateUpload(ctx, objectID, int64(len(data)), false, md5Hex(data))
	require.NoError(t, err)
	for _, p := range spec.Parts {
		c := putPart(t, p, data)
		require.NoError(t, e.uploads.FinalizeUploadPart(ctx, objectID, spec.UploadID, p.PartNumber, c.MD5, c.ETag))
	}
	require.NoError(t, e.uploads.FinalizeUpload(ctx, objectID, spec.UploadID))
	return spec
}

func TestInitiateUpload_Plan(t *testing.T) {
	env := newTestEnv(t, 10)
	spec, err := env.uploads.InitiateUpload(context.Background(), "obj", 25, false, "")
	require.NoError(t, err)

	require.Len(t, spec.Parts, 3)
	assert.Equal(t, []int64{10, 10, 5}, []int64{spec.Parts[0].PartSize, spec.Parts[1].PartSize, spec.Parts[2].PartSize})
	assert.Equal(t, "data/obj", spec.ObjectKey)
	assert.NotEmpty(t, spec.UploadID)
	for _, p := range spec.Parts {
		assert.NotEmpty(t, p.URL)
		assert.False(t, p.IsCompleted())
	}
}

func TestInitiateUpload_InvalidArguments(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	_, err := env.uploads.InitiateUpload(ctx, "obj", -1, false, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	_, err = env.uploads.InitiateUpload(ctx, "../escape", 10, false, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	assert.Zero(t, env.store.SessionCount())
}

// Scenario A: three equal parts, progress 3/3 before finalize, session gone after.
func TestUpload_ThreeEqualParts(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := bytes.Repeat([]byte("abcdefghij"), 3)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)
	require.Len(t, spec.Parts, 3)

	for _, p := range spec.Parts {
		c := putPart(t, p, data)
		require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, p.PartNumber, c.MD5, c.ETag))
	}

	progress, err := env.uploads.GetUploadStatus(ctx, "obj", spec.UploadID, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.TotalParts)
	assert.Equal(t, 3, progress.CompletedParts)
	assert.Equal(t, int64(30), progress.BytesTransferred)
	assert.True(t, progress.Done())

	require.NoError(t, env.uploads.FinalizeUpload(ctx, "obj", spec.UploadID))

	_, err = env.sessions.Get(ctx, "obj")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := env.store.GetObject(ctx, "data/obj")
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	exists, err := env.uploads.Exists(ctx, "obj")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFinalizeUploadPart_Idempotence(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spec, err := env.uploads.InitiateUpload(ctx, "obj", 20, false, "")
	require.NoError(t, err)

	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, "m1", "e1"))
	before, err := env.sessions.Get(ctx, "obj")
	require.NoError(t, err)

	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, "m1", "e1"))
	after, err := env.sessions.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	err = env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, "other", "e1")
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, storage.KindNotResumable, storage.KindOf(err))

	err = env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, "m1", "other")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestFinalizeUploadPart_Rejections(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	err := env.uploads.FinalizeUploadPart(ctx, "obj", "nope", 1, "m", "e")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 20, false, "")
	require.NoError(t, err)

	err = env.uploads.FinalizeUploadPart(ctx, "obj", "stale-upload", 1, "m", "e")
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 3, "m", "e")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)

	err = env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, "", "e")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestFinalizeUpload_IncompletePartSet(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := bytes.Repeat([]byte{7}, 45)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 45, false, "")
	require.NoError(t, err)
	require.Len(t, spec.Parts, 5)

	for k := 0; k < len(spec.Parts); k++ {
		err := env.uploads.FinalizeUpload(ctx, "obj", spec.UploadID)
		require.ErrorIs(t, err, storage.ErrIncompletePartSet, "with %d of %d parts", k, len(spec.Parts))
		assert.Equal(t, storage.AdviceFixRequest, storage.Advice(err))

		p := spec.Parts[k]
		c := putPart(t, p, data)
		require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, p.PartNumber, c.MD5, c.ETag))
	}
	require.NoError(t, env.uploads.FinalizeUpload(ctx, "obj", spec.UploadID))
}

func TestDeletePart(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spec, err := env.uploads.InitiateUpload(ctx, "obj", 20, false, "")
	require.NoError(t, err)

	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 2, "m", "e"))
	require.NoError(t, env.uploads.DeletePart(ctx, "obj", spec.UploadID, 2))
	require.NoError(t, env.uploads.DeletePart(ctx, "obj", spec.UploadID, 2))

	st, err := env.sessions.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Empty(t, st.CompletedParts)

	// a different completion is accepted once the old record is gone
	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 2, "m2", "e2"))
}

// Scenario C: cancel mid-flight, then initiate again without overwrite.
func TestCancelUpload_UnblocksInitiate(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := bytes.Repeat([]byte("x"), 30)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)
	for _, p := range spec.Parts[:2] {
		c := putPart(t, p, data)
		require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, p.PartNumber, c.MD5, c.ETag))
	}

	require.NoError(t, env.uploads.CancelUpload(ctx, "obj", spec.UploadID))
	_, err = env.sessions.Get(ctx, "obj")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, env.store.SessionCount())

	again, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)
	assert.NotEqual(t, spec.UploadID, again.UploadID)
}

func TestInitiateUpload_Conflicts(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	first, err := env.uploads.InitiateUpload(ctx, "obj", 20, false, "")
	require.NoError(t, err)

	_, err = env.uploads.InitiateUpload(ctx, "obj", 20, false, "")
	assert.ErrorIs(t, err, storage.ErrConflict)
	// the losing backend upload was aborted
	assert.Equal(t, 1, env.store.SessionCount())

	second, err := env.uploads.InitiateUpload(ctx, "obj", 20, true, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.UploadID, second.UploadID)
	assert.Equal(t, 1, env.store.SessionCount())

	// requests against the superseded session are rejected
	err = env.uploads.FinalizeUploadPart(ctx, "obj", first.UploadID, 1, "m", "e")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestInitiateUpload_ObjectExists(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	env.uploadAll(t, "obj", []byte("stored object"))

	_, err := env.uploads.InitiateUpload(ctx, "obj", 13, false, "")
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = env.uploads.InitiateUpload(ctx, "obj", 13, true, "")
	assert.NoError(t, err)
}

func TestUploadSpecification_MarksCompletedParts(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := bytes.Repeat([]byte("z"), 25)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 25, false, "")
	require.NoError(t, err)
	c := putPart(t, spec.Parts[1], data)
	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 2, c.MD5, c.ETag))

	reissued, err := env.uploads.UploadSpecification(ctx, "obj", spec.UploadID)
	require.NoError(t, err)
	require.Len(t, reissued.Parts, 3)
	assert.False(t, reissued.Parts[0].IsCompleted())
	assert.Equal(t, c.MD5, reissued.Parts[1].MD5)
	assert.False(t, reissued.Parts[2].IsCompleted())

	_, err = env.uploads.UploadSpecification(ctx, "obj", "other")
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = env.uploads.UploadSpecification(ctx, "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	data := bytes.Repeat([]byte("r"), 30)

	spec, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)

	c1 := putPart(t, spec.Parts[0], data)
	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 1, c1.MD5, c1.ETag))
	// recorded but never stored
	require.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, 2, "m2", `"e2"`))

	require.NoError(t, env.uploads.Recover(ctx, "obj", 30))
	st, err := env.sessions.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Contains(t, st.CompletedParts, 1)
	assert.NotContains(t, st.CompletedParts, 2)

	// a different file size invalidates the session
	require.NoError(t, env.uploads.Recover(ctx, "obj", 31))
	_, err = env.sessions.Get(ctx, "obj")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, env.store.SessionCount())

	assert.ErrorIs(t, env.uploads.Recover(ctx, "obj", 30), storage.ErrNotFound)
}

func TestRecover_BackendLostUpload(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spec, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)

	require.NoError(t, env.store.AbortMultipart(ctx, spec.ObjectKey, spec.UploadID))
	require.NoError(t, env.uploads.Recover(ctx, "obj", 30))

	_, err = env.uploads.GetUploadID(ctx, "obj")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetUploadID(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spec, err := env.uploads.InitiateUpload(ctx, "obj", 30, false, "")
	require.NoError(t, err)

	id, err := env.uploads.GetUploadID(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, spec.UploadID, id)
}

func TestCancelUploads(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := env.uploads.InitiateUpload(ctx, id, 15, false, "")
		require.NoError(t, err)
	}

	require.NoError(t, env.uploads.CancelUploads(ctx))
	sessions, err := env.sessions.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Zero(t, env.store.SessionCount())
}

func TestFinalizeUploadPart_ConcurrentParts(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spec, err := env.uploads.InitiateUpload(ctx, "obj", 1000, false, "")
	require.NoError(t, err)
	require.Len(t, spec.Parts, 100)

	var wg sync.WaitGroup
	for _, p := range spec.Parts {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// every part is reported twice; the second report is a no-op
			for i := 0; i < 2; i++ {
				assert.NoError(t, env.uploads.FinalizeUploadPart(ctx, "obj", spec.UploadID, n, "m", "e"))
			}
		}(p.PartNumber)
	}
	wg.Wait()

	progress, err := env.uploads.GetUploadStatus(ctx, "obj", spec.UploadID, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.CompletedParts)
}

func TestZeroLengthObject(t *testing.T) {
	env := newTestEnv(t, 10)
	spec := env.uploadAll(t, "empty", nil)
	require.Len(t, spec.Parts, 1)
	assert.Zero(t, spec.Parts[0].PartSize)

	stored, err := env.store.GetObject(context.Background(), "data/empty")
	require.NoError(t, err)
	assert.Empty(t, stored)
}
