package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/logging"
)

func quietClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 1
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = time.Millisecond
	return c
}

func TestScopePolicy(t *testing.T) {
	p := DefaultScopePolicy()

	assert.Equal(t, "score.upload", p.SystemScopeFor(ActionUpload))
	assert.Equal(t, "score.BRCA-UK.download", p.StudyScopeFor(ActionDownload, "BRCA-UK"))

	scopes := []string{"score.BRCA-UK.upload", "score.PACA-CA.download", "other"}
	assert.True(t, p.Allows(scopes, ActionUpload, "BRCA-UK"))
	assert.False(t, p.Allows(scopes, ActionDownload, "BRCA-UK"))
	assert.True(t, p.Allows(scopes, ActionDownload, "PACA-CA"))
	assert.False(t, p.Allows(scopes, ActionUpload, ""))

	system := []string{"score.download"}
	assert.True(t, p.Allows(system, ActionDownload, "ANY"))
	assert.True(t, p.Allows(system, ActionDownload, ""))
	assert.False(t, p.Allows(system, ActionUpload, "ANY"))

	assert.Equal(t, []string{"BRCA-UK"}, p.Studies(scopes, ActionUpload))
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/download/x", nil)
	assert.Empty(t, ExtractToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(r))

	r.Header.Set("Authorization", "bearer  def ")
	assert.Equal(t, "def", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/download/x?access_token=q", nil)
	assert.Equal(t, "q", ExtractToken(r))

	r.Header.Set("Authorization", "Basic dXNlcg==")
	assert.Equal(t, "q", ExtractToken(r))
}

func TestRemoteAuthenticator(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, _ := r.BasicAuth()
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())

		switch r.PostForm.Get("token") {
		case "good":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"active":    true,
				"scope":     []string{"score.BRCA-UK.upload"},
				"client_id": "cli",
			})
		case "spaced":
			_ = json.NewEncoder(w).Encode(map[string]any{"scope": "a b"})
		case "inactive":
			_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
		}
	}))
	defer srv.Close()

	a, err := NewRemoteAuthenticator(IntrospectionConfig{
		URL:          srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		CacheTTL:     time.Minute,
	}, quietClient(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	p, err := a.Authenticate(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, []string{"score.BRCA-UK.upload"}, p.Scopes)
	assert.Equal(t, "cli", p.ClientID)
	assert.Equal(t, logging.HashToken("good"), p.TokenHash)

	// served from cache
	_, err = a.Authenticate(ctx, "good")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	// cache entries expire
	now := time.Now().Add(2 * time.Minute)
	a.now = func() time.Time { return now }
	_, err = a.Authenticate(ctx, "good")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	p, err = a.Authenticate(ctx, "spaced")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Scopes)

	_, err = a.Authenticate(ctx, "inactive")
	assert.ErrorIs(t, err, storage.ErrUnauthorized)

	_, err = a.Authenticate(ctx, "bogus")
	assert.ErrorIs(t, err, storage.ErrUnauthorized)

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, storage.ErrUnauthorized)
}

func TestRemoteAuthenticator_OutageIsUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		a, err := NewRemoteAuthenticator(IntrospectionConfig{URL: srv.URL}, quietClient(), nil)
		require.NoError(t, err)

		_, err = a.Authenticate(context.Background(), "good")
		assert.ErrorIs(t, err, storage.ErrUnavailable, "status %d", status)
		assert.NotErrorIs(t, err, storage.ErrUnauthorized)
		assert.Equal(t, storage.KindRetryable, storage.KindOf(err))
		srv.Close()
	}

	// nothing listening
	a, err := NewRemoteAuthenticator(IntrospectionConfig{URL: "http://127.0.0.1:1/check_token"}, quietClient(), nil)
	require.NoError(t, err)
	_, err = a.Authenticate(context.Background(), "good")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestRemoteAuthenticator_CacheIsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"active": true, "scope": []string{"s"}})
	}))
	defer srv.Close()

	a, err := NewRemoteAuthenticator(IntrospectionConfig{URL: srv.URL, CacheTTL: time.Minute}, quietClient(), nil)
	require.NoError(t, err)
	a.maxEntries = 3
	ctx := context.Background()

	for _, tok := range []string{"t1", "t2", "t3", "t4", "t5"} {
		_, err := a.Authenticate(ctx, tok)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(a.cache), 3)
	}
	assert.EqualValues(t, 5, calls.Load())

	// expired entries are swept before live ones are dropped
	now := time.Now().Add(2 * time.Minute)
	a.now = func() time.Time { return now }
	_, err = a.Authenticate(ctx, "t6")
	require.NoError(t, err)
	assert.Len(t, a.cache, 1)
}

func TestGate_AuthServerOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	a, err := NewRemoteAuthenticator(IntrospectionConfig{URL: srv.URL}, quietClient(), nil)
	require.NoError(t, err)

	g := &Gate{Authenticator: a, Policy: DefaultScopePolicy()}
	h := g.Authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	r := httptest.NewRequest(http.MethodGet, "/download/ping", nil)
	r.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetadataResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/entities/obj-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "obj-1", "projectCode": "BRCA-UK"})
		case "/entities/no-project":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "no-project"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r, err := NewMetadataResolver(srv.URL+"/", quietClient())
	require.NoError(t, err)
	ctx := context.Background()

	study, err := r.Study(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, "BRCA-UK", study)

	_, err = r.Study(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = r.Study(ctx, "no-project")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGate(t *testing.T) {
	g := &Gate{
		Authenticator: StaticAuthenticator{
			"uploader": {"score.BRCA-UK.upload"},
			"admin":    {"score.upload"},
		},
		Resolver: StaticResolver{Studies: map[string]string{"obj": "BRCA-UK", "other": "PACA-CA"}},
		Policy:   DefaultScopePolicy(),
	}

	var seen *Principal
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	mux := http.NewServeMux()
	mux.Handle("POST /upload/{id}", g.Require(ActionUpload, ok))
	mux.Handle("POST /upload/cancel", g.Require(ActionUpload, ok))
	mux.Handle("GET /download/ping", g.Authenticated(ok))

	do := func(method, target, token string) int {
		r := httptest.NewRequest(method, target, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/upload/obj", ""))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/upload/obj", "nope"))
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/upload/obj", "uploader"))
	assert.Equal(t, logging.HashToken("uploader"), seen.TokenHash)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/upload/other", "uploader"))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/upload/unknown", "uploader"))
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/upload/unknown", "admin"))

	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/upload/cancel", "uploader"))
	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/upload/cancel", "admin"))

	assert.Equal(t, http.StatusNoContent, do(http.MethodGet, "/download/ping", "uploader"))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/download/ping", ""))
}

func TestGate_Disabled(t *testing.T) {
	g := &Gate{Policy: DefaultScopePolicy()}
	h := g.Require(ActionDownload, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := PrincipalFrom(r.Context())
		assert.True(t, ok)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/download/obj", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
