package s3

import (
	"context"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

func TestTranslate(t *testing.T) {
	for _, code := range []string{"NoSuchUpload", "NoSuchKey", "NotFound"} {
		err := translate(&smithy.GenericAPIError{Code: code, Message: "gone"})
		assert.ErrorIs(t, err, storage.ErrNotFound, code)
	}

	other := &smithy.GenericAPIError{Code: "SlowDown", Message: "throttled"}
	assert.Same(t, error(other), translate(other))

	plain := errors.New("boom")
	assert.Equal(t, plain, translate(plain))
}

func TestNewStore_RequiresBucket(t *testing.T) {
	_, err := NewStore(context.Background(), Config{}, nil)
	require.Error(t, err)
}

// TestPresign checks presigned URLs are produced offline with static credentials.
func TestPresign(t *testing.T) {
	store, err := NewStore(context.Background(), Config{
		Endpoint:        "http://127.0.0.1:9000",
		PublicEndpoint:  "https://objects.example.org",
		Region:          "us-east-1",
		Bucket:          "genomics",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		PathStyle:       true,
	}, nil)
	require.NoError(t, err)

	partURL, err := store.PresignUploadPart(context.Background(), "data/obj-1", "upload-1", 3, 1024)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(partURL, "http://127.0.0.1:9000/genomics/data/obj-1?"), partURL)
	assert.Contains(t, partURL, "partNumber=3")
	assert.Contains(t, partURL, "uploadId=upload-1")
	assert.Contains(t, partURL, "X-Amz-Signature=")

	internal, err := store.PresignGet(context.Background(), "data/obj-1", 0, 10, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(internal, "http://127.0.0.1:9000/"), internal)

	external, err := store.PresignGet(context.Background(), "data/obj-1", 0, 10, true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(external, "https://objects.example.org/"), external)
}

func TestNewStore_HonorsCABundle(t *testing.T) {
	objects := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(objects.Close)

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: objects.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundle, certPEM, 0600))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	store, err := NewStore(context.Background(), Config{
		Endpoint:        objects.URL,
		Region:          "us-east-1",
		Bucket:          "genomics",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		PathStyle:       true,
	}, nil)
	require.NoError(t, err)

	// the test server's certificate is trusted only through the bundle
	exists, err := store.Exists(context.Background(), "data/obj-1")
	require.NoError(t, err)
	assert.True(t, exists)
}
