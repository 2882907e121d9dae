package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

// StudyResolver maps an object id to the study it belongs to.
type StudyResolver interface {
	Study(ctx context.Context, objectID string) (string, error)
}

// StaticResolver resolves from a fixed table, falling back to Default.
type StaticResolver struct {
	Studies map[string]string
	Default string
}

func (r StaticResolver) Study(_ context.Context, objectID string) (string, error) {
	if s, ok := r.Studies[objectID]; ok {
		return s, nil
	}
	if r.Default != "" {
		return r.Default, nil
	}
	return "", fmt.Errorf("%w: no study registered for %s", storage.ErrNotFound, objectID)
}

// MetadataResolver asks the metadata service which study owns an object:
// GET {base}/entities/{objectId} returns an entity with its projectCode.
type MetadataResolver struct {
	base   string
	client *retryablehttp.Client
}

// NewMetadataResolver creates a resolver against the metadata service at base.
func NewMetadataResolver(base string, client *retryablehttp.Client) (*MetadataResolver, error) {
	if base == "" {
		return nil, fmt.Errorf("metadata url is required")
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &MetadataResolver{base: strings.TrimRight(base, "/"), client: client}, nil
}

type entity struct {
	ID          string `json:"id"`
	GnosID      string `json:"gnosId"`
	FileName    string `json:"fileName"`
	ProjectCode string `json:"projectCode"`
	Access      string `json:"access"`
}

func (r *MetadataResolver) Study(ctx context.Context, objectID string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.base+"/entities/"+url.PathEscape(objectID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("metadata lookup for %s failed: %w", objectID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: no metadata entity for %s", storage.ErrNotFound, objectID)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("metadata lookup for %s failed: status %d: %s", objectID, resp.StatusCode, string(body))
	}

	var e entity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return "", fmt.Errorf("failed to decode metadata entity: %w", err)
	}
	if e.ProjectCode == "" {
		return "", fmt.Errorf("%w: entity %s has no project code", storage.ErrNotFound, objectID)
	}
	return e.ProjectCode, nil
}
