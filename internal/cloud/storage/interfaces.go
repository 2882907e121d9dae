// Package storage provides common interfaces and the failure taxonomy for
// object transfers. It defines the contract object store backends must
// follow, enabling consistent behavior and easier testing across backends.
package storage

import (
	"context"

	"github.com/overture-stack/score-int/internal/models"
)

// StoredPart is a part as reported by the object store.
type StoredPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// MultipartStore defines the multipart session operations of an object store.
// The server never moves object bytes itself; clients transfer parts directly
// through presigned URLs.
type MultipartStore interface {
	// InitiateMultipart starts a session for key and returns its upload id.
	InitiateMultipart(ctx context.Context, key string) (string, error)

	// PresignUploadPart returns a time-limited URL accepting a PUT of one part.
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int, length int64) (string, error)

	// ListParts returns the parts the store holds for a session.
	// Returns ErrNotFound if the session no longer exists.
	ListParts(ctx context.Context, key, uploadID string) (map[int]StoredPart, error)

	// CompleteMultipart assembles the object from parts, sorted by part number.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []models.PartCompletion) error

	// AbortMultipart discards a session and its parts. Aborting a missing session is not an error.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// ObjectReader defines read access to stored objects.
type ObjectReader interface {
	// PresignGet returns a URL for a ranged GET of [offset, offset+length).
	// external selects the publicly reachable endpoint when one is configured.
	PresignGet(ctx context.Context, key string, offset, length int64, external bool) (string, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// GetObject reads a small object (metadata records) fully.
	// Returns ErrNotFound if key is absent.
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// ObjectWriter writes small objects such as metadata records.
type ObjectWriter interface {
	PutObject(ctx context.Context, key string, body []byte) error
	DeleteObject(ctx context.Context, key string) error
}

// ObjectStore is the full backend capability the transfer server needs.
type ObjectStore interface {
	MultipartStore
	ObjectReader
	ObjectWriter
}
