// Package services implements the server side of the multipart transfer
// protocol: upload sessions, part completion records and download
// specifications over a presigning object store.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

// UpdateFunc computes the next session state from the current one.
// current is a private copy, nil when no session exists. Returning nil
// deletes the session; returning an error leaves it untouched.
type UpdateFunc func(current *models.UploadState) (*models.UploadState, error)

// SessionStore persists upload sessions, at most one per object id.
//
// Update must be atomic per object id. Sessions of different objects never
// share a lock.
type SessionStore interface {
	Get(ctx context.Context, objectID string) (*models.UploadState, error)
	Update(ctx context.Context, objectID string, fn UpdateFunc) error
	List(ctx context.Context) ([]*models.UploadState, error)
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	sessions sync.Map // objectID -> *sessionEntry
}

type sessionEntry struct {
	mu    sync.Mutex
	state *models.UploadState
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) entry(objectID string) *sessionEntry {
	if e, ok := s.sessions.Load(objectID); ok {
		return e.(*sessionEntry)
	}
	e, _ := s.sessions.LoadOrStore(objectID, &sessionEntry{})
	return e.(*sessionEntry)
}

// Get returns a copy of the session for objectID or storage.ErrNotFound.
func (s *MemorySessionStore) Get(_ context.Context, objectID string) (*models.UploadState, error) {
	e := s.entry(objectID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, fmt.Errorf("%w: no upload in progress for %s", storage.ErrNotFound, objectID)
	}
	return e.state.Clone(), nil
}

// Update applies fn under the object's lock.
func (s *MemorySessionStore) Update(_ context.Context, objectID string, fn UpdateFunc) error {
	e := s.entry(objectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(e.state.Clone())
	if err != nil {
		return err
	}
	e.state = next.Clone()
	return nil
}

// List returns a copy of every live session.
func (s *MemorySessionStore) List(_ context.Context) ([]*models.UploadState, error) {
	var out []*models.UploadState
	s.sessions.Range(func(_, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		if e.state != nil {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
		return true
	})
	return out, nil
}
