package state

import (
	"sync"

	"github.com/overture-stack/score-int/internal/models"
)

// MemoryStore keeps transfer state in process memory.
// Each object has its own lock; unrelated objects never contend.
type MemoryStore struct {
	objects sync.Map // objectID -> *memoryEntry
}

type memoryEntry struct {
	mu       sync.Mutex
	uploadID string
	parts    map[int]models.PartCompletion
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) entry(objectID string) *memoryEntry {
	if e, ok := s.objects.Load(objectID); ok {
		return e.(*memoryEntry)
	}
	e, _ := s.objects.LoadOrStore(objectID, &memoryEntry{})
	return e.(*memoryEntry)
}

// RecordPartDone records a completed part. A completion for a new upload id
// supersedes whatever was recorded for the object.
func (s *MemoryStore) RecordPartDone(key Key, c models.PartCompletion) error {
	if err := validateCompletion(c); err != nil {
		return err
	}
	e := s.entry(key.ObjectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.parts == nil || e.uploadID != key.UploadID {
		e.uploadID = key.UploadID
		e.parts = make(map[int]models.PartCompletion)
	}
	_, err := mergeCompletion(key, e.parts, c)
	return err
}

// CompletedParts returns a snapshot of the completed parts for key.
func (s *MemoryStore) CompletedParts(key Key) (map[int]models.PartCompletion, error) {
	e := s.entry(key.ObjectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.parts == nil || e.uploadID != key.UploadID {
		return map[int]models.PartCompletion{}, nil
	}
	return copyParts(e.parts), nil
}

// ForgetPart removes a part's record; absent parts are ignored.
func (s *MemoryStore) ForgetPart(key Key, partNumber int) error {
	e := s.entry(key.ObjectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.uploadID == key.UploadID && e.parts != nil {
		delete(e.parts, partNumber)
	}
	return nil
}

// Lookup returns the upload id recorded for objectID.
func (s *MemoryStore) Lookup(objectID string) (string, bool, error) {
	v, ok := s.objects.Load(objectID)
	if !ok {
		return "", false, nil
	}
	e := v.(*memoryEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parts == nil {
		return "", false, nil
	}
	return e.uploadID, true, nil
}

// Clear discards the state for key.
func (s *MemoryStore) Clear(key Key) error {
	e := s.entry(key.ObjectID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.uploadID == key.UploadID || key.UploadID == "" {
		e.parts = nil
		e.uploadID = ""
	}
	return nil
}
