package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/overture-stack/score-int/internal/constants"
	"github.com/overture-stack/score-int/internal/models"
)

// resumeRecord is the on-disk sidecar for one object.
type resumeRecord struct {
	ObjectID   string                  `json:"object_id"`
	UploadID   string                  `json:"upload_id,omitempty"`
	Parts      []models.PartCompletion `json:"completed_parts"`
	CreatedAt  time.Time               `json:"created_at"`
	LastUpdate time.Time               `json:"last_update"`
}

// FileStore keeps one JSON sidecar per object in a directory. Every write
// rewrites the sidecar atomically (temp file + rename), so a crash leaves
// either the previous or the new record, never a torn one.
type FileStore struct {
	dir    string
	suffix string
	maxAge time.Duration
	now    func() time.Time

	locks sync.Map // objectID -> *sync.Mutex
}

// NewUploadFileStore creates a store for upload state under dir.
func NewUploadFileStore(dir string) (*FileStore, error) {
	return newFileStore(dir, constants.UploadStateSuffix)
}

// NewDownloadFileStore creates a store for download state under dir.
func NewDownloadFileStore(dir string) (*FileStore, error) {
	return newFileStore(dir, constants.DownloadStateSuffix)
}

func newFileStore(dir, suffix string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		suffix: suffix,
		maxAge: constants.MaxResumeAge,
		now:    time.Now,
	}, nil
}

// Dir returns the directory holding the sidecars.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) lock(objectID string) func() {
	v, _ := s.locks.LoadOrStore(objectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// path maps an object id to its sidecar file.
func (s *FileStore) path(objectID string) string {
	return filepath.Join(s.dir, fileName(objectID)+s.suffix)
}

// fileName keeps ids made of letters, digits and '-' (UUIDs) as they are.
// Anything else is base64url-encoded behind a leading '_', which a kept id
// can never start with, so distinct ids never share a file.
func fileName(id string) string {
	plain := id != ""
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			plain = false
			break
		}
	}
	if plain {
		return id
	}
	return "_" + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// =============================================================================
// Basic I/O functions
// =============================================================================

// load reads the sidecar for objectID.
// Returns nil without error if no usable record exists; expired records are removed.
func (s *FileStore) load(objectID string) (*resumeRecord, error) {
	data, err := os.ReadFile(s.path(objectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var rec resumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file: %w", err)
	}
	if rec.ObjectID != objectID {
		return nil, nil
	}
	if s.maxAge > 0 && s.now().Sub(rec.CreatedAt) > s.maxAge {
		_ = s.remove(objectID)
		return nil, nil
	}
	return &rec, nil
}

// save writes the sidecar atomically using a temporary file + rename.
func (s *FileStore) save(rec *resumeRecord) error {
	statePath := s.path(rec.ObjectID)
	tmpPath := statePath + ".tmp"

	rec.LastUpdate = s.now()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (s *FileStore) remove(objectID string) error {
	err := os.Remove(s.path(objectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

func (r *resumeRecord) partMap() map[int]models.PartCompletion {
	m := make(map[int]models.PartCompletion, len(r.Parts))
	for _, c := range r.Parts {
		m[c.PartNumber] = c
	}
	return m
}

func (r *resumeRecord) setParts(m map[int]models.PartCompletion) {
	r.Parts = r.Parts[:0]
	for _, c := range m {
		r.Parts = append(r.Parts, c)
	}
	sortCompletions(r.Parts)
}

// =============================================================================
// Store implementation
// =============================================================================

// RecordPartDone records a completed part. A completion for a new upload id
// replaces the record left by an earlier session.
func (s *FileStore) RecordPartDone(key Key, c models.PartCompletion) error {
	if err := validateCompletion(c); err != nil {
		return err
	}
	unlock := s.lock(key.ObjectID)
	defer unlock()

	rec, err := s.load(key.ObjectID)
	if err != nil {
		return err
	}
	if rec == nil || rec.UploadID != key.UploadID {
		rec = &resumeRecord{ObjectID: key.ObjectID, UploadID: key.UploadID, CreatedAt: s.now()}
	}

	parts := rec.partMap()
	changed, err := mergeCompletion(key, parts, c)
	if err != nil || !changed {
		return err
	}
	rec.setParts(parts)
	return s.save(rec)
}

// CompletedParts returns the completed parts recorded for key.
func (s *FileStore) CompletedParts(key Key) (map[int]models.PartCompletion, error) {
	unlock := s.lock(key.ObjectID)
	defer unlock()

	rec, err := s.load(key.ObjectID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UploadID != key.UploadID {
		return map[int]models.PartCompletion{}, nil
	}
	return rec.partMap(), nil
}

// ForgetPart removes one part's record; absent parts are ignored.
func (s *FileStore) ForgetPart(key Key, partNumber int) error {
	unlock := s.lock(key.ObjectID)
	defer unlock()

	rec, err := s.load(key.ObjectID)
	if err != nil || rec == nil || rec.UploadID != key.UploadID {
		return err
	}
	parts := rec.partMap()
	if _, ok := parts[partNumber]; !ok {
		return nil
	}
	delete(parts, partNumber)
	rec.setParts(parts)
	return s.save(rec)
}

// Lookup returns the upload id recorded for objectID.
func (s *FileStore) Lookup(objectID string) (string, bool, error) {
	unlock := s.lock(objectID)
	defer unlock()

	rec, err := s.load(objectID)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.UploadID, true, nil
}

// Clear deletes the sidecar for key. An empty upload id clears whatever is recorded.
func (s *FileStore) Clear(key Key) error {
	unlock := s.lock(key.ObjectID)
	defer unlock()

	if key.UploadID != "" {
		rec, err := s.load(key.ObjectID)
		if err != nil {
			return err
		}
		if rec != nil && rec.UploadID != key.UploadID {
			return nil
		}
	}
	return s.remove(key.ObjectID)
}
