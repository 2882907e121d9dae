// Package state records which parts of a transfer are done so an interrupted
// transfer can resume without re-sending them.
//
// Two implementations share the Store contract: MemoryStore for tests and
// short-lived processes, and FileStore, which keeps a JSON sidecar per object
// on disk.
package state

import (
	"fmt"
	"sort"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/models"
)

// Key identifies one transfer. Downloads have no upload id.
type Key struct {
	ObjectID string
	UploadID string
}

func (k Key) String() string {
	if k.UploadID == "" {
		return k.ObjectID
	}
	return k.ObjectID + "/" + k.UploadID
}

// Store records completed parts per transfer.
//
// RecordPartDone is safe for concurrent use by workers transferring different
// parts of the same object. Recording an identical completion twice is a
// no-op; recording a different completion for the same part fails with
// storage.ErrConflict.
type Store interface {
	RecordPartDone(key Key, completion models.PartCompletion) error
	CompletedParts(key Key) (map[int]models.PartCompletion, error)
	// ForgetPart drops one part's record so it is transferred again.
	ForgetPart(key Key, partNumber int) error
	// Lookup returns the upload id recorded for an object, if any.
	Lookup(objectID string) (uploadID string, found bool, err error)
	Clear(key Key) error
}

// mergeCompletion applies c to parts, enforcing idempotence.
func mergeCompletion(key Key, parts map[int]models.PartCompletion, c models.PartCompletion) (changed bool, err error) {
	existing, ok := parts[c.PartNumber]
	if !ok {
		parts[c.PartNumber] = c
		return true, nil
	}
	if existing == c {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s part %d recorded with md5 %s etag %s, got md5 %s etag %s",
		storage.ErrConflict, key, c.PartNumber, existing.MD5, existing.ETag, c.MD5, c.ETag)
}

func validateCompletion(c models.PartCompletion) error {
	if c.PartNumber < 1 {
		return fmt.Errorf("%w: part number %d", storage.ErrInvalidArgument, c.PartNumber)
	}
	return nil
}

func copyParts(parts map[int]models.PartCompletion) map[int]models.PartCompletion {
	out := make(map[int]models.PartCompletion, len(parts))
	for n, c := range parts {
		out[n] = c
	}
	return out
}

func sortCompletions(parts []models.PartCompletion) {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})
}
