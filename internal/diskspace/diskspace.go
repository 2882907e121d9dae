// Package diskspace checks free space on the filesystem that will hold a
// download before any bytes are written.
package diskspace

import (
	"fmt"
	"path/filepath"

	"github.com/overture-stack/score-int/internal/cloud/storage"
)

// SafetyMargin is applied to every requested size.
const SafetyMargin = 1.05

// InsufficientSpaceError reports a filesystem too small for a transfer.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

func (e *InsufficientSpaceError) Unwrap() error {
	return storage.ErrInsufficientSpace
}

// Check returns an InsufficientSpaceError when the filesystem holding
// targetPath has less than requiredBytes (plus SafetyMargin) available.
// Filesystems that cannot be queried pass.
func Check(targetPath string, requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, ok := available(filepath.Dir(targetPath))
	if !ok {
		return nil
	}
	required := int64(float64(requiredBytes) * SafetyMargin)
	if available < required {
		return &InsufficientSpaceError{Path: targetPath, RequiredBytes: required, AvailableBytes: available}
	}
	return nil
}

// Available returns the bytes available to this user on the filesystem
// containing path, or 0 if unknown.
func Available(path string) int64 {
	n, _ := available(filepath.Dir(path))
	return n
}
