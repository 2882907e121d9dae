package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/overture-stack/score-int/internal/constants"
)

// =============================================================================
// Upload locking - prevents two processes from driving the same upload
// =============================================================================

// UploadLock represents an acquired upload lock.
type UploadLock struct {
	LockFilePath string
	ProcessID    int
	AcquiredAt   time.Time
}

type uploadLockState struct {
	ProcessID  int       `json:"process_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ObjectID   string    `json:"object_id"`
}

// AcquireUploadLock attempts to acquire an exclusive lock for uploading an object.
// A lock held by a live process younger than StaleLockAge is respected;
// anything else is taken over.
func AcquireUploadLock(dir, objectID string) (*UploadLock, error) {
	lockFilePath := filepath.Join(dir, fileName(objectID)+".upload.lock")
	currentPID := os.Getpid()

	// Check existing lock
	if data, err := os.ReadFile(lockFilePath); err == nil {
		var existingLock uploadLockState
		if json.Unmarshal(data, &existingLock) == nil {
			lockAge := time.Since(existingLock.AcquiredAt)
			if lockAge < constants.StaleLockAge && isProcessRunning(existingLock.ProcessID) && existingLock.ProcessID != currentPID {
				return nil, fmt.Errorf("upload of %s locked by another process (PID %d)", objectID, existingLock.ProcessID)
			}
		}
		os.Remove(lockFilePath)
	}

	newLock := uploadLockState{
		ProcessID:  currentPID,
		AcquiredAt: time.Now(),
		ObjectID:   objectID,
	}

	data, _ := json.MarshalIndent(newLock, "", "  ")
	tmpFilePath := lockFilePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}

	if err := os.Rename(tmpFilePath, lockFilePath); err != nil {
		os.Remove(tmpFilePath)
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	return &UploadLock{
		LockFilePath: lockFilePath,
		ProcessID:    currentPID,
		AcquiredAt:   newLock.AcquiredAt,
	}, nil
}

// Release releases an upload lock. A lock since taken over by another
// process is left alone.
func (lock *UploadLock) Release() error {
	if lock == nil {
		return nil
	}
	if data, err := os.ReadFile(lock.LockFilePath); err == nil {
		var currentLock uploadLockState
		if json.Unmarshal(data, &currentLock) == nil && currentLock.ProcessID != lock.ProcessID {
			return nil
		}
	}
	if err := os.Remove(lock.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release upload lock: %w", err)
	}
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
