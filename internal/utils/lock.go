package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	lockFileSuffix = ".run.lock"
)

// ErrRunInProgress is returned by TryLock when another run holds the lock.
var ErrRunInProgress = errors.New("another rivalwatch run is in progress")

// RunLock is a file lock next to the database that keeps scheduled runs from
// overlapping across processes.
type RunLock struct {
	lock *flock.Flock
	path string
}

// NewRunLock creates a lock for the given database path.
func NewRunLock(dbPath string) (*RunLock, error) {
	absPath, err := GetAbsDBPath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute db path: %w", err)
	}
	lockPath := absPath + lockFileSuffix
	return &RunLock{
		lock: flock.New(lockPath),
		path: lockPath,
	}, nil
}

// TryLock acquires the lock without waiting.
func (l *RunLock) TryLock() error {
	locked, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", l.path, err)
	}
	if !locked {
		return ErrRunInProgress
	}
	return nil
}

// Unlock releases the lock.
func (l *RunLock) Unlock() error {
	if err := l.lock.Unlock(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// GetAbsDBPath resolves the database path.
func GetAbsDBPath(dbPath string) (string, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "rivalwatch", "rivalwatch.sqlite"), nil
	}
	return filepath.Abs(dbPath)
}
