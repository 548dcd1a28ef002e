//go:build !unix

package staging

import (
	"context"
	"errors"
)

// LockFileName is the flock target inside a staging directory
const LockFileName = ".lock"

// FileLocker is unavailable on this platform; Acquire always fails so
// callers fall back to the in-process lock.
type FileLocker struct{}

// NewFileLocker creates a locker that reports it is unsupported
func NewFileLocker() *FileLocker {
	return &FileLocker{}
}

// Acquire always fails on this platform
func (FileLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	return nil, errors.ErrUnsupported
}
