//go:build unix

package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// LockFileName is the flock target inside a staging directory
const LockFileName = ".lock"

// FileLocker serialises builds across processes with flock(2) on
// <key>/.lock. key must be the staging directory.
type FileLocker struct{}

// NewFileLocker creates a flock based locker
func NewFileLocker() *FileLocker {
	return &FileLocker{}
}

// Acquire polls for an exclusive flock until ctx is done
func (FileLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	if err := os.MkdirAll(key, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(key, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		f.Close()
		if ctx.Err() != nil || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	var once sync.Once
	return func() error {
		var rerr error
		once.Do(func() {
			if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
				rerr = fmt.Errorf("failed to unlock %s: %w", path, err)
			}
			f.Close()
		})
		return rerr
	}, nil
}
