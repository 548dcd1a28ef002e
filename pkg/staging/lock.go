package staging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("staging area is locked by another build")

// ReleaseFunc gives up a held lock
type ReleaseFunc func() error

// Locker serialises builds that share a staging area. key identifies the
// area, normally its absolute directory.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// MutexLocker is an in-process Locker. Waiting respects ctx.
type MutexLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMutexLocker creates an in-process locker
func NewMutexLocker() *MutexLocker {
	return &MutexLocker{slots: make(map[string]chan struct{})}
}

func (m *MutexLocker) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Acquire blocks until key is free or ctx is done
func (m *MutexLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

// Chain acquires several lockers in order and releases them in reverse
type Chain []Locker

// Acquire takes every lock in the chain or none of them. Lockers that
// report errors.ErrUnsupported are skipped.
func (c Chain) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	releases := make([]ReleaseFunc, 0, len(c))
	releaseAll := func() error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			if err := releases[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, l := range c {
		if l == nil {
			continue
		}
		rel, err := l.Acquire(ctx, key)
		if errors.Is(err, errors.ErrUnsupported) {
			continue
		}
		if err != nil {
			_ = releaseAll()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return releaseAll, nil
}

// pollInterval is how often cross-process lockers retry a held lock
const pollInterval = 200 * time.Millisecond
