package watch

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/async"
)

// ErrStopped is returned by Trigger after Stop
var ErrStopped = errors.New("supervisor stopped")

// BuildFunc runs one build. It must return promptly once ctx is cancelled.
type BuildFunc func(ctx context.Context) error

// Supervisor runs at most one build at a time. A new trigger supersedes
// the running build: it is cancelled and waited for before the next one
// starts, so two builds never share the staging area.
type Supervisor struct {
	build  BuildFunc
	logger logrus.FieldLogger

	// trigger serialises Trigger and Stop; mu guards the fields below
	trigger sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewSupervisor creates a supervisor around build
func NewSupervisor(build BuildFunc, logger logrus.FieldLogger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{build: build, logger: logger}
}

// Trigger cancels any in-flight build, waits for it and starts a new one
// detached from ctx's cancellation. The returned channel yields the new
// build's error once it finishes.
func (s *Supervisor) Trigger(ctx context.Context, reason string) (<-chan error, error) {
	s.trigger.Lock()
	defer s.trigger.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.mu.Unlock()

	if s.abort() {
		s.logger.WithField("reason", reason).Info("Superseding running build")
	}

	buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	result := make(chan error, 1)

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	s.logger.WithField("reason", reason).Debug("Starting build")
	errCh := async.Go(buildCtx, s.logger, "build", func(ctx context.Context) error {
		return s.build(ctx)
	})
	go func() {
		err := <-errCh
		cancel()
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
		result <- err
		close(result)
	}()
	return result, nil
}

// Running reports whether a build is in flight
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Wait blocks until the in-flight build, if any, has finished
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop cancels the in-flight build, waits for it and rejects further
// triggers.
func (s *Supervisor) Stop() {
	s.trigger.Lock()
	defer s.trigger.Unlock()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.abort()
}

// abort cancels and waits for the current build. It reports whether one
// was running.
func (s *Supervisor) abort() bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	cancel()
	<-done
	return true
}
