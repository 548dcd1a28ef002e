package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc releases one resource
type ShutdownFunc func(context.Context) error

// ShutdownManager stops the watch-mode HTTP server and then runs the
// registered functions concurrently under a shared deadline.
type ShutdownManager struct {
	logger  logrus.FieldLogger
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	funcs []ShutdownFunc
}

// NewShutdownManager creates a manager; server may be nil
func NewShutdownManager(logger logrus.FieldLogger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// Register adds fn to the shutdown set
func (sm *ShutdownManager) Register(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.funcs = append(sm.funcs, fn)
}

// WaitAndShutdown blocks until ctx is done and then shuts down
func (sm *ShutdownManager) WaitAndShutdown(ctx context.Context) error {
	<-ctx.Done()
	sm.logger.Info("Shutting down")
	return sm.Shutdown(context.Background())
}

// Shutdown runs the shutdown sequence once
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, sm.timeout)
	defer cancel()

	var errs []error
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	sm.mu.Lock()
	funcs := sm.funcs
	sm.funcs = nil
	sm.mu.Unlock()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i, fn := range funcs {
		wg.Add(1)
		go func(i int, fn ShutdownFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				sm.logger.WithError(err).WithField("index", i).Error("Shutdown function failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i, fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return errors.Join(append(errs, fmt.Errorf("shutdown timed out: %w", ctx.Err()))...)
	}

	return errors.Join(errs...)
}
