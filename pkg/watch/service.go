package watch

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/observability"
)

// Service wires the change sources to the supervisor. Either source may
// be nil.
type Service struct {
	Supervisor *Supervisor
	Watcher    *Watcher
	Scheduler  *Scheduler
	Logger     logrus.FieldLogger
	// OnResult sees every finished build; failures are already logged and
	// a panic in it is recovered
	OnResult func(error)
}

// Run blocks until ctx is done. The scheduler is stopped and the running
// build cancelled and awaited before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if s.Supervisor == nil {
		return errors.New("watch service needs a supervisor")
	}
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var changes <-chan struct{}
	if s.Watcher != nil {
		ch, err := s.Watcher.Start()
		if err != nil {
			return err
		}
		defer s.Watcher.Close()
		changes = ch
	}

	if s.Scheduler != nil {
		s.Scheduler.Start()
		defer func() { <-s.Scheduler.Stop().Done() }()
	}
	defer s.Supervisor.Stop()

	logger.Info("Watching for changes")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch stopped")
			return nil
		case <-changes:
			result, err := s.Supervisor.Trigger(ctx, "change")
			if err != nil {
				return err
			}
			go s.report(logger, "change", result)
		}
	}
}

// Tick is the function to register with a Scheduler for this service. It
// blocks until the triggered build finishes so overlapping ticks are
// skipped.
func (s *Service) Tick(ctx context.Context) func() {
	return func() {
		result, err := s.Supervisor.Trigger(ctx, "schedule")
		if err != nil {
			return
		}
		s.report(s.Logger, "schedule", result)
	}
}

func (s *Service) report(logger logrus.FieldLogger, reason string, result <-chan error) {
	err := <-result
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defer observability.RecoverPanic(logger, "watch result")
	entry := logger.WithField("reason", reason)
	switch {
	case err == nil:
		entry.Info("Watch build finished")
	case errors.Is(err, context.Canceled):
		entry.Info("Watch build superseded")
	default:
		entry.WithError(err).Error("Watch build failed")
	}
	if s.OnResult != nil {
		s.OnResult(err)
	}
}
