package async

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/observability"
)

// Go runs fn in its own goroutine and returns a channel that receives
// fn's error (nil on success) and is then closed. A panic in fn is
// recovered, logged with its stack and delivered as an error.
//
//	done := async.Go(ctx, logger, "fast build", func(ctx context.Context) error {
//	    return orchestrator.Run(ctx, opts)
//	})
func Go(ctx context.Context, logger logrus.FieldLogger, task string, fn func(context.Context) error) <-chan error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			done <- err
			close(done)
		}()
		defer observability.RecoverPanicWithCallback(logger, task, func(r any) {
			err = observability.MustRecover(r)
		})
		err = fn(ctx)
	}()
	return done
}
