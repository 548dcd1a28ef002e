package observability

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoverPanic logs a recovered panic with its stack. Call it deferred:
//
//	defer observability.RecoverPanic(logger, "watch loop")
//
// The panic is swallowed.
func RecoverPanic(logger logrus.FieldLogger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by onPanic, which only
// runs when a panic was recovered.
func RecoverPanicWithCallback(logger logrus.FieldLogger, where string, onPanic func(any)) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func logPanic(logger logrus.FieldLogger, where string, r any) {
	logger.WithFields(logrus.Fields{
		"panic":   r,
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}

// MustRecover converts a recovered value into an error, nil if r is nil
//
//	defer func() { err = observability.MustRecover(recover()) }()
func MustRecover(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
