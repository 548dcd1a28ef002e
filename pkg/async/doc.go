// Package async runs background work with panic recovery.
//
// Go hands back a channel with the task's result so callers can wait for
// it. Panics are logged with a stack trace through logrus and delivered as
// the task's error instead of crashing the process.
package async
