// Package watch keeps an extension published while it is being edited.
//
// A Watcher turns file system events under the extension directory into
// debounced change signals, a Scheduler turns a cron expression into
// periodic ones, and a Supervisor makes sure only the newest build runs:
// each trigger cancels and waits for the previous build before starting.
// Service ties the three together for the watch command.
package watch
