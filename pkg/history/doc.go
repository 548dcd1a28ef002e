// Package history persists build records and the per-extension status
// indicator that fast mode shows after each publish.
//
// The store runs on sqlite for a single workstation and on postgres when
// several machines share one view of the builds. Queries are written with
// '?' placeholders and rebound for postgres.
package history
