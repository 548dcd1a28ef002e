// Package publish decides whether a built artifact reaches the registry
// and the dist directory.
//
// Gate performs the manual-mode dry run. Uploader runs the fast-mode
// state machine:
//
//	start -> quota-check -> [evict-if-full] -> upload-attempt -> activated | uploaded | failed
//
// Eviction is best effort: the oldest remote version goes first, the
// newest if the oldest cannot be deleted, and the upload proceeds either
// way. Uploads rejected because the quota is still full are retried with
// a fixed delay until the registry catches up or the retry policy gives
// up. Both paths always remove the outer archive from staging.
package publish
