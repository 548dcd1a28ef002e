// Package version parses extension versions and decides which version a
// build publishes.
//
// Versions are numeric dot tuples of one to three components. Ordering uses
// the canonical three component form; the written width is preserved so a
// manifest that says 1.2 is bumped to 1.3, never 1.2.1 or 1.3.0.
//
//	d := version.Decide(current, force, remote)
//	if d.Rewrite {
//		// update the manifest to d.Version before packaging
//	}
package version
