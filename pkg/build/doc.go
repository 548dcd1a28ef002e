// Package build sequences one extension build: lock the staging area,
// check prerequisites, read the manifest, negotiate the version, package,
// sign and hand the artifact to validation (manual mode) or to upload and
// activation (fast mode).
//
// Everything a build needs is passed in an Environment; nothing is read
// from globals. Staging is emptied of the build's files on every exit
// path.
package build
