package build

import (
	"errors"
	"fmt"
)

// ErrPrerequisite is returned when something the build needs is missing:
// the manifest, key material, the registry in fast mode or the external
// packaging tool.
var ErrPrerequisite = errors.New("build prerequisite missing")

// Stages reported in StageError
const (
	StageLock          = "lock"
	StagePrerequisites = "prerequisites"
	StageManifest      = "manifest"
	StageRewrite       = "rewrite-manifest"
	StagePackage       = "package"
	StageSign          = "sign"
	StageValidate      = "validate"
	StageUpload        = "upload"
)

// StageError is the user-facing failure of a build. It names where the
// build stopped and which artifact it was working on.
type StageError struct {
	Stage   string
	Name    string
	Version string
	Err     error
}

func (e *StageError) Error() string {
	switch {
	case e.Name == "":
		return fmt.Sprintf("build failed during %s: %v", e.Stage, e.Err)
	case e.Version == "":
		return fmt.Sprintf("build of %s failed during %s: %v", e.Name, e.Stage, e.Err)
	default:
		return fmt.Sprintf("build of %s %s failed during %s: %v", e.Name, e.Version, e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error {
	return e.Err
}
