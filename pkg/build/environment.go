package build

import (
	"errors"
	"path/filepath"

	"github.com/platinummonkey/extforge/pkg/manifest"
	"github.com/platinummonkey/extforge/pkg/publish"
)

// ExtensionDirName is the folder inside the project that gets packaged
const ExtensionDirName = "extension"

// Environment locates everything one project build touches
type Environment struct {
	// ProjectDir is the project root
	ProjectDir string
	// ExtensionDir defaults to <ProjectDir>/extension
	ExtensionDir string
	// ManifestPath defaults to <ExtensionDir>/extension.yaml
	ManifestPath string
	StagingDir   string
	DistDir      string
	KeyPath      string
	CertPath     string
	// Registry is nil for local-only builds
	Registry publish.Registry
}

// Resolve fills in the derived paths and makes them absolute
func (e Environment) Resolve() (Environment, error) {
	if e.ProjectDir == "" {
		return e, errors.New("project directory is required")
	}
	abs, err := filepath.Abs(e.ProjectDir)
	if err != nil {
		return e, err
	}
	e.ProjectDir = abs

	if e.ExtensionDir == "" {
		e.ExtensionDir = filepath.Join(e.ProjectDir, ExtensionDirName)
	}
	if e.ManifestPath == "" {
		e.ManifestPath = filepath.Join(e.ExtensionDir, manifest.DefaultFileName)
	}
	if e.StagingDir == "" {
		e.StagingDir = filepath.Join(e.ProjectDir, ".extforge", "staging")
	}
	if e.DistDir == "" {
		e.DistDir = filepath.Join(e.ProjectDir, "dist")
	}

	for _, p := range []*string{&e.ExtensionDir, &e.ManifestPath, &e.StagingDir, &e.DistDir} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(e.ProjectDir, *p)
		}
	}
	return e, nil
}

// HasRegistry reports whether a registry is connected
func (e Environment) HasRegistry() bool {
	return e.Registry != nil
}
