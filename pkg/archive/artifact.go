package archive

import (
	"github.com/platinummonkey/extforge/pkg/manifest"
	"github.com/platinummonkey/extforge/pkg/version"
)

// Artifact is one build's output. It lives only for the duration of the
// build; the outer bytes are what gets validated, uploaded and copied to
// dist.
type Artifact struct {
	Name      string
	Version   version.Version
	FileName  string
	Inner     []byte
	Signature []byte
	Outer     []byte
}

// NewArtifact prepares an artifact for name at v
func NewArtifact(name string, v version.Version) *Artifact {
	return &Artifact{
		Name:     name,
		Version:  v,
		FileName: manifest.FileName(name, v),
	}
}

// Digest fingerprints the outer archive
func (a *Artifact) Digest() string {
	return Digest(a.Outer)
}
