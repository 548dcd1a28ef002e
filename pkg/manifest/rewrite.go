package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/version"
)

// RewriteVersion replaces the value of the first top-level version line.
// Quote style and every other byte, including line endings, are kept.
func RewriteVersion(text []byte, v version.Version) ([]byte, error) {
	loc := versionValue.FindSubmatchIndex(text)
	if loc == nil {
		return nil, fmt.Errorf("%w: missing version", ErrParse)
	}
	// groups: 1 prefix, 2 open quote, 3 value, 4 close quote
	valStart, valEnd := loc[6], loc[7]

	out := make([]byte, 0, len(text)+4)
	out = append(out, text[:valStart]...)
	out = append(out, v.String()...)
	out = append(out, text[valEnd:]...)
	return out, nil
}

// WriteVersion rewrites the manifest at path to carry v. The file is
// replaced through a temp file and rename so readers never observe a
// half-written manifest. Callers must hold the project lock.
func WriteVersion(path string, v version.Version, logger logrus.FieldLogger) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat manifest: %w", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	after, err := RewriteVersion(before, v)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(after); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	if logger != nil {
		logger.WithField("manifest", path).Debugf("Rewrote manifest version:\n%s", Diff(before, after))
	}
	return nil
}

// Diff renders a patch describing the change from a to b
func Diff(a, b []byte) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(a), string(b), false)
	return dmp.PatchToText(dmp.PatchMake(string(a), diffs))
}
