package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Fixed names of the intermediate files a build writes
const (
	InnerFile     = "extension.zip"
	SignatureFile = "extension.zip.sig"
	FusedCredFile = "developer-fused.pem"
)

// Area is a per-project scratch directory for one build's intermediate
// files. Every file written through the area is tracked so Cleanup can
// remove exactly what the build produced.
type Area struct {
	dir string

	mu      sync.Mutex
	tracked map[string]struct{}
}

// Open creates the staging directory if needed
func Open(dir string) (*Area, error) {
	if dir == "" {
		return nil, errors.New("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Area{dir: dir, tracked: make(map[string]struct{})}, nil
}

// Dir returns the staging directory
func (a *Area) Dir() string {
	return a.dir
}

// Path returns the absolute location of name inside the area
func (a *Area) Path(name string) string {
	return filepath.Join(a.dir, filepath.Base(name))
}

// Write stores data under name and tracks it for cleanup
func (a *Area) Write(name string, data []byte) error {
	a.Track(name)
	if err := os.WriteFile(a.Path(name), data, 0o600); err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}
	return nil
}

// Track marks a file produced by someone else, such as an external
// packaging tool, for cleanup.
func (a *Area) Track(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracked[filepath.Base(name)] = struct{}{}
}

// Read returns the content of a staged file
func (a *Area) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(a.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read staged %s: %w", name, err)
	}
	return data, nil
}

// Remove deletes a staged file. A missing file is not an error.
func (a *Area) Remove(name string) error {
	a.mu.Lock()
	delete(a.tracked, filepath.Base(name))
	a.mu.Unlock()

	if err := os.Remove(a.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged %s: %w", name, err)
	}
	return nil
}

// Files lists the tracked files that still exist, sorted
func (a *Area) Files() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []string
	for name := range a.tracked {
		if _, err := os.Stat(a.Path(name)); err == nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Cleanup removes every tracked file plus the fixed intermediate names.
// All removals are attempted; the errors are joined.
func (a *Area) Cleanup() error {
	a.mu.Lock()
	names := []string{InnerFile, SignatureFile, FusedCredFile}
	for name := range a.tracked {
		names = append(names, name)
	}
	a.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := a.Remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
