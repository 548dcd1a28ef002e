package dist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrMirror is returned when the artifact landed in the directory but at
// least one mirror could not be updated.
var ErrMirror = errors.New("dist mirror failed")

// Directory is the durable output location. Files appear atomically: they
// are written to a hidden temp file in the same directory and renamed.
type Directory struct {
	dir string
}

// NewDirectory returns a dist directory rooted at dir
func NewDirectory(dir string) *Directory {
	return &Directory{dir: dir}
}

// Dir returns the directory path
func (d *Directory) Dir() string {
	return d.dir
}

// Path returns where name lives inside the directory
func (d *Directory) Path(name string) string {
	return filepath.Join(d.dir, filepath.Base(name))
}

// Write stores data as name and returns its final path
func (d *Directory) Write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create dist directory: %w", err)
	}

	final := d.Path(name)
	tmp, err := os.CreateTemp(d.dir, ".tmp-"+filepath.Base(name)+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("failed to chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("failed to move %s into dist: %w", name, err)
	}
	return final, nil
}

// Read returns a published artifact
func (d *Directory) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read dist artifact: %w", err)
	}
	return data, nil
}

// List returns the published archive names, sorted, skipping temp files
func (d *Directory) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list dist directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Mirror receives a copy of every published artifact
type Mirror interface {
	Put(ctx context.Context, name string, data []byte) error
	String() string
}

// Publisher writes to the directory first and then pushes to every mirror
// concurrently.
type Publisher struct {
	Dir     *Directory
	Mirrors []Mirror
	Logger  logrus.FieldLogger
}

// NewPublisher creates a publisher for dir and optional mirrors
func NewPublisher(dir *Directory, logger logrus.FieldLogger, mirrors ...Mirror) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{Dir: dir, Mirrors: mirrors, Logger: logger}
}

// Publish stores the artifact. A mirror failure does not undo the local
// copy; it is reported as ErrMirror alongside the final path.
func (p *Publisher) Publish(ctx context.Context, name string, data []byte) (string, error) {
	path, err := p.Dir.Write(name, data)
	if err != nil {
		return "", err
	}
	p.Logger.WithField("path", path).Info("Artifact written to dist")

	if len(p.Mirrors) == 0 {
		return path, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range p.Mirrors {
		m := m
		g.Go(func() error {
			if err := m.Put(gctx, name, data); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMirror, m, err)
			}
			p.Logger.WithField("mirror", m.String()).Debug("Artifact mirrored")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return path, err
	}
	return path, nil
}
