package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/build"
)

// DefaultDebounce is how long the tree must stay quiet before a change fires
const DefaultDebounce = 500 * time.Millisecond

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	// Dir is the extension directory, watched recursively
	Dir string
	// ManifestPath is the file the pipeline itself rewrites
	ManifestPath string
	Debounce     time.Duration
}

// Watcher reports debounced changes under the extension directory.
// Rewrites of the manifest made by the pipeline are not reported: after
// Settle the manifest's digest is remembered and a later event that only
// touched the manifest fires only if the digest changed.
type Watcher struct {
	fs       *fsnotify.Watcher
	cfg      WatcherConfig
	logger   logrus.FieldLogger
	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	manifest string
}

// NewWatcher creates a watcher; call Start to begin watching
func NewWatcher(cfg WatcherConfig, logger logrus.FieldLogger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fs:      fsw,
		cfg:     cfg,
		logger:  logger.WithField("dir", cfg.Dir),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the directory tree and returns the change channel. Changes
// coalesce: a receiver that falls behind sees one pending signal.
func (w *Watcher) Start() (<-chan struct{}, error) {
	err := filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.cfg.Dir && ignored(path) {
				return filepath.SkipDir
			}
			return w.fs.Add(path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.cfg.Dir, err)
	}
	w.Settle()

	go w.loop()
	return w.changes, nil
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

// Settle records the manifest's current digest as the pipeline's own
// writing.
func (w *Watcher) Settle() {
	digest := w.manifestDigest()
	w.mu.Lock()
	w.manifest = digest
	w.mu.Unlock()
}

// ProgressSink settles the watcher once the build has rewritten the
// manifest, which always happens before packaging starts.
func (w *Watcher) ProgressSink() build.ProgressSink {
	return build.ProgressFunc(func(e build.Event) {
		if e.Phase == build.PhasePackaging {
			w.Settle()
		}
	})
}

func (w *Watcher) manifestDigest() string {
	if w.cfg.ManifestPath == "" {
		return ""
	}
	data, err := os.ReadFile(w.cfg.ManifestPath)
	if err != nil {
		return ""
	}
	return archive.Digest(data)
}

func (w *Watcher) loop() {
	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		others   bool
		manifest bool
	)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				w.follow(event.Name)
			}
			if w.isManifest(event.Name) {
				manifest = true
			} else {
				others = true
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			fire := others
			if !fire && manifest {
				fire = w.manifestChanged()
			}
			others, manifest = false, false
			if !fire {
				w.logger.Debug("Ignoring manifest rewrite made by the pipeline")
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("File watcher error")

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// manifestChanged compares the manifest against the settled digest and
// settles on the new one.
func (w *Watcher) manifestChanged() bool {
	digest := w.manifestDigest()
	w.mu.Lock()
	defer w.mu.Unlock()
	if digest == w.manifest {
		return false
	}
	w.manifest = digest
	return true
}

// follow starts watching directories created after Start
func (w *Watcher) follow(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fs.Add(path); err != nil {
		w.logger.WithError(err).WithField("path", path).Warn("Failed to watch new directory")
	}
}

func (w *Watcher) isManifest(path string) bool {
	return w.cfg.ManifestPath != "" && filepath.Clean(path) == filepath.Clean(w.cfg.ManifestPath)
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return !ignored(event.Name)
}

// ignored filters hidden files and editor droppings
func ignored(path string) bool {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "."), strings.HasPrefix(base, "#"):
		return true
	case strings.HasSuffix(base, "~"), strings.HasSuffix(base, ".swp"), strings.HasSuffix(base, ".tmp"):
		return true
	case base == "__pycache__":
		return true
	}
	return false
}
