// Package watch reports debounced file-system changes under a set of paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce groups bursts of writes from editors and build tools.
const DefaultDebounce = 300 * time.Millisecond

// skipDirs are never watched.
var skipDirs = []string{"node_modules", "vendor", "__pycache__"}

// Config holds watcher configuration.
type Config struct {
	Paths    []string // files or directories; directories are watched recursively
	Ignore   []string // glob patterns matched against the base name and the full path
	Debounce time.Duration
	Log      zerolog.Logger
}

// Watcher batches file changes and hands each batch to a callback.
type Watcher struct {
	cfg Config
	fs  *fsnotify.Watcher
	log zerolog.Logger
}

// New creates a watcher and registers every configured path.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{cfg: cfg, fs: fsw, log: cfg.Log}

	for _, path := range cfg.Paths {
		if err := w.addPath(path); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}
	return w, nil
}

// Run delivers change batches to onChange until ctx is done. onChange runs on
// the Run goroutine, so events arriving during a slow callback are batched
// into the next call. The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	defer w.fs.Close()

	var (
		pending []string
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			w.log.Debug().Str("op", event.Op.String()).Str("path", event.Name).Msg("file event")

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addPath(event.Name); err != nil {
						w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}

			if !slices.Contains(pending, event.Name) {
				pending = append(pending, event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			fire = timer.C

		case <-fire:
			batch := pending
			pending = nil
			fire = nil
			onChange(batch)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// addPath watches path. Directories are walked and every subdirectory added;
// a single file is watched through its parent directory.
func (w *Watcher) addPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		w.log.Debug().Str("file", abs).Msg("watching file")
		return w.fs.Add(filepath.Dir(abs))
	}

	return filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != abs && w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		w.log.Debug().Str("dir", p).Msg("watching directory")
		return w.fs.Add(p)
	})
}

// shouldIgnore reports whether events for path are dropped. Hidden files,
// dependency directories, and user patterns are ignored.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, part := range strings.Split(filepath.Clean(path), string(filepath.Separator)) {
		if slices.Contains(skipDirs, part) {
			return true
		}
	}
	for _, pattern := range w.cfg.Ignore {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
