// Package watch publishes workspace file changes to the bus so board views
// can refresh file trees without polling. It watches the workspace root and
// its immediate child directories.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oakline/deskd/internal/bus"
)

// debounceWindow coalesces bursts of events for the same path.
const debounceWindow = 150 * time.Millisecond

// skipDirs are noisy trees never worth watching.
var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, ".cache": {}, "vendor": {},
}

// Watcher forwards filesystem events under a workspace root to the bus.
type Watcher struct {
	root   string
	bus    *bus.Bus
	logger *slog.Logger
}

// NewWatcher creates a Watcher for the given workspace root.
func NewWatcher(root string, b *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, bus: b, logger: logger}
}

// Start begins watching. The goroutine exits with the context.
func (w *Watcher) Start(ctx context.Context) error {
	if strings.TrimSpace(w.root) == "" {
		return fmt.Errorf("watch: workspace root not configured")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	addDir := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return
		}
		if _, skip := skipDirs[filepath.Base(abs)]; skip {
			return
		}
		if err := fsw.Add(abs); err != nil {
			if !os.IsNotExist(err) {
				w.logger.Warn("watch: add failed", "dir", abs, "error", err)
			}
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			if _, skip := skipDirs[ent.Name()]; skip {
				continue
			}
			_ = fsw.Add(filepath.Join(abs, ent.Name()))
		}
	}
	addDir(w.root)

	go func() {
		defer func() { _ = fsw.Close() }()

		// Debounce per path: the last op within the window wins.
		pending := make(map[string]string)
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			for path, op := range pending {
				w.bus.Publish(bus.TopicWorkspaceFileChanged, bus.FileChanged{Path: path, Op: op})
			}
			pending = make(map[string]string)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						addDir(ev.Name)
					}
				}
				rel, err := filepath.Rel(w.root, ev.Name)
				if err != nil {
					rel = ev.Name
				}
				pending[rel] = opString(ev.Op)

				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounceWindow)
					timerC = timer.C
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch: watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	w.logger.Info("workspace watcher started", "root", w.root)
	return nil
}

func opString(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	default:
		return "chmod"
	}
}
