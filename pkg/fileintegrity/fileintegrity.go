// Package fileintegrity watches a directory tree and dispatches changed
// files to the detection pipeline.
package fileintegrity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/detection"
	"github.com/invisible-tech/integrity-sentinel/internal/types"
	"github.com/invisible-tech/integrity-sentinel/pkg/backup"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
)

// MsgDeleted is logged when a file inside the tree is removed.
const MsgDeleted = "File deleted"

// ErrEventsClosed is returned when the notifier closes its event stream.
var ErrEventsClosed = errors.New("filesystem event stream closed")

var watchersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "sentinel_watchers_active",
		Help: "Number of directory watchers currently subscribed",
	},
)

func init() {
	prometheus.MustRegister(watchersActive)
}

// Evaluator runs the detection checks on one file.
type Evaluator interface {
	Evaluate(path string) detection.Result
}

// Config for one directory watcher.
type Config struct {
	// Root is the monitored directory; it is watched recursively.
	Root string
	// Guard drops events caused by the daemon's own restorations.
	Guard *backup.Guard
	// Ignore reports paths that must never be dispatched, such as the
	// backup root or the event log file. May be nil.
	Ignore func(path string) bool
}

// Watcher turns create/modify events into evaluations and remove events into
// deletion entries. Rename and chmod events are ignored; a rename target
// arrives as a create. Each Watcher is one unit of concurrency; Run blocks.
type Watcher struct {
	cfg    Config
	eval   Evaluator
	events eventlog.Appender
	log    *logrus.Logger

	fsw   *fsnotify.Watcher
	ready chan struct{}

	mu   sync.Mutex
	dirs map[string]bool
}

// New creates a Watcher for cfg.Root. Subscription happens in Run.
func New(cfg Config, eval Evaluator, events eventlog.Appender, log *logrus.Logger) *Watcher {
	cfg.Root = filepath.Clean(cfg.Root)
	return &Watcher{
		cfg:    cfg,
		eval:   eval,
		events: events,
		log:    log,
		ready:  make(chan struct{}),
		dirs:   make(map[string]bool),
	}
}

// Root returns the monitored directory.
func (w *Watcher) Root() string {
	return w.cfg.Root
}

// Ready is closed once the tree is subscribed and events are being read.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run subscribes the tree and delivers events until ctx is cancelled. A
// subscription failure or a notifier error ends Run with that error; there
// is no retry.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.cfg.Root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", w.cfg.Root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := fsw.Add(w.cfg.Root); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Root, err)
	}
	w.rememberDir(w.cfg.Root)
	w.addWatchRecursive(w.cfg.Root, false)

	watchersActive.Inc()
	defer watchersActive.Dec()
	w.log.WithFields(logrus.Fields{"root": w.cfg.Root, "dirs": w.dirCount()}).Info("Real-time monitoring active")
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			w.log.WithField("root", w.cfg.Root).Info("Watcher stopping")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return ErrEventsClosed
			}
			w.handleFsEvent(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return ErrEventsClosed
			}
			return fmt.Errorf("watch %s: %w", w.cfg.Root, err)
		}
	}
}

// addWatchRecursive watches path and every directory below it; the root
// itself is added by Run. With evaluate set, regular files found on the way
// are dispatched too, so the contents of a directory moved into the tree are
// checked like any other new file. Individual failures are logged and
// skipped.
func (w *Watcher) addWatchRecursive(path string, evaluate bool) {
	filepath.WalkDir(path, func(walkPath string, d os.DirEntry, err error) error {
		if err != nil {
			w.log.WithError(err).WithField("path", walkPath).Debug("Cannot walk path")
			return nil
		}
		if w.ignored(walkPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if evaluate && d.Type().IsRegular() {
				if info, err := d.Info(); err == nil {
					w.dispatch(walkPath, info)
				}
			}
			return nil
		}
		if walkPath == w.cfg.Root {
			return nil
		}
		if err := w.fsw.Add(walkPath); err != nil {
			w.log.WithError(err).WithField("path", walkPath).Debug("Failed to add watch")
			return nil
		}
		w.rememberDir(walkPath)
		return nil
	})
}

// handleFsEvent processes a filesystem event
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if w.ignored(path) {
		return
	}

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.addWatchRecursive(path, true)
			return
		}
		w.clearDir(path)
		w.dispatch(path, info)

	case event.Op&fsnotify.Write == fsnotify.Write:
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		w.dispatch(path, info)

	case event.Op&fsnotify.Remove == fsnotify.Remove:
		// Removed directories stay in the set: the notifier reports them
		// once from the parent and once from their own watch.
		if w.isDir(path) {
			return
		}
		w.record(types.NewLogEntry(path, MsgDeleted))
	}
}

func (w *Watcher) dispatch(path string, info os.FileInfo) {
	if !info.Mode().IsRegular() {
		return
	}
	if w.cfg.Guard.Suppressed(path, info) {
		w.log.WithField("path", path).Debug("Ignoring event caused by restoration")
		return
	}
	w.eval.Evaluate(path)
}

func (w *Watcher) record(entry types.LogEntry) {
	if err := w.events.Append(entry); err != nil {
		w.log.WithError(err).WithField("path", entry.File).Error("Failed to persist event log entry")
	}
}

func (w *Watcher) ignored(path string) bool {
	return w.cfg.Ignore != nil && w.cfg.Ignore(path)
}

func (w *Watcher) rememberDir(path string) {
	w.mu.Lock()
	w.dirs[path] = true
	w.mu.Unlock()
}

// clearDir drops path from the directory set once a regular file takes its
// name.
func (w *Watcher) clearDir(path string) {
	w.mu.Lock()
	delete(w.dirs, path)
	w.mu.Unlock()
}

func (w *Watcher) isDir(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirs[path]
}

func (w *Watcher) dirCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}
