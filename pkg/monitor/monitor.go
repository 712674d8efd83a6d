package monitor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/pkg/backup"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
	"github.com/invisible-tech/integrity-sentinel/pkg/fileintegrity"
)

// Unit is a long-running monitoring component.
type Unit interface {
	Run(ctx context.Context) error
}

// Config holds configuration for the supervisor
type Config struct {
	WatchPaths []string
	BackupDir  string
	LogPath    string
}

// Monitor starts one watcher per monitored directory plus the process
// monitor, and stops them together.
type Monitor struct {
	cfg Config
	log *logrus.Logger

	watchers []*fileintegrity.Watcher
	procMon  Unit

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a Monitor. procMon may be nil to disable process monitoring.
func New(cfg Config, eval fileintegrity.Evaluator, procMon Unit, guard *backup.Guard, events eventlog.Appender, log *logrus.Logger) (*Monitor, error) {
	if len(cfg.WatchPaths) == 0 {
		return nil, errors.New("no watch paths configured")
	}

	roots, nested, err := watchRoots(cfg.WatchPaths)
	if err != nil {
		return nil, err
	}
	for _, root := range nested {
		log.WithField("path", root).Warn("Watch path is inside another watch path; skipping")
	}

	m := &Monitor{cfg: cfg, log: log, procMon: procMon}
	ignore := IgnoreFunc(cfg.BackupDir, cfg.LogPath)
	for _, root := range roots {
		m.watchers = append(m.watchers, fileintegrity.New(fileintegrity.Config{
			Root:   root,
			Guard:  guard,
			Ignore: ignore,
		}, eval, events, log))
	}
	return m, nil
}

// watchRoots resolves paths to absolute roots in configuration order.
// Duplicates are dropped, and roots inside another root are returned
// separately since the enclosing watcher already covers them.
func watchRoots(paths []string) (roots, nested []string, err error) {
	var abs []string
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		root, err := filepath.Abs(p)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve watch path %q: %w", p, err)
		}
		if !seen[root] {
			seen[root] = true
			abs = append(abs, root)
		}
	}

	for _, root := range abs {
		inside := false
		for _, other := range abs {
			if other != root && within(other, root) {
				inside = true
				break
			}
		}
		if inside {
			nested = append(nested, root)
		} else {
			roots = append(roots, root)
		}
	}
	return roots, nested, nil
}

// Watchers returns the file watchers in configuration order.
func (m *Monitor) Watchers() []*fileintegrity.Watcher {
	return m.watchers
}

// Start launches every unit and blocks until ctx is cancelled. A unit that
// fails is logged and the others keep running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.WithField("paths", len(m.watchers)).Info("Starting monitors")

	for _, w := range m.watchers {
		m.launch(ctx, "watcher", w.Root(), w)
	}
	if m.procMon != nil {
		m.launch(ctx, "procmon", "", m.procMon)
	}

	m.log.Info("All monitors started")

	<-ctx.Done()
	return nil
}

func (m *Monitor) launch(ctx context.Context, kind, root string, u Unit) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := u.Run(ctx); err != nil {
			entry := m.log.WithError(err).WithField("unit", kind)
			if root != "" {
				entry = entry.WithField("path", root)
			}
			entry.Error("Monitor stopped with error")
		}
	}()
}

// Shutdown stops all units and waits for them until ctx expires.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.log.Info("Shutting down monitors")

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("All monitors stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("Shutdown timeout, some monitors may not have stopped cleanly")
		return ctx.Err()
	}
}

// IgnoreFunc reports paths the watchers must never evaluate: anything under
// the backup root, the event log file and the temp files it is rewritten
// through.
func IgnoreFunc(backupDir, logPath string) func(string) bool {
	if backupDir != "" {
		if abs, err := filepath.Abs(backupDir); err == nil {
			backupDir = abs
		}
	}
	var logDir, logBase string
	if logPath != "" {
		if abs, err := filepath.Abs(logPath); err == nil {
			logPath = abs
		}
		logDir, logBase = filepath.Split(logPath)
		logDir = filepath.Clean(logDir)
	}

	return func(path string) bool {
		path = filepath.Clean(path)
		if backupDir != "" && within(backupDir, path) {
			return true
		}
		if logPath == "" {
			return false
		}
		if path == logPath {
			return true
		}
		dir, base := filepath.Split(path)
		return filepath.Clean(dir) == logDir &&
			strings.HasPrefix(base, "."+logBase+".") &&
			strings.HasSuffix(base, ".tmp")
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
