package fileintegrity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/integrity-sentinel/internal/detection"
	"github.com/invisible-tech/integrity-sentinel/pkg/backup"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
	"github.com/invisible-tech/integrity-sentinel/pkg/scoring"
	"github.com/invisible-tech/integrity-sentinel/pkg/signatures"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type env struct {
	root      string
	staging   string
	backupDir string
	events    *eventlog.Log
	guard     *backup.Guard
	watcher   *Watcher
}

func newEnv(t *testing.T, sigs map[string]string, ignore func(string) bool) *env {
	t.Helper()
	log := logrus.New()
	e := &env{
		root:      t.TempDir(),
		staging:   t.TempDir(),
		backupDir: t.TempDir(),
		guard:     backup.NewGuard(2 * time.Second),
	}
	var err error
	e.events, err = eventlog.Open(eventlog.Config{}, log)
	require.NoError(t, err)

	store := backup.Store{Root: e.backupDir}
	restorer := backup.NewRestorer(store, e.guard, e.events, log)
	pipeline := detection.New(detection.Config{Backups: store}, signatures.New(sigs), restorer, scoring.Fixed(0), e.events, log)
	e.watcher = New(Config{Root: e.root, Guard: e.guard, Ignore: ignore}, pipeline, e.events, log)
	return e
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.watcher.Run(ctx) }()
	select {
	case <-e.watcher.Ready():
	case err := <-errc:
		cancel()
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(waitFor):
		cancel()
		t.Fatal("watcher never became ready")
	}
	t.Cleanup(func() {
		cancel()
		<-errc
	})
}

// drop moves a fully written file into the monitored tree so the watcher
// never sees it half written.
func (e *env) drop(t *testing.T, rel, content string) string {
	t.Helper()
	tmp := filepath.Join(e.staging, filepath.Base(rel))
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	dst := filepath.Join(e.root, rel)
	require.NoError(t, os.Rename(tmp, dst))
	return dst
}

func (e *env) messagesFor(path string) []string {
	var out []string
	for _, entry := range e.events.Entries() {
		if entry.File == path {
			out = append(out, entry.Message)
		}
	}
	return out
}

func TestRun_NewFileWithoutBackupIsBlanked(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	path := e.drop(t, "a.txt", "hello")

	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 2 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []string{detection.MsgIntegrityMismatch, backup.MsgBlanked}, e.messagesFor(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestRun_SignatureMatchIsRestored(t *testing.T) {
	// md5("hello")
	e := newEnv(t, map[string]string{"5d41402abc4b2a76b9719d911017c592": "X"}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(e.backupDir, "b.exe"), []byte("hello"), 0o644))
	e.start(t)

	path := e.drop(t, "b.exe", "hello")

	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 2 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []string{detection.MsgSignatureMatch + "X", backup.MsgRestored}, e.messagesFor(path))
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestRun_DeletionLogsOnce(t *testing.T) {
	e := newEnv(t, nil, nil)
	path := filepath.Join(e.root, "seen.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	e.start(t)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 1 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []string{MsgDeleted}, e.messagesFor(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "deletion must not restore the file")
}

func TestRun_WatchesNewSubdirectories(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	sub := filepath.Join(e.root, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return e.watcher.isDir(sub) }, waitFor, tick)

	path := e.drop(t, filepath.Join("nested", "deep.txt"), "hello")

	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 2 }, waitFor, tick)
	assert.Equal(t, []string{detection.MsgIntegrityMismatch, backup.MsgBlanked}, e.messagesFor(path))
	assert.Empty(t, e.messagesFor(sub), "directory events are not dispatched")
}

func TestRun_MovedInDirectoryContentsAreEvaluated(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	staged := filepath.Join(e.staging, "pkgdir")
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staged, "inner", "b.txt"), []byte("world"), 0o644))

	moved := filepath.Join(e.root, "pkgdir")
	require.NoError(t, os.Rename(staged, moved))

	for _, path := range []string{filepath.Join(moved, "a.txt"), filepath.Join(moved, "inner", "b.txt")} {
		require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 2 }, waitFor, tick, path)
		assert.Equal(t, []string{detection.MsgIntegrityMismatch, backup.MsgBlanked}, e.messagesFor(path))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Size())
	}
	assert.True(t, e.watcher.isDir(filepath.Join(moved, "inner")))
}

func TestRun_WriteAfterRestorationIsEvaluated(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	path := e.drop(t, "a.txt", "hello")
	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 2 }, waitFor, tick)

	// Lands well inside the guard window.
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	require.Eventually(t, func() bool { return len(e.messagesFor(path)) >= 4 }, waitFor, tick)
	want := []string{
		detection.MsgIntegrityMismatch, backup.MsgBlanked,
		detection.MsgIntegrityMismatch, backup.MsgBlanked,
	}
	assert.Equal(t, want, e.messagesFor(path)[:4])
	assert.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() == 0
	}, waitFor, tick, "the tampering write must be blanked again")
}

func TestRun_DirectoryRemovalIsNotLogged(t *testing.T) {
	e := newEnv(t, nil, nil)
	sub := filepath.Join(e.root, "old")
	require.NoError(t, os.Mkdir(sub, 0o755))
	marker := filepath.Join(e.root, "marker")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	e.start(t)

	require.NoError(t, os.Remove(sub))
	require.NoError(t, os.Remove(marker))

	require.Eventually(t, func() bool { return len(e.messagesFor(marker)) == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, e.messagesFor(sub))
}

func TestRun_IgnoredPathsAreSkipped(t *testing.T) {
	e := newEnv(t, nil, func(p string) bool { return strings.HasSuffix(p, "skip.txt") })
	e.start(t)

	skipped := e.drop(t, "skip.txt", "hello")
	seen := e.drop(t, "seen.txt", "hello")

	require.Eventually(t, func() bool { return len(e.messagesFor(seen)) >= 2 }, waitFor, tick)
	assert.Empty(t, e.messagesFor(skipped))
	content, err := os.ReadFile(skipped)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestRun_MissingRoot(t *testing.T) {
	log := logrus.New()
	events, err := eventlog.Open(eventlog.Config{}, log)
	require.NoError(t, err)
	w := New(Config{Root: filepath.Join(t.TempDir(), "absent")}, &countingEvaluator{}, events, log)

	err = w.Run(context.Background())
	assert.Error(t, err)
	select {
	case <-w.Ready():
		t.Fatal("Ready must stay open when subscription fails")
	default:
	}
}

func TestRun_RootIsAFile(t *testing.T) {
	log := logrus.New()
	events, err := eventlog.Open(eventlog.Config{}, log)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	err = New(Config{Root: file}, &countingEvaluator{}, events, log).Run(context.Background())
	assert.ErrorContains(t, err, "not a directory")
}

func TestRun_StopsOnCancel(t *testing.T) {
	log := logrus.New()
	events, err := eventlog.Open(eventlog.Config{}, log)
	require.NoError(t, err)
	w := New(Config{Root: t.TempDir()}, &countingEvaluator{}, events, log)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	<-w.Ready()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

type countingEvaluator struct {
	mu    sync.Mutex
	paths []string
}

func (c *countingEvaluator) Evaluate(path string) detection.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	return detection.Result{Path: path}
}

func (c *countingEvaluator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func TestHandleFsEvent_Dispatch(t *testing.T) {
	log := logrus.New()
	events, err := eventlog.Open(eventlog.Config{}, log)
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	guard := backup.NewGuard(time.Minute)
	eval := &countingEvaluator{}
	w := New(Config{Root: dir, Guard: guard}, eval, events, log)

	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
	assert.Equal(t, 2, eval.count())

	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Rename})
	assert.Equal(t, 2, eval.count(), "chmod and rename are ignored")

	guard.Mark(path)
	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, 2, eval.count(), "self-caused writes are suppressed")

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))
	w.handleFsEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, 3, eval.count(), "a write after the restoration is evaluated")

	w.handleFsEvent(fsnotify.Event{Name: filepath.Join(dir, "vanished"), Op: fsnotify.Write})
	assert.Equal(t, 3, eval.count(), "vanished paths are skipped")
	assert.Equal(t, 0, events.Len())
}
