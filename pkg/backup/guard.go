package backup

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const guardSweepThreshold = 256

// mark is the state of a file right after the restorer wrote it.
type mark struct {
	at    time.Time
	size  int64
	mtime time.Time
}

// Guard remembers the files the restorer just wrote so the watcher can drop
// the filesystem events those writes cause. An event is only suppressed
// while the file still has the size and modification time the restorer
// left behind; any later write is evaluated normally.
//
// A nil Guard or a zero window suppresses nothing.
type Guard struct {
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	marks map[string]mark
}

// NewGuard returns a Guard that suppresses a path for window after each Mark.
func NewGuard(window time.Duration) *Guard {
	return &Guard{
		window: window,
		now:    time.Now,
		marks:  make(map[string]mark),
	}
}

// Mark records the current state of path, which the daemon itself just
// wrote. A path that cannot be stat'ed is not marked.
func (g *Guard) Mark(path string) {
	if g == nil || g.window <= 0 {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.marks[filepath.Clean(path)] = mark{at: now, size: info.Size(), mtime: info.ModTime()}
	if len(g.marks) > guardSweepThreshold {
		for p, m := range g.marks {
			if now.Sub(m.at) > g.window {
				delete(g.marks, p)
			}
		}
	}
}

// Suppressed reports whether an event for path, whose current state is
// info, was caused by a recent Mark. A mismatch or an expired mark clears
// the mark.
func (g *Guard) Suppressed(path string, info fs.FileInfo) bool {
	if g == nil || g.window <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := filepath.Clean(path)
	m, ok := g.marks[key]
	if !ok {
		return false
	}
	if g.now().Sub(m.at) > g.window || info == nil ||
		info.Size() != m.size || !info.ModTime().Equal(m.mtime) {
		delete(g.marks, key)
		return false
	}
	return true
}

// Window returns the configured cool-down.
func (g *Guard) Window() time.Duration {
	if g == nil {
		return 0
	}
	return g.window
}
