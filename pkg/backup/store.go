// Package backup resolves known-good copies of monitored files and restores
// live files from them.
package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNoBackup is returned when the store has no entry for a file.
var ErrNoBackup = errors.New("no backup entry")

// Store is a mirror directory of last-known-good copies keyed by base name.
// The core only ever reads from it.
type Store struct {
	Root string
}

// Path returns where the backup entry for live would be.
func (s Store) Path(live string) string {
	return filepath.Join(s.Root, filepath.Base(live))
}

// Lookup returns the backup entry path for live, or ErrNoBackup when no
// regular file exists under that base name.
func (s Store) Lookup(live string) (string, error) {
	if s.Root == "" {
		return "", ErrNoBackup
	}
	p := s.Path(live)
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNoBackup
	}
	if err != nil {
		return "", fmt.Errorf("stat backup %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return "", ErrNoBackup
	}
	return p, nil
}
