// Package signatures holds the read-only table of known-bad digests.
package signatures

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// Database maps a lowercase hex digest to a human-readable label. It is
// immutable after construction and safe for concurrent reads.
type Database struct {
	entries map[string]string
}

// New builds a database from digest → label pairs.
func New(entries map[string]string) *Database {
	db := &Database{entries: make(map[string]string, len(entries))}
	for digest, label := range entries {
		db.entries[normalize(digest)] = label
	}
	return db
}

// Load reads a JSON object of digest → label from path. A missing file
// yields an empty database.
func Load(path string) (*Database, error) {
	if path == "" {
		return New(nil), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signature database: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return New(nil), nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse signature database %s: %w", path, err)
	}
	return New(raw), nil
}

// Lookup returns the label for digest.
func (db *Database) Lookup(digest string) (string, bool) {
	if db == nil {
		return "", false
	}
	label, ok := db.entries[normalize(digest)]
	return label, ok
}

// Len returns the number of signatures.
func (db *Database) Len() int {
	if db == nil {
		return 0
	}
	return len(db.entries)
}

func normalize(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}
