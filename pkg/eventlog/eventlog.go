// Package eventlog is the single append-only record of every detection and
// action. The persisted form is one JSON array rewritten in full on every
// append; all writers share one Log and its mutex.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
)

var (
	entriesAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_log_entries_total",
			Help: "Total entries appended to the event log",
		},
	)
	persistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_log_persist_errors_total",
			Help: "Total failed rewrites of the event log file",
		},
	)
)

func init() {
	prometheus.MustRegister(entriesAppended)
	prometheus.MustRegister(persistErrors)
}

// Appender is implemented by anything that accepts log entries. Components
// that report detections take an Appender so tests can capture entries.
type Appender interface {
	Append(entry types.LogEntry) error
}

// Config for the event log.
type Config struct {
	// Path of the JSON array file. Empty keeps the log in memory only.
	Path string
	// Console receives one human-readable line per entry. Nil discards.
	Console io.Writer
}

// Log is the shared event log. It is safe for concurrent use.
type Log struct {
	cfg Config
	log *logrus.Logger
	now func() time.Time

	mu      sync.Mutex
	entries []types.LogEntry
}

// Open loads any existing log at cfg.Path and returns a Log that appends
// to it. A missing or empty file starts an empty log; a file that is not a
// JSON array is an error so existing records are never overwritten.
func Open(cfg Config, log *logrus.Logger) (*Log, error) {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	l := &Log{cfg: cfg, log: log, now: time.Now}

	if cfg.Path == "" {
		return l, nil
	}
	data, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("read event log: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, fmt.Errorf("parse event log %s: %w", cfg.Path, err)
	}
	log.WithFields(logrus.Fields{"path": cfg.Path, "entries": len(l.entries)}).Info("Loaded event log")
	return l, nil
}

// Append records entry, prints it to the console and rewrites the log
// file. The entry is kept in memory even when the rewrite fails, so the
// next successful append persists it; the failure is returned.
func (l *Log) Append(entry types.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Stamp(l.now())
	l.entries = append(l.entries, entry)
	entriesAppended.Inc()

	fmt.Fprintln(l.cfg.Console, FormatLine(entry))

	if l.cfg.Path == "" {
		return nil
	}
	if err := l.persist(); err != nil {
		persistErrors.Inc()
		return fmt.Errorf("persist event log: %w", err)
	}
	return nil
}

// persist writes the whole array to a temp file beside the log and renames
// it into place. Callers hold l.mu.
func (l *Log) persist() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	entries := l.entries
	if entries == nil {
		entries = []types.LogEntry{}
	}
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	dir := filepath.Dir(l.cfg.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.cfg.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.cfg.Path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Entries returns a copy of every entry in append order.
func (l *Log) Entries() []types.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Recent returns the most recent entries, up to limit. A limit <= 0
// returns everything.
func (l *Log) Recent(limit int) []types.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.LogEntry, limit)
	copy(out, l.entries[n-limit:])
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FormatLine renders the console form of an entry.
func FormatLine(e types.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s - %s", e.Timestamp, e.File, e.Message)
	if e.ThreatScore != nil {
		fmt.Fprintf(&b, " [Score: %d]", *e.ThreatScore)
	}
	if e.DivineMetric != nil {
		fmt.Fprintf(&b, " [Divine: %.2f]", *e.DivineMetric)
	}
	return b.String()
}
