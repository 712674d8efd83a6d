package backup

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
)

// Log messages written by the restorer.
const (
	MsgRestored = "Restored from backup"
	MsgBlanked  = "Missing backup; touched empty file"
)

var restorations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_restorations_total",
		Help: "Total restoration attempts by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(restorations)
}

// Outcome of a restoration.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeRestored
	OutcomeBlanked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRestored:
		return "restored"
	case OutcomeBlanked:
		return "blanked"
	default:
		return "failed"
	}
}

// Restorer copies backup entries over live files. It performs no locking
// around the copy. After each write the Guard records the resulting file
// state so the write is not re-dispatched.
type Restorer struct {
	store  Store
	guard  *Guard
	events eventlog.Appender
	log    *logrus.Logger
}

// NewRestorer creates a Restorer. guard may be nil.
func NewRestorer(store Store, guard *Guard, events eventlog.Appender, log *logrus.Logger) *Restorer {
	return &Restorer{store: store, guard: guard, events: events, log: log}
}

// Restore puts the known-good copy of path back in place. With no backup
// entry the live file is truncated to zero bytes instead, destroying its
// content. The backup itself is never written.
func (r *Restorer) Restore(path string) (Outcome, error) {
	src, err := r.store.Lookup(path)
	switch {
	case errors.Is(err, ErrNoBackup):
		return r.blank(path)
	case err != nil:
		restorations.WithLabelValues(OutcomeFailed.String()).Inc()
		return OutcomeFailed, err
	}

	if err := copyFile(src, path); err != nil {
		restorations.WithLabelValues(OutcomeFailed.String()).Inc()
		r.log.WithError(err).WithFields(logrus.Fields{"path": path, "backup": src}).Error("Restore from backup failed")
		return OutcomeFailed, fmt.Errorf("restore %s: %w", path, err)
	}
	r.guard.Mark(path)

	restorations.WithLabelValues(OutcomeRestored.String()).Inc()
	r.record(path, MsgRestored)
	return OutcomeRestored, nil
}

func (r *Restorer) blank(path string) (Outcome, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		restorations.WithLabelValues(OutcomeFailed.String()).Inc()
		r.log.WithError(err).WithField("path", path).Error("Failed to blank file without backup")
		return OutcomeFailed, fmt.Errorf("blank %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		restorations.WithLabelValues(OutcomeFailed.String()).Inc()
		return OutcomeFailed, fmt.Errorf("blank %s: %w", path, err)
	}
	r.guard.Mark(path)

	restorations.WithLabelValues(OutcomeBlanked.String()).Inc()
	r.record(path, MsgBlanked)
	return OutcomeBlanked, nil
}

func (r *Restorer) record(path, msg string) {
	if err := r.events.Append(types.NewLogEntry(path, msg)); err != nil {
		r.log.WithError(err).WithField("path", path).Error("Failed to persist event log entry")
	}
}

// copyFile overwrites dst with the content of src, then applies src's
// permission bits and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
