// Package types defines the records shared by the event log, the detection
// pipeline, the process monitor and the status API.
package types

import "time"

// TimestampLayout is the on-disk timestamp format of a log entry.
const TimestampLayout = "2006-01-02 15:04:05"

// LogEntry is one detection or action record. Its JSON shape is the
// persisted event-log contract.
type LogEntry struct {
	Timestamp    string   `json:"timestamp"`
	File         string   `json:"file"`
	Message      string   `json:"message"`
	ThreatScore  *int     `json:"threat_score,omitempty"`
	DivineMetric *float64 `json:"divine_metric,omitempty"`
}

// NewLogEntry builds an entry for subject with no score attached. The
// timestamp is left for the event log to stamp.
func NewLogEntry(subject, message string) LogEntry {
	return LogEntry{File: subject, Message: message}
}

// WithScore returns a copy of the entry carrying an anomaly score and its
// secondary metric.
func (e LogEntry) WithScore(score int, metric float64) LogEntry {
	e.ThreatScore = &score
	e.DivineMetric = &metric
	return e
}

// Stamp sets the timestamp from t when it is empty.
func (e *LogEntry) Stamp(t time.Time) {
	if e.Timestamp == "" {
		e.Timestamp = t.Format(TimestampLayout)
	}
}

// ProcessSample is a single reading from the process table.
type ProcessSample struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	Exe        string  `json:"exe,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Subject is the identifier a process alert is logged under: the executable
// path when known, otherwise the process name.
func (s ProcessSample) Subject() string {
	if s.Exe != "" {
		return s.Exe
	}
	return s.Name
}
