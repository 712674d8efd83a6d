// Package detection runs the ordered set of file heuristics that decide
// whether a changed file is logged and restored.
package detection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
	"github.com/invisible-tech/integrity-sentinel/pkg/backup"
	"github.com/invisible-tech/integrity-sentinel/pkg/digest"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
	"github.com/invisible-tech/integrity-sentinel/pkg/scoring"
	"github.com/invisible-tech/integrity-sentinel/pkg/signatures"
)

// Check identifiers, in evaluation order.
const (
	CheckIntegrity  = "integrity"
	CheckSignature  = "signature"
	CheckHeuristic  = "heuristic"
	CheckPredictive = "predictive"
)

// Log messages written by the pipeline.
const (
	MsgIntegrityMismatch = "File integrity mismatch detected"
	MsgSignatureMatch    = "Signature match detected: "
	MsgLargeFile         = "Heuristic alert: Unusually large file"
	MsgEmptyExecutable   = "Heuristic alert: Empty executable"
	MsgPredictiveThreat  = "Predictive threat detected"
)

// Defaults for Config.
const (
	DefaultLargeFileThreshold int64 = 100 * 1024 * 1024
	DefaultScoreThreshold           = 70
)

// DefaultExecutableExtensions are the extensions the empty-executable
// heuristic looks at.
var DefaultExecutableExtensions = []string{".exe", ".bat", ".cmd"}

var detections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_detections_total",
		Help: "Total heuristic detections by check",
	},
	[]string{"check"},
)

func init() {
	prometheus.MustRegister(detections)
}

// Restorer puts a file back to its known-good state.
type Restorer interface {
	Restore(path string) (backup.Outcome, error)
}

// Config tunes the pipeline thresholds. Zero values take the defaults.
type Config struct {
	Backups              backup.Store
	LargeFileThreshold   int64
	ScoreThreshold       int
	ExecutableExtensions []string
}

// Check is one heuristic in the pipeline.
type Check struct {
	ID   string
	Name string
	run  func(path string, res *Result)
}

// Result summarises one evaluation.
type Result struct {
	Path         string
	Fired        []string
	Restorations int
	Score        int
	Metric       float64
}

// Has reports whether the check with id fired.
func (r Result) Has(id string) bool {
	for _, f := range r.Fired {
		if f == id {
			return true
		}
	}
	return false
}

func (r *Result) fire(id string) {
	r.Fired = append(r.Fired, id)
	detections.WithLabelValues(id).Inc()
}

// Pipeline evaluates files against every check in fixed order. None of the
// checks short-circuits the others and read failures only neutralise the
// check that hit them.
type Pipeline struct {
	cfg      Config
	sigs     *signatures.Database
	restorer Restorer
	scorer   scoring.Scorer
	events   eventlog.Appender
	log      *logrus.Logger

	execExts map[string]bool
	checks   []Check
}

// New creates a pipeline. The signature database is owned read-only by the
// pipeline for its lifetime.
func New(cfg Config, sigs *signatures.Database, restorer Restorer, scorer scoring.Scorer, events eventlog.Appender, log *logrus.Logger) *Pipeline {
	if cfg.LargeFileThreshold <= 0 {
		cfg.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if len(cfg.ExecutableExtensions) == 0 {
		cfg.ExecutableExtensions = DefaultExecutableExtensions
	}
	if sigs == nil {
		sigs = signatures.New(nil)
	}
	if scorer == nil {
		scorer = scoring.Random{}
	}

	p := &Pipeline{
		cfg:      cfg,
		sigs:     sigs,
		restorer: restorer,
		scorer:   scorer,
		events:   events,
		log:      log,
		execExts: make(map[string]bool, len(cfg.ExecutableExtensions)),
	}
	for _, ext := range cfg.ExecutableExtensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		p.execExts[strings.ToLower(ext)] = true
	}
	p.checks = []Check{
		{ID: CheckIntegrity, Name: "Backup integrity comparison", run: p.integrityCheck},
		{ID: CheckSignature, Name: "Known-bad signature scan", run: p.signatureScan},
		{ID: CheckHeuristic, Name: "Size heuristics", run: p.heuristicScan},
		{ID: CheckPredictive, Name: "Predictive anomaly score", run: p.predictiveScore},
	}
	return p
}

// Checks returns the checks in evaluation order (read-only).
func (p *Pipeline) Checks() []Check {
	return p.checks
}

// Evaluate runs every check against path.
func (p *Pipeline) Evaluate(path string) Result {
	res := Result{Path: path}
	for _, c := range p.checks {
		c.run(path, &res)
	}
	if len(res.Fired) > 0 {
		p.log.WithFields(logrus.Fields{
			"path":         path,
			"fired":        res.Fired,
			"restorations": res.Restorations,
		}).Debug("File evaluated")
	}
	return res
}

func (p *Pipeline) integrityCheck(path string, res *Result) {
	live, liveErr := digest.File(path, digest.SHA256)
	known, knownErr := p.knownDigest(path)
	if digest.Equal(live, liveErr, known, knownErr) {
		return
	}
	res.fire(CheckIntegrity)
	p.record(types.NewLogEntry(path, MsgIntegrityMismatch))
	p.restore(path, res)
}

// knownDigest hashes the backup entry for path. A missing entry, including
// an unconfigured store, is reported as an error like any unreadable file.
func (p *Pipeline) knownDigest(path string) (string, error) {
	src, err := p.cfg.Backups.Lookup(path)
	if err != nil {
		return "", err
	}
	return digest.File(src, digest.SHA256)
}

func (p *Pipeline) signatureScan(path string, res *Result) {
	sum, err := digest.File(path, digest.MD5)
	if err != nil {
		return
	}
	label, ok := p.sigs.Lookup(sum)
	if !ok {
		return
	}
	res.fire(CheckSignature)
	p.record(types.NewLogEntry(path, MsgSignatureMatch+label))
	p.restore(path, res)
}

func (p *Pipeline) heuristicScan(path string, res *Result) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	var alerts []string
	if info.Size() > p.cfg.LargeFileThreshold {
		alerts = append(alerts, MsgLargeFile)
	}
	if info.Size() == 0 && p.execExts[strings.ToLower(filepath.Ext(path))] {
		alerts = append(alerts, MsgEmptyExecutable)
	}
	if len(alerts) == 0 {
		return
	}
	res.fire(CheckHeuristic)
	for _, msg := range alerts {
		p.record(types.NewLogEntry(path, msg))
	}
}

func (p *Pipeline) predictiveScore(path string, res *Result) {
	score, metric := scoring.Assess(p.scorer, path)
	res.Score, res.Metric = score, metric
	if score <= p.cfg.ScoreThreshold {
		return
	}
	res.fire(CheckPredictive)
	p.record(types.NewLogEntry(path, MsgPredictiveThreat).WithScore(score, metric))
	p.restore(path, res)
}

func (p *Pipeline) restore(path string, res *Result) {
	if _, err := p.restorer.Restore(path); err != nil {
		p.log.WithError(err).WithField("path", path).Warn("Restoration failed")
		return
	}
	res.Restorations++
}

func (p *Pipeline) record(entry types.LogEntry) {
	if err := p.events.Append(entry); err != nil {
		p.log.WithError(err).WithField("path", entry.File).Error("Failed to persist event log entry")
	}
}

// String describes the pipeline for startup logs.
func (p *Pipeline) String() string {
	ids := make([]string, len(p.checks))
	for i, c := range p.checks {
		ids[i] = c.ID
	}
	return fmt.Sprintf("pipeline[%s] signatures=%d", strings.Join(ids, ","), p.sigs.Len())
}

var _ Restorer = (*backup.Restorer)(nil)
