package procmon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
	"github.com/invisible-tech/integrity-sentinel/pkg/scoring"
)

// MsgHighCPU is logged for every process over the CPU threshold.
const MsgHighCPU = "High CPU usage - potential threat"

const (
	DefaultScanInterval = 5 * time.Second
	DefaultCPUThreshold = 50.0
)

// DefaultAllowList holds the lower-cased process names that never alert.
// The daemon's own executable name is added by New.
var DefaultAllowList = []string{
	"python", "python3", "system", "explorer", "systemd", "init", "kthreadd",
	"sh", "bash", "zsh", "dash",
}

var alerts = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "sentinel_process_alerts_total",
	Help: "High CPU process alerts written to the event log",
})

func init() {
	prometheus.MustRegister(alerts)
}

// Source lists the running processes.
type Source interface {
	Samples(ctx context.Context) ([]types.ProcessSample, error)
}

// Config for process monitoring
type Config struct {
	ScanInterval time.Duration
	CPUThreshold float64
	AllowList    []string
}

// ProcessMonitor polls a Source and logs CPU outliers to the event log.
type ProcessMonitor struct {
	cfg    Config
	source Source
	scorer scoring.Scorer
	events eventlog.Appender
	log    *logrus.Logger

	allowed map[string]bool
}

// New creates a new ProcessMonitor. A nil source reads the host process
// table and a nil scorer draws random scores.
func New(cfg Config, source Source, scorer scoring.Scorer, events eventlog.Appender, log *logrus.Logger) *ProcessMonitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = DefaultCPUThreshold
	}
	if cfg.AllowList == nil {
		cfg.AllowList = DefaultAllowList
	}
	if source == nil {
		source = NewHostSource()
	}
	if scorer == nil {
		scorer = scoring.Random{}
	}

	allowed := make(map[string]bool, len(cfg.AllowList)+1)
	for _, name := range cfg.AllowList {
		allowed[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if self, err := os.Executable(); err == nil {
		allowed[strings.ToLower(filepath.Base(self))] = true
	}

	return &ProcessMonitor{
		cfg:     cfg,
		source:  source,
		scorer:  scorer,
		events:  events,
		log:     log,
		allowed: allowed,
	}
}

// Run polls until ctx is cancelled. Listing failures skip the poll.
func (pm *ProcessMonitor) Run(ctx context.Context) error {
	pm.log.WithFields(logrus.Fields{
		"interval":  pm.cfg.ScanInterval,
		"threshold": pm.cfg.CPUThreshold,
	}).Info("Starting process monitor")

	ticker := time.NewTicker(pm.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		pm.scan(ctx)

		select {
		case <-ctx.Done():
			pm.log.Info("Process monitor stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// scan runs a single poll and returns the number of alerts written.
func (pm *ProcessMonitor) scan(ctx context.Context) int {
	samples, err := pm.source.Samples(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			pm.log.WithError(err).Error("Failed to list processes")
		}
		return 0
	}

	n := 0
	for _, s := range samples {
		if !pm.suspicious(s) {
			continue
		}
		score, metric := scoring.Assess(pm.scorer, s.Subject())
		entry := types.NewLogEntry(s.Subject(), MsgHighCPU).WithScore(score, metric)
		alerts.Inc()
		n++
		if err := pm.events.Append(entry); err != nil {
			pm.log.WithError(err).WithField("pid", s.PID).Error("Failed to persist process alert")
		}
	}
	return n
}

func (pm *ProcessMonitor) suspicious(s types.ProcessSample) bool {
	if s.CPUPercent <= pm.cfg.CPUThreshold {
		return false
	}
	return !pm.allowed[strings.ToLower(s.Name)]
}

// HostSource reads the host process table through gopsutil. Process handles
// are kept between calls so CPU usage is measured over the poll interval;
// a process seen for the first time reads 0%.
type HostSource struct {
	mu    sync.Mutex
	procs map[int32]*process.Process
}

// NewHostSource creates an empty HostSource.
func NewHostSource() *HostSource {
	return &HostSource{procs: make(map[int32]*process.Process)}
}

// Samples lists the running processes. Processes that vanish or deny access
// while being read are left out.
func (h *HostSource) Samples(ctx context.Context) ([]types.ProcessSample, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	live := make(map[int32]bool, len(pids))
	samples := make([]types.ProcessSample, 0, len(pids))
	for _, pid := range pids {
		live[pid] = true
		proc, ok := h.procs[pid]
		if !ok {
			proc, err = process.NewProcessWithContext(ctx, pid)
			if err != nil {
				continue
			}
			h.procs[pid] = proc
		}

		name, err := proc.NameWithContext(ctx)
		if err != nil {
			delete(h.procs, pid)
			continue
		}
		cpu, err := proc.PercentWithContext(ctx, 0)
		if err != nil {
			delete(h.procs, pid)
			continue
		}
		exe, _ := proc.ExeWithContext(ctx)

		samples = append(samples, types.ProcessSample{
			PID:        pid,
			Name:       name,
			Exe:        exe,
			CPUPercent: cpu,
		})
	}

	for pid := range h.procs {
		if !live[pid] {
			delete(h.procs, pid)
		}
	}
	return samples, nil
}

// tracked reports how many process handles are cached.
func (h *HostSource) tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.procs)
}
