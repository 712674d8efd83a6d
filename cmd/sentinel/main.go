package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/config"
	"github.com/invisible-tech/integrity-sentinel/internal/detection"
	"github.com/invisible-tech/integrity-sentinel/internal/logging"
	"github.com/invisible-tech/integrity-sentinel/internal/server"
	"github.com/invisible-tech/integrity-sentinel/internal/version"
	"github.com/invisible-tech/integrity-sentinel/pkg/backup"
	"github.com/invisible-tech/integrity-sentinel/pkg/eventlog"
	"github.com/invisible-tech/integrity-sentinel/pkg/monitor"
	"github.com/invisible-tech/integrity-sentinel/pkg/procmon"
	"github.com/invisible-tech/integrity-sentinel/pkg/scoring"
	"github.com/invisible-tech/integrity-sentinel/pkg/signatures"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $"+config.EnvConfigFile+")")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.UserAgent())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}

// run wires the daemon and blocks until shutdown. It never exits the
// process, so deferred closers run on every path.
func run(cfg config.Config) error {
	log, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closer.Close()

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"paths":   cfg.WatchPaths,
		"backups": cfg.BackupDir,
	}).Info("Starting integrity sentinel")

	sigs, err := signatures.Load(cfg.SignatureDB)
	if err != nil {
		log.WithError(err).Error("Failed to load signature database")
		return err
	}

	events, err := eventlog.Open(eventlog.Config{Path: cfg.LogPath, Console: os.Stdout}, log)
	if err != nil {
		log.WithError(err).Error("Failed to open event log")
		return err
	}

	guard := backup.NewGuard(cfg.GuardWindow)
	store := backup.Store{Root: cfg.BackupDir}
	restorer := backup.NewRestorer(store, guard, events, log)
	scorer := scoring.Random{}

	pipeline := detection.New(detection.Config{
		Backups:              store,
		LargeFileThreshold:   cfg.LargeFileThreshold,
		ScoreThreshold:       cfg.ScoreThreshold,
		ExecutableExtensions: cfg.ExecutableExtensions,
	}, sigs, restorer, scorer, events, log)
	log.WithFields(logrus.Fields{
		"pipeline":     pipeline.String(),
		"guard_window": guard.Window(),
	}).Debug("Detection pipeline ready")

	var procMon monitor.Unit
	if cfg.ProcessMonitor {
		procMon = procmon.New(procmon.Config{
			ScanInterval: cfg.ProcScanInterval,
			CPUThreshold: cfg.CPUThreshold,
			AllowList:    cfg.ProcAllowList,
		}, nil, scorer, events, log)
	}

	mon, err := monitor.New(monitor.Config{
		WatchPaths: cfg.WatchPaths,
		BackupDir:  cfg.BackupDir,
		LogPath:    cfg.LogPath,
	}, pipeline, procMon, guard, events, log)
	if err != nil {
		log.WithError(err).Error("Failed to create monitor")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var srv *server.Server
	if cfg.HTTPAddr != "" {
		srv = server.New(cfg.HTTPAddr, events, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Status server error")
			}
		}()
	}

	go func() {
		if err := mon.Start(ctx); err != nil {
			log.WithError(err).Error("Monitor error")
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Warn("Monitor stopped unexpectedly")
	}
	fmt.Println("Shutting down integrity sentinel...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error stopping status server")
		}
	}
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.Info("Sentinel shutdown complete")
	return nil
}
