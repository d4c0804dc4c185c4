// rmm-hald - Hardware Abstraction Broker
//
// rmm-hald runs as root on managed Linux hosts and performs the small
// set of privileged operations the fleet tooling needs: reboot, power
// off, clock setting, mount management and backlight control.
// Unprivileged clients reach it over a Unix socket whose file
// permissions are the entire access-control story.
//
// Configuration is loaded from /etc/rmm-hald/config.yaml (or the path
// given with -config); a missing file at the default path means stock
// defaults, so a bare install works with no configuration at all.
//
// Lifecycle:
//  1. Load configuration and set up the structured JSON logger
//  2. Open the operation journal and start its retention prune
//  3. Connect the NATS audit publisher when credentials are configured
//  4. Bind the socket, apply its permissions, start serving
//  5. Notify systemd the service is ready (Type=notify)
//  6. Start watchdog pinging if systemd provides WatchdogSec
//  7. Wait for SIGTERM/SIGINT
//  8. Stop the broker first, then drain the audit sinks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/broker"
	"github.com/doughall/linuxrmm/hald/internal/config"
	"github.com/doughall/linuxrmm/hald/internal/events"
	"github.com/doughall/linuxrmm/hald/internal/executor"
	"github.com/doughall/linuxrmm/hald/internal/gate"
	"github.com/doughall/linuxrmm/hald/internal/journal"
	"github.com/doughall/linuxrmm/hald/internal/logging"
	"github.com/doughall/linuxrmm/hald/internal/shutdown"
	"github.com/doughall/linuxrmm/hald/internal/systemd"
	"github.com/doughall/linuxrmm/hald/internal/version"
)

// How long graceful shutdown may take before the process gives up on
// draining in-flight connections.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	initConfig := flag.Bool("init-config", false, "write a starter configuration file and exit")
	showJournal := flag.Int("show-journal", 0, "print the N most recent journal entries and exit (daemon must be stopped)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info("rmm-hald"))
		os.Exit(0)
	}

	if *initConfig {
		if _, err := os.Stat(*configPath); err == nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s already exists, refusing to overwrite\n", *configPath)
			os.Exit(1)
		}
		if err := config.Save(*configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configPath)
		os.Exit(0)
	}

	cfg, usingDefaults, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	if *showJournal > 0 {
		if err := printJournal(cfg.JournalPath, *showJournal); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := logging.SetupLogger(cfg.LogLevel)

	logger.Info("broker starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.Bool("config_defaults", usingDefaults),
		slog.String("socket_path", cfg.SocketPath),
		slog.Bool("journal", cfg.JournalEnabled()),
		slog.Bool("nats", cfg.NATSEnabled()),
	)

	if os.Geteuid() != 0 {
		// Not fatal: every privileged call will come back EPERM, which
		// is still useful when developing against a fake mount table.
		logger.Warn("not running as root, privileged operations will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	coordinator := shutdown.NewCoordinator(logger)

	// Audit sinks are optional: the broker runs fine with neither, and
	// a sink that fails to start degrades to a warning rather than
	// keeping reboots from working.
	var sinks []broker.AuditSink

	if cfg.JournalEnabled() {
		jnl, err := journal.Open(cfg.JournalPath, logging.WithComponent(logger, "journal"))
		if err != nil {
			logger.Warn("journal unavailable, operations will not be recorded",
				slog.String("path", cfg.JournalPath),
				slog.String("error", err.Error()),
			)
		} else {
			if n, err := jnl.Count(); err == nil {
				logger.Info("journal opened",
					slog.String("path", cfg.JournalPath),
					slog.Int("entries", n),
				)
			}
			retention := time.Duration(cfg.JournalRetentionDays) * 24 * time.Hour
			if err := jnl.StartPruning(cfg.JournalPruneSchedule, retention); err != nil {
				logger.Warn("journal pruning disabled",
					slog.String("schedule", cfg.JournalPruneSchedule),
					slog.String("error", err.Error()),
				)
			}
			sinks = append(sinks, jnl)
			coordinator.Register("journal", jnl)
		}
	}

	if cfg.NATSEnabled() {
		pub := events.NewPublisher(events.Config{
			Servers:  cfg.NATSServers,
			NKeySeed: cfg.NATSNKeySeed,
			Subject:  cfg.NATSSubject,
		}, logging.WithComponent(logger, "events"))
		if err := pub.Connect(); err != nil {
			logger.Warn("NATS unavailable, audit events will not be published",
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("NATS audit publisher connected",
				slog.String("subject", cfg.NATSSubject),
			)
			sinks = append(sinks, pub)
			coordinator.Register("events", pub)
		}
	}

	g := gate.New()
	// The executor audits through the same sinks as the broker; deferred
	// power transitions fire after their connection is gone, so the
	// broker's per-request audit loop never sees their failures.
	exec := executor.New(g, version.Version, logging.WithComponent(logger, "executor"),
		func(op, detail, outcome string, errno int32, duration time.Duration) {
			for _, sink := range sinks {
				sink.RecordOperation(op, detail, outcome, errno, duration)
			}
		})

	brk := broker.New(exec, g, broker.Config{
		SocketPath:     cfg.SocketPath,
		SocketMode:     cfg.SocketFileMode(),
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
		AllowedOps:     cfg.AllowedOps(),
	}, logging.WithComponent(logger, "broker"), sinks...)

	if err := brk.Listen(); err != nil {
		logger.Error("failed to bind socket", "error", err)
		os.Exit(1)
	}
	coordinator.Register("broker", brk)

	go func() {
		if err := brk.Serve(ctx); err != nil {
			logger.Error("broker stopped unexpectedly", "error", err)
			stop()
		}
	}()

	systemd.NotifyReady()
	logger.Info("broker ready", slog.String("socket", cfg.SocketPath))

	systemd.StartWatchdog(ctx, brk.Healthy)

	<-ctx.Done()
	logger.Info("shutdown signal received, starting graceful shutdown")

	systemd.NotifyStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// loadConfig reads the file at path. A missing file is an error only
// for an explicitly chosen path; the default path falls back to stock
// defaults so the daemon runs on a bare install.
func loadConfig(path string) (*config.Config, bool, error) {
	if path == config.DefaultConfigPath {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), true, nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// printJournal dumps recent journal entries to stdout, newest first.
// bbolt holds an exclusive file lock, so this only works while the
// daemon is stopped; a locked database reports as such instead of
// hanging.
func printJournal(path string, limit int) error {
	if path == "" {
		return errors.New("no journal configured")
	}
	entries, err := journal.ReadRecent(path, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-15s %-18s", e.Time.Format(time.RFC3339), e.Op, e.Outcome)
		if e.Errno != 0 {
			line += fmt.Sprintf(" errno=%d", e.Errno)
		}
		line += fmt.Sprintf(" %dms", e.DurationMs)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	return nil
}
