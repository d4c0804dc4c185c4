// Package systemd wraps the sd_notify protocol for the daemon's unit
// file. The unit runs Type=notify, so systemd considers the service
// started only after NotifyReady, which the daemon sends once the
// socket is bound and serving. Watchdog pings ride on the broker's
// health so a wedged accept loop gets the process restarted.
//
// Every call degrades to a no-op when NOTIFY_SOCKET is absent, so the
// daemon runs unchanged in the foreground during development.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1. Call it only after the socket is bound;
// units ordered After= this one take it as "the broker answers now".
// Returns false when not running under systemd.
func NotifyReady() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to send systemd ready notification", "error", err)
		return false
	}
	if sent {
		slog.Debug("sent systemd ready notification")
	}
	return sent
}

// NotifyStopping sends STOPPING=1 so systemd waits out the drain
// instead of escalating to SIGKILL.
func NotifyStopping() bool {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		slog.Warn("failed to send systemd stopping notification", "error", err)
		return false
	}
	return sent
}

// HealthCheckFunc reports whether the service should keep living.
type HealthCheckFunc func() bool

// StartWatchdog begins pinging systemd's watchdog at half the
// WatchdogSec interval, the spacing the systemd documentation
// recommends. Each tick consults healthCheck first; an unhealthy
// service stops pinging and lets systemd restart it.
//
// Returns immediately when the unit carries no WatchdogSec.
func StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		slog.Debug("watchdog not enabled", "error", err)
		return
	}
	if interval == 0 {
		return
	}

	pingInterval := interval / 2
	slog.Info("starting systemd watchdog",
		"watchdog_interval", interval,
		"ping_interval", pingInterval,
	)
	go watchdogLoop(ctx, pingInterval, healthCheck)
}

func watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				slog.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				slog.Warn("failed to send watchdog ping", "error", err)
			}
		}
	}
}

// IsRunningUnderSystemd reports whether systemd started this process,
// detected through the NOTIFY_SOCKET environment variable.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
