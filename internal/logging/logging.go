// Package logging configures structured logging for the HAL broker.
//
// The broker runs under systemd, so logs go to stdout as JSON for
// journald to capture. Source locations are included; paths are
// shortened to module-relative form to keep journal lines readable.
//
// Usage:
//
//	logger := logging.SetupLogger("info")
//	logger.Info("operation executed", "op", "mount", "target", target)
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates the broker's JSON logger at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to
// "info") and installs it as the slog default.
func SetupLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					shortenSource(source)
				}
			}
			return a
		},
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
	return logger
}

// shortenSource trims source attributes to module-relative paths,
// keeping everything from internal/ onwards.
func shortenSource(source *slog.Source) {
	if idx := strings.Index(source.File, "internal/"); idx != -1 {
		source.File = source.File[idx:]
	} else {
		source.File = filepath.Base(source.File)
	}
	if idx := strings.Index(source.Function, "internal/"); idx != -1 {
		source.Function = source.Function[idx:]
	}
}

// parseLevel converts a config log level string to a slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger tagging every record with a component
// attribute ("broker", "executor", "journal", ...).
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
