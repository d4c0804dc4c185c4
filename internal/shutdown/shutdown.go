// Package shutdown stops the daemon's components in reverse start
// order. The broker registers last so it is the first thing to stop:
// once the socket is gone no new work can arrive while the journal and
// event publisher drain behind it.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("journal", jnl)
//	coord.Register("broker", brk)
//	// On SIGTERM:
//	coord.Shutdown(ctx) // broker first, journal last
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by every component that owns resources
// worth releasing. Shutdown must respect ctx's deadline and return
// ctx.Err() when it cannot finish in time.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type entry struct {
	name string
	s    Shutdowner
}

// Coordinator runs registered Shutdowners in LIFO order. It is not
// safe for concurrent registration; wire everything up during startup.
type Coordinator struct {
	entries []entry
	logger  *slog.Logger
}

func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register appends a component. Later registrations stop earlier, so
// register in dependency order: a component must come after everything
// it still needs while stopping.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.entries = append(c.entries, entry{name: name, s: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops every registered component, newest first, under the
// single deadline carried by ctx. A component failure is logged and
// does not stop the sweep; the first error is returned at the end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("stopping components", slog.Int("count", len(c.entries)))

	var firstErr error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]

		select {
		case <-ctx.Done():
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining", e.name),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded before %s: %w", e.name, ctx.Err())
			}
			return firstErr
		default:
		}

		start := time.Now()
		err := e.s.Shutdown(ctx)
		if err != nil {
			c.logger.Error("component stop failed",
				slog.String("handler", e.name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", e.name, err)
			}
			continue
		}
		c.logger.Info("component stopped",
			slog.String("handler", e.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return firstErr
}
