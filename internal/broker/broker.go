// Package broker owns the request socket and drives each connection
// through the same fixed path: read one request, check the allow-list,
// take the gate, execute, answer, close. One goroutine per connection;
// the gate squeezes them down to one privileged operation at a time.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/gate"
	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

// Executor runs one validated request. The broker holds the gate for
// the duration of the call.
type Executor interface {
	Execute(ctx context.Context, req protocol.Request) protocol.Response
}

// AuditSink receives one record per executed operation (status probes
// excluded). Implementations must tolerate being called from multiple
// connection goroutines.
type AuditSink interface {
	RecordOperation(op, detail, outcome string, errno int32, duration time.Duration)
}

// Config is the subset of daemon configuration the broker needs.
type Config struct {
	SocketPath     string
	SocketMode     fs.FileMode
	RequestTimeout time.Duration
	// AllowedOps restricts operation kinds; nil allows everything.
	AllowedOps map[protocol.Op]bool
}

// Broker accepts connections on the Unix socket and dispatches them.
type Broker struct {
	cfg    Config
	exec   Executor
	gate   *gate.Gate
	logger *slog.Logger
	sinks  []AuditSink

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup

	serving atomic.Bool
}

func New(exec Executor, g *gate.Gate, cfg Config, logger *slog.Logger, sinks ...AuditSink) *Broker {
	return &Broker{
		cfg:    cfg,
		exec:   exec,
		gate:   g,
		logger: logger,
		sinks:  sinks,
	}
}

// Listen claims the socket: it creates the socket directory, removes a
// stale socket from a previous run, binds, and applies the configured
// permissions. The permissions are the daemon's entire access control,
// so a failure to apply them is fatal, not a warning.
func (b *Broker) Listen() error {
	if err := os.MkdirAll(filepath.Dir(b.cfg.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Single-instance daemon: a leftover socket is always stale.
	os.Remove(b.cfg.SocketPath)

	ln, err := net.Listen("unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.SocketPath, err)
	}

	if err := os.Chmod(b.cfg.SocketPath, b.cfg.SocketMode); err != nil {
		ln.Close()
		os.Remove(b.cfg.SocketPath)
		return fmt.Errorf("set socket permissions: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.stopped = false
	b.mu.Unlock()
	b.serving.Store(true)

	b.logger.Info("listening", "socket", b.cfg.SocketPath, "mode", fmt.Sprintf("%04o", b.cfg.SocketMode))
	return nil
}

// Serve accepts connections until the listener closes. ctx is handed
// to every connection: cancelling it aborts gate waits, so queued
// requests die without executing when the daemon shuts down.
func (b *Broker) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln == nil {
		return errors.New("broker: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			b.logger.Error("accept error", "error", err)
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConn(ctx, conn)
		}()
	}
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	started := time.Now()
	deadline := started.Add(b.cfg.RequestTimeout)
	conn.SetReadDeadline(deadline)

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if err == io.EOF {
			b.logger.Debug("client closed without sending a request")
			return
		}
		class := protocol.DecodeErrorClass(err)
		b.logger.Warn("rejected request", "class", class.String(), "error", err)
		b.respond(conn, protocol.ErrorResponse(class, 0))
		return
	}

	if !b.allowed(req.Op) {
		b.logger.Warn("operation not in allow-list", "op", req.Op.String())
		b.respond(conn, protocol.ErrorResponse(protocol.ClassPermissionDenied, 0))
		return
	}

	// The wait for the gate is bounded by the same deadline as the
	// connection's IO. On shutdown the parent context aborts the wait
	// and the connection closes with no response at all; a client is
	// expected to read that as a transport failure.
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	err = b.gate.Acquire(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			b.logger.Info("dropping queued request on shutdown", "op", req.Op.String())
			return
		}
		b.logger.Warn("gate wait timed out", "op", req.Op.String())
		b.respond(conn, protocol.ErrorResponse(protocol.ClassBusy, 0))
		return
	}

	execStart := time.Now()
	resp := b.exec.Execute(ctx, req)
	b.gate.Release()
	duration := time.Since(execStart)

	conn.SetWriteDeadline(time.Now().Add(b.cfg.RequestTimeout))
	b.respond(conn, resp)

	outcome := "ok"
	var errno int32
	if resp.Kind == protocol.RespError {
		outcome = resp.Class.String()
		errno = resp.Errno
	}
	b.logger.Info("operation handled",
		"op", req.Op.String(), "outcome", outcome, "duration_ms", duration.Milliseconds())

	if req.Op != protocol.OpStatus {
		detail := requestDetail(req)
		for _, sink := range b.sinks {
			sink.RecordOperation(req.Op.String(), detail, outcome, errno, duration)
		}
	}
}

// respond writes the response frame. A write failure is normal after a
// successful immediate power transition (the peer is gone with the rest
// of userspace), so it is only logged at debug.
func (b *Broker) respond(conn net.Conn, resp protocol.Response) {
	if err := protocol.WriteResponse(conn, resp); err != nil {
		b.logger.Debug("response write failed", "error", err)
	}
}

func (b *Broker) allowed(op protocol.Op) bool {
	return b.cfg.AllowedOps == nil || b.cfg.AllowedOps[op]
}

func (b *Broker) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Healthy reports whether the broker is accepting connections; the
// systemd watchdog pings on it.
func (b *Broker) Healthy() bool {
	return b.serving.Load()
}

// Shutdown stops accepting, unlinks the socket and waits for in-flight
// connections, bounded by ctx. An in-flight privileged call is never
// interrupted; only the wait for it is.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	b.serving.Store(false)

	if ln != nil {
		ln.Close()
		os.Remove(b.cfg.SocketPath)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connections did not drain: %w", ctx.Err())
	}
}

// requestDetail renders the parameters worth auditing. Mount data is
// deliberately absent: fs-specific option strings can carry
// credentials (cifs passwords and the like).
func requestDetail(req protocol.Request) string {
	switch req.Op {
	case protocol.OpReboot, protocol.OpPowerOff:
		return fmt.Sprintf("delay=%ds", req.Delay)
	case protocol.OpSetTime:
		return fmt.Sprintf("epoch=%d", req.Epoch)
	case protocol.OpMount:
		return fmt.Sprintf("source=%s target=%s fstype=%s flags=%s",
			req.Source, req.Target, req.FSType, req.MountFlags)
	case protocol.OpUnmount:
		return fmt.Sprintf("target=%s flags=%s", req.Target, req.UnmountFlags)
	case protocol.OpRemount:
		return fmt.Sprintf("target=%s flags=%s", req.Target, req.MountFlags)
	case protocol.OpGetBrightness, protocol.OpEnableScreen, protocol.OpDisableScreen:
		return fmt.Sprintf("device=%s", req.Device)
	case protocol.OpSetBrightness:
		return fmt.Sprintf("device=%s percent=%d", req.Device, req.Percent)
	}
	return ""
}
