package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/gate"
	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExec struct {
	mu      sync.Mutex
	calls   []protocol.Request
	respond func(protocol.Request) protocol.Response
	block   chan struct{}

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeExec) Execute(_ context.Context, req protocol.Request) protocol.Response {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	if f.respond != nil {
		return f.respond(req)
	}
	return protocol.AckResponse()
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sinkRecord struct {
	op      string
	detail  string
	outcome string
	errno   int32
}

type recordSink struct {
	mu      sync.Mutex
	records []sinkRecord
}

func (s *recordSink) RecordOperation(op, detail, outcome string, errno int32, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, sinkRecord{op: op, detail: detail, outcome: outcome, errno: errno})
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *recordSink) at(i int) sinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[i]
}

type brokerHarness struct {
	b      *Broker
	sock   string
	cancel context.CancelFunc
}

func startBroker(t *testing.T, exec Executor, mut func(*Config), sinks ...AuditSink) *brokerHarness {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "hald.sock")
	cfg := Config{SocketPath: sock, SocketMode: 0o600, RequestTimeout: 2 * time.Second}
	if mut != nil {
		mut(&cfg)
	}

	b := New(exec, gate.New(), cfg, nopLogger(), sinks...)
	if err := b.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		b.Shutdown(sctx)
		<-done
	})

	return &brokerHarness{b: b, sock: sock, cancel: cancel}
}

func sendRequest(sock string, req protocol.Request) (protocol.Response, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, err
	}
	return protocol.ReadResponse(conn)
}

func roundTrip(t *testing.T, sock string, req protocol.Request) protocol.Response {
	t.Helper()
	resp, err := sendRequest(sock, req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	return resp
}

func sendRaw(t *testing.T, sock string, frame []byte) (protocol.Response, error) {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	return protocol.ReadResponse(conn)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBrokerRoundTrip(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, nil)

	req := protocol.Request{
		Op:         protocol.OpMount,
		Source:     "/dev/sdb1",
		Target:     "/mnt/usb",
		FSType:     "vfat",
		MountFlags: protocol.MountReadOnly | protocol.MountNoSuid,
	}
	resp := roundTrip(t, h.sock, req)
	if resp.Kind != protocol.RespAck {
		t.Fatalf("kind = %#x, want ack", resp.Kind)
	}

	if fake.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", fake.callCount())
	}
	fake.mu.Lock()
	got := fake.calls[0]
	fake.mu.Unlock()
	if got != req {
		t.Fatalf("executor saw %+v, want %+v", got, req)
	}
}

func TestBrokerMalformedFrame(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, nil)

	resp, err := sendRaw(t, h.sock, []byte{0x00, 0x00, 0x01, 0x01})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Kind != protocol.RespError || resp.Class != protocol.ClassMalformed {
		t.Fatalf("got kind %#x class %v, want malformed error", resp.Kind, resp.Class)
	}
	if fake.callCount() != 0 {
		t.Fatal("executor ran for a frame that never decoded")
	}
}

func TestBrokerUnknownOperationTag(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, nil)

	resp, err := sendRaw(t, h.sock, []byte{0x48, 0x4C, 0x01, 0x7F})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Kind != protocol.RespError || resp.Class != protocol.ClassUnknownOperation {
		t.Fatalf("got kind %#x class %v, want unknown-operation error", resp.Kind, resp.Class)
	}
	if fake.callCount() != 0 {
		t.Fatal("executor ran for an unknown tag")
	}
}

func TestBrokerAllowList(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, func(cfg *Config) {
		cfg.AllowedOps = map[protocol.Op]bool{protocol.OpStatus: true}
	})

	resp := roundTrip(t, h.sock, protocol.Request{Op: protocol.OpReboot})
	if resp.Kind != protocol.RespError || resp.Class != protocol.ClassPermissionDenied {
		t.Fatalf("got kind %#x class %v, want permission-denied", resp.Kind, resp.Class)
	}
	if fake.callCount() != 0 {
		t.Fatal("executor ran for a disallowed operation")
	}

	if resp := roundTrip(t, h.sock, protocol.Request{Op: protocol.OpStatus}); resp.Kind != protocol.RespAck {
		t.Fatalf("allowed operation failed: kind %#x", resp.Kind)
	}
}

func TestBrokerSerializesExecution(t *testing.T) {
	fake := &fakeExec{block: make(chan struct{})}
	h := startBroker(t, fake, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := sendRequest(h.sock, protocol.Request{Op: protocol.OpReboot})
			if err != nil {
				errs <- err
				return
			}
			if resp.Kind != protocol.RespAck {
				errs <- errors.New("non-ack response")
			}
		}()
	}

	waitFor(t, "first request to reach the executor", func() bool { return fake.callCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(fake.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	if fake.overlap.Load() {
		t.Fatal("two requests were inside the executor at once")
	}
	if fake.callCount() != 2 {
		t.Fatalf("executor called %d times, want 2", fake.callCount())
	}
}

func TestBrokerGateWaitTimeout(t *testing.T) {
	fake := &fakeExec{block: make(chan struct{})}
	h := startBroker(t, fake, func(cfg *Config) {
		cfg.RequestTimeout = 200 * time.Millisecond
	})

	conn1, err := net.Dial("unix", h.sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()
	conn1.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteRequest(conn1, protocol.Request{Op: protocol.OpReboot}); err != nil {
		t.Fatalf("write first request: %v", err)
	}
	waitFor(t, "first request to hold the gate", func() bool { return fake.callCount() == 1 })

	resp, err := sendRequest(h.sock, protocol.Request{Op: protocol.OpPowerOff})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Kind != protocol.RespError || resp.Class != protocol.ClassBusy {
		t.Fatalf("got kind %#x class %v, want busy", resp.Kind, resp.Class)
	}

	close(fake.block)
	first, err := protocol.ReadResponse(conn1)
	if err != nil {
		t.Fatalf("first response: %v", err)
	}
	if first.Kind != protocol.RespAck {
		t.Fatalf("first request: kind %#x, want ack", first.Kind)
	}
	if fake.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", fake.callCount())
	}
}

func TestBrokerShutdownAbortsQueuedRequest(t *testing.T) {
	fake := &fakeExec{block: make(chan struct{})}
	h := startBroker(t, fake, func(cfg *Config) {
		cfg.RequestTimeout = 5 * time.Second
	})

	conn1, err := net.Dial("unix", h.sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()
	conn1.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteRequest(conn1, protocol.Request{Op: protocol.OpReboot}); err != nil {
		t.Fatalf("write first request: %v", err)
	}
	waitFor(t, "first request to hold the gate", func() bool { return fake.callCount() == 1 })

	conn2, err := net.Dial("unix", h.sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	conn2.SetDeadline(time.Now().Add(10 * time.Second))
	if err := protocol.WriteRequest(conn2, protocol.Request{Op: protocol.OpPowerOff}); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.cancel()

	if _, err := protocol.ReadResponse(conn2); err == nil {
		t.Fatal("queued request got a response after shutdown began")
	}

	close(fake.block)
	first, err := protocol.ReadResponse(conn1)
	if err != nil {
		t.Fatalf("first response: %v", err)
	}
	if first.Kind != protocol.RespAck {
		t.Fatalf("first request: kind %#x, want ack", first.Kind)
	}
	if fake.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", fake.callCount())
	}
}

func TestBrokerSocketPermissions(t *testing.T) {
	h := startBroker(t, &fakeExec{}, func(cfg *Config) {
		cfg.SocketMode = 0o660
	})

	info, err := os.Stat(h.sock)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Fatalf("socket mode = %04o, want 0660", perm)
	}
}

func TestBrokerReplacesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "hald.sock")
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	fake := &fakeExec{}
	b := New(fake, gate.New(), Config{
		SocketPath:     sock,
		SocketMode:     0o600,
		RequestTimeout: 2 * time.Second,
	}, nopLogger())
	if err := b.Listen(); err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Serve(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		b.Shutdown(sctx)
	}()

	if resp := roundTrip(t, sock, protocol.Request{Op: protocol.OpStatus}); resp.Kind != protocol.RespAck {
		t.Fatalf("kind = %#x, want ack", resp.Kind)
	}
}

func TestBrokerShutdownRemovesSocket(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, nil)

	h.cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := h.b.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := os.Stat(h.sock); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket still present after shutdown: %v", err)
	}
	if h.b.Healthy() {
		t.Fatal("broker still reports healthy after shutdown")
	}
}

func TestBrokerAuditRecords(t *testing.T) {
	fake := &fakeExec{}
	sink := &recordSink{}
	h := startBroker(t, fake, nil, sink)

	roundTrip(t, h.sock, protocol.Request{
		Op:     protocol.OpMount,
		Source: "/dev/sdb1",
		Target: "/mnt/usb",
		FSType: "cifs",
		Data:   "password=hunter2",
	})
	waitFor(t, "audit record", func() bool { return sink.count() == 1 })

	rec := sink.at(0)
	if rec.op != "mount" || rec.outcome != "ok" || rec.errno != 0 {
		t.Fatalf("record = %+v, want mount/ok", rec)
	}
	if !strings.Contains(rec.detail, "target=/mnt/usb") {
		t.Fatalf("detail %q missing target", rec.detail)
	}
	if strings.Contains(rec.detail, "hunter2") {
		t.Fatalf("detail %q leaked mount data", rec.detail)
	}
}

func TestBrokerAuditRecordsFailure(t *testing.T) {
	fake := &fakeExec{respond: func(protocol.Request) protocol.Response {
		return protocol.ErrorResponse(protocol.ClassBusy, 16)
	}}
	sink := &recordSink{}
	h := startBroker(t, fake, nil, sink)

	resp := roundTrip(t, h.sock, protocol.Request{Op: protocol.OpUnmount, Target: "/mnt/usb"})
	if resp.Kind != protocol.RespError {
		t.Fatalf("kind = %#x, want error", resp.Kind)
	}
	waitFor(t, "audit record", func() bool { return sink.count() == 1 })

	rec := sink.at(0)
	if rec.outcome != "busy" || rec.errno != 16 {
		t.Fatalf("record = %+v, want busy/16", rec)
	}
}

func TestBrokerStatusNotAudited(t *testing.T) {
	fake := &fakeExec{}
	sink := &recordSink{}
	h := startBroker(t, fake, nil, sink)

	roundTrip(t, h.sock, protocol.Request{Op: protocol.OpStatus})
	roundTrip(t, h.sock, protocol.Request{Op: protocol.OpGetBrightness})
	waitFor(t, "audit record", func() bool { return sink.count() == 1 })

	if rec := sink.at(0); rec.op != "get-brightness" {
		t.Fatalf("audited %q, want get-brightness only", rec.op)
	}
}

func TestBrokerClientDisconnectWithoutRequest(t *testing.T) {
	fake := &fakeExec{}
	h := startBroker(t, fake, nil)

	conn, err := net.Dial("unix", h.sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if resp := roundTrip(t, h.sock, protocol.Request{Op: protocol.OpStatus}); resp.Kind != protocol.RespAck {
		t.Fatalf("kind = %#x, want ack", resp.Kind)
	}
	if fake.callCount() != 1 {
		t.Fatalf("executor called %d times, want 1", fake.callCount())
	}
}

func TestBrokerServeBeforeListen(t *testing.T) {
	b := New(&fakeExec{}, gate.New(), Config{}, nopLogger())
	if err := b.Serve(context.Background()); err == nil {
		t.Fatal("Serve before Listen succeeded")
	}
}
