package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/client"
	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

// startDaemon runs a scripted daemon on a throwaway socket.
func startDaemon(t *testing.T, fn func(net.Conn)) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "hald.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn)
			}()
		}
	}()
	return sock
}

func answer(resp protocol.Response) func(net.Conn) {
	return func(conn net.Conn) {
		if _, err := protocol.ReadRequest(conn); err != nil {
			return
		}
		protocol.WriteResponse(conn, resp)
	}
}

// execute runs the CLI with the given args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestStatusCommandOutput(t *testing.T) {
	started := time.Now().Add(-90 * time.Minute).Unix()
	boot := time.Now().Add(-5 * time.Hour).Unix()
	sock := startDaemon(t, answer(protocol.StatusResponse("1.2.3", started, boot, 7)))

	out, err := execute(t, "status", "--socket", sock)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "daemon version: 1.2.3") {
		t.Fatalf("output missing version:\n%s", out)
	}
	if !strings.Contains(out, "operations:     7") {
		t.Fatalf("output missing operation count:\n%s", out)
	}
}

func TestStatusCommandUnknownBoot(t *testing.T) {
	sock := startDaemon(t, answer(protocol.StatusResponse("1.2.3", time.Now().Unix(), 0, 0)))

	out, err := execute(t, "status", "--socket", sock)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "system boot:    unknown") {
		t.Fatalf("output missing unknown boot marker:\n%s", out)
	}
}

func TestMountCommandWiresOptions(t *testing.T) {
	got := make(chan protocol.Request, 1)
	sock := startDaemon(t, func(conn net.Conn) {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		got <- req
		protocol.WriteResponse(conn, protocol.AckResponse())
	})

	out, err := execute(t, "mount", "/dev/sdb1", "/mnt/usb",
		"--fstype", "vfat", "-o", "ro,noexec,uid=1000", "--socket", sock)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if !strings.Contains(out, "mounted /dev/sdb1 on /mnt/usb") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	req := <-got
	if req.Op != protocol.OpMount || req.Source != "/dev/sdb1" || req.Target != "/mnt/usb" || req.FSType != "vfat" {
		t.Fatalf("request = %+v", req)
	}
	if req.MountFlags != protocol.MountReadOnly|protocol.MountNoExec {
		t.Fatalf("flags = %v", req.MountFlags)
	}
	if req.Data != "uid=1000" {
		t.Fatalf("data = %q", req.Data)
	}
}

func TestUnmountCommandFlags(t *testing.T) {
	got := make(chan protocol.Request, 1)
	sock := startDaemon(t, func(conn net.Conn) {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		got <- req
		protocol.WriteResponse(conn, protocol.AckResponse())
	})

	if _, err := execute(t, "unmount", "/mnt/usb", "--force", "--lazy", "--socket", sock); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	req := <-got
	if req.Op != protocol.OpUnmount || req.Target != "/mnt/usb" {
		t.Fatalf("request = %+v", req)
	}
	if req.UnmountFlags != protocol.UnmountForce|protocol.UnmountDetach {
		t.Fatalf("flags = %v", req.UnmountFlags)
	}
}

func TestScreenCommands(t *testing.T) {
	got := make(chan protocol.Request, 1)
	sock := startDaemon(t, func(conn net.Conn) {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			return
		}
		got <- req
		protocol.WriteResponse(conn, protocol.AckResponse())
	})

	out, err := execute(t, "disable-screen", "--device", "intel_backlight", "--socket", sock)
	if err != nil {
		t.Fatalf("disable-screen: %v", err)
	}
	if !strings.Contains(out, "screen disabled") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	req := <-got
	if req.Op != protocol.OpDisableScreen || req.Device != "intel_backlight" {
		t.Fatalf("request = %+v", req)
	}

	if _, err := execute(t, "enable-screen", "--socket", sock); err != nil {
		t.Fatalf("enable-screen: %v", err)
	}
	req = <-got
	if req.Op != protocol.OpEnableScreen || req.Device != "" {
		t.Fatalf("request = %+v", req)
	}
}

func TestStatusReportsMissingDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "gone.sock")

	_, err := execute(t, "status", "--socket", sock)
	var tErr *client.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if !strings.Contains(err.Error(), "no daemon listening") {
		t.Fatalf("err = %v, want the missing-daemon message", err)
	}
}

func TestSetTimeCommandReportsPrevious(t *testing.T) {
	sock := startDaemon(t, answer(protocol.TimeResponse(946684800)))

	out, err := execute(t, "set-time", "2026-08-25T12:00:00Z", "--socket", sock)
	if err != nil {
		t.Fatalf("set-time: %v", err)
	}
	if !strings.Contains(out, "2000-01-01T00:00:00Z") {
		t.Fatalf("output missing previous time:\n%s", out)
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transport", &client.TransportError{Err: io.EOF}, exitTransport},
		{"wrapped transport", fmt.Errorf("reboot: %w", &client.TransportError{Err: io.EOF}), exitTransport},
		{"operation busy", &client.OperationError{Class: protocol.ClassBusy, Errno: 16}, exitOperation},
		{"operation not found", &client.OperationError{Class: protocol.ClassNotFound}, exitOperation},
		{"daemon says malformed", &client.OperationError{Class: protocol.ClassMalformed}, exitProtocol},
		{"daemon says invalid parameters", &client.OperationError{Class: protocol.ClassInvalidParameters}, exitProtocol},
		{"bad magic in response", protocol.ErrBadMagic, exitProtocol},
		{"unexpected kind", client.ErrUnexpectedResponse, exitProtocol},
		{"usage", errors.New("accepts 1 arg(s), received 0"), exitProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	t.Run("daemon absent", func(t *testing.T) {
		sock := filepath.Join(t.TempDir(), "gone.sock")
		if got := run([]string{"status", "--socket", sock}); got != exitTransport {
			t.Fatalf("exit = %d, want %d", got, exitTransport)
		}
	})

	t.Run("operation failure", func(t *testing.T) {
		sock := startDaemon(t, answer(protocol.ErrorResponse(protocol.ClassPermissionDenied, 1)))
		if got := run([]string{"unmount", "/mnt/usb", "--socket", sock}); got != exitOperation {
			t.Fatalf("exit = %d, want %d", got, exitOperation)
		}
	})

	t.Run("bad percent never dials", func(t *testing.T) {
		sock := filepath.Join(t.TempDir(), "gone.sock")
		if got := run([]string{"set-brightness", "150", "--socket", sock}); got != exitProtocol {
			t.Fatalf("exit = %d, want %d", got, exitProtocol)
		}
	})

	t.Run("success", func(t *testing.T) {
		sock := startDaemon(t, answer(protocol.AckResponse()))
		if got := run([]string{"reboot", "--delay", "60", "--socket", sock}); got != exitOK {
			t.Fatalf("exit = %d, want %d", got, exitOK)
		}
	})
}

func TestParseTimeArg(t *testing.T) {
	if got, err := parseTimeArg("1750000000"); err != nil || got != 1750000000 {
		t.Fatalf("epoch: got %d, %v", got, err)
	}

	want := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Unix()
	if got, err := parseTimeArg("2026-08-25T12:00:00Z"); err != nil || got != want {
		t.Fatalf("rfc3339: got %d, %v, want %d", got, err, want)
	}

	if _, err := parseTimeArg("noon tomorrow"); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestParsePercent(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint8
		ok   bool
	}{
		{"0", 0, true},
		{"57", 57, true},
		{"100", 100, true},
		{"101", 0, false},
		{"-1", 0, false},
		{"abc", 0, false},
	} {
		got, err := parsePercent(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("parsePercent(%q) = %d, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parsePercent(%q) accepted", tc.in)
		}
	}
}
