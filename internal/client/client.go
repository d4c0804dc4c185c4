// Package client dials the hald control socket and performs one
// request/response exchange per call. It is the programmatic interface
// behind rmm-halctl, and any local tool that needs a privileged
// operation brokered can use it the same way.
//
// Usage:
//
//	c := client.New("", 0) // default socket, default timeout
//	if err := c.Reboot(ctx, 0); err != nil {
//		// errors.As picks apart transport vs daemon-reported failures
//	}
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

// DefaultTimeout bounds the whole exchange when the caller does not
// choose one: dial, write, and the wait for the response.
const DefaultTimeout = 10 * time.Second

// TransportError marks failures of the socket itself: the daemon is
// not there, the connection died, or the exchange timed out. The
// distinction matters to callers that map failures onto exit codes.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// OperationError is a failure the daemon itself reported in an error
// response frame. The exchange succeeded; the operation did not.
type OperationError struct {
	Class protocol.ErrorClass
	Errno int32
}

func (e *OperationError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s", e.Class, syscall.Errno(e.Errno).Error())
	}
	return e.Class.String()
}

// Client performs exchanges with the broker daemon. The zero timeout
// and empty socket path select the defaults, so New("", 0) talks to a
// stock installation.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func New(socketPath string, timeout time.Duration) *Client {
	if socketPath == "" {
		socketPath = protocol.DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Available reports whether the daemon socket accepts connections.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Do sends one request and reads its response. The error taxonomy:
//
//   - *TransportError: dial failure, timeout, a cancelled context, or
//     a connection that died before a complete response arrived
//   - *OperationError: the daemon answered with an error frame
//   - protocol sentinels: the request failed local validation, or the
//     daemon's response was structurally unacceptable
//
// The request is encoded and validated before the socket is dialed, so
// a malformed request never reports as a transport failure.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var frame bytes.Buffer
	if err := protocol.WriteRequest(&frame, req); err != nil {
		return protocol.Response{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, &TransportError{Err: err}
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return protocol.Response{}, &TransportError{Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	// Socket IO only unblocks on a deadline, so cancellation yanks the
	// deadline forward instead of waiting out the timeout.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	if _, err := conn.Write(frame.Bytes()); err != nil {
		return protocol.Response{}, &TransportError{Err: exchangeCause(ctx, err)}
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		if wireError(err) {
			return protocol.Response{}, err
		}
		return protocol.Response{}, &TransportError{Err: exchangeCause(ctx, err)}
	}
	if resp.Kind == protocol.RespError {
		return resp, &OperationError{Class: resp.Class, Errno: resp.Errno}
	}
	return resp, nil
}

// exchangeCause substitutes the context's error for the IO error it
// forced, so a cancelled exchange reports context.Canceled rather than
// the deadline failure the watcher manufactured.
func exchangeCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// wireError reports whether err describes a frame the daemon did send
// but that this client cannot accept. Truncation and EOF are absent on
// purpose: a frame that stops halfway means the connection died
// underneath us, which is the transport's failure, not the protocol's.
func wireError(err error) bool {
	return errors.Is(err, protocol.ErrBadMagic) ||
		errors.Is(err, protocol.ErrUnsupportedVersion) ||
		errors.Is(err, protocol.ErrUnknownResponse) ||
		errors.Is(err, protocol.ErrUnknownClass) ||
		errors.Is(err, protocol.ErrInvalidParameters)
}

// ErrUnexpectedResponse is returned by the typed helpers when the
// daemon answers with a well-formed frame of the wrong kind.
var ErrUnexpectedResponse = errors.New("client: unexpected response kind")

// Reboot asks the daemon to reboot the machine after delay seconds.
// An ack only confirms the request was accepted; with a zero delay the
// machine may go down before the ack arrives, and a transport error on
// an immediate reboot is therefore ambiguous.
func (c *Client) Reboot(ctx context.Context, delay uint32) error {
	return c.expectAck(ctx, protocol.Request{Op: protocol.OpReboot, Delay: delay})
}

// PowerOff asks the daemon to power the machine off after delay
// seconds. The same ack caveat as Reboot applies.
func (c *Client) PowerOff(ctx context.Context, delay uint32) error {
	return c.expectAck(ctx, protocol.Request{Op: protocol.OpPowerOff, Delay: delay})
}

// SetTime sets the system clock to the given Unix epoch and returns
// the clock value the daemon replaced.
func (c *Client) SetTime(ctx context.Context, epoch int64) (previous int64, err error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpSetTime, Epoch: epoch})
	if err != nil {
		return 0, err
	}
	if resp.Kind != protocol.RespTime {
		return 0, ErrUnexpectedResponse
	}
	return resp.Previous, nil
}

// Mount mounts source on target. data carries fs-specific options the
// daemon passes through untouched.
func (c *Client) Mount(ctx context.Context, source, target, fstype string, flags protocol.MountFlags, data string) error {
	return c.expectAck(ctx, protocol.Request{
		Op:         protocol.OpMount,
		Source:     source,
		Target:     target,
		FSType:     fstype,
		MountFlags: flags,
		Data:       data,
	})
}

// Unmount unmounts the filesystem at target.
func (c *Client) Unmount(ctx context.Context, target string, flags protocol.UnmountFlags) error {
	return c.expectAck(ctx, protocol.Request{
		Op:           protocol.OpUnmount,
		Target:       target,
		UnmountFlags: flags,
	})
}

// Remount changes the mount flags of the filesystem at target.
func (c *Client) Remount(ctx context.Context, target string, flags protocol.MountFlags, data string) error {
	return c.expectAck(ctx, protocol.Request{
		Op:         protocol.OpRemount,
		Target:     target,
		MountFlags: flags,
		Data:       data,
	})
}

// Status describes a running daemon.
type Status struct {
	Version    string
	Started    time.Time
	BootTime   time.Time // zero when the daemon could not determine it
	Operations uint64
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpStatus})
	if err != nil {
		return Status{}, err
	}
	if resp.Kind != protocol.RespStatus {
		return Status{}, ErrUnexpectedResponse
	}
	st := Status{
		Version:    resp.Version,
		Started:    time.Unix(resp.Started, 0),
		Operations: resp.Operations,
	}
	if resp.BootTime > 0 {
		st.BootTime = time.Unix(resp.BootTime, 0)
	}
	return st, nil
}

// Brightness reads the backlight level as a percentage. An empty
// device selects the first backlight the daemon enumerates.
func (c *Client) Brightness(ctx context.Context, device string) (uint8, error) {
	resp, err := c.Do(ctx, protocol.Request{Op: protocol.OpGetBrightness, Device: device})
	if err != nil {
		return 0, err
	}
	if resp.Kind != protocol.RespBrightness {
		return 0, ErrUnexpectedResponse
	}
	return resp.Percent, nil
}

// SetBrightness sets the backlight level as a percentage.
func (c *Client) SetBrightness(ctx context.Context, device string, percent uint8) error {
	return c.expectAck(ctx, protocol.Request{
		Op:      protocol.OpSetBrightness,
		Device:  device,
		Percent: percent,
	})
}

// EnableScreen powers the backlight on. An empty device selects the
// first backlight the daemon enumerates.
func (c *Client) EnableScreen(ctx context.Context, device string) error {
	return c.expectAck(ctx, protocol.Request{Op: protocol.OpEnableScreen, Device: device})
}

// DisableScreen powers the backlight off. The panel contents survive;
// only the light goes out.
func (c *Client) DisableScreen(ctx context.Context, device string) error {
	return c.expectAck(ctx, protocol.Request{Op: protocol.OpDisableScreen, Device: device})
}

func (c *Client) expectAck(ctx context.Context, req protocol.Request) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Kind != protocol.RespAck {
		return ErrUnexpectedResponse
	}
	return nil
}
