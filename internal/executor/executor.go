// Package executor performs the privileged operations the broker
// accepts: power transitions, clock adjustment, mount lifecycle,
// backlight control and status probes. Calls arrive one at a time
// under the broker's gate; the executor touches the gate itself only
// for deferred power transitions, which fire from a timer long after
// their request's connection is gone.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/doughall/linuxrmm/hald/internal/gate"
	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

// Clock adjustments outside this window are refused; nothing a managed
// host does legitimately sets its clock before 2000-01-01 or past
// 2100-01-01.
const (
	timeFloor   = 946684800  // 2000-01-01T00:00:00Z
	timeCeiling = 4102444800 // 2100-01-01T00:00:00Z
)

// System is the OS surface the executor drives. It exists so the
// operation logic can be exercised without rebooting the build machine.
type System interface {
	Reboot() error
	PowerOff() error
	SetClock(t time.Time) error
	Mount(source, target, fstype string, flags protocol.MountFlags, data string) error
	Unmount(target string, flags protocol.UnmountFlags) error
	Remount(target string, flags protocol.MountFlags, data string) error
	Mountpoints(ctx context.Context) ([]string, error)
	BootTime(ctx context.Context) (uint64, error)
	Backlights() ([]string, error)
	Brightness(device string) (current, max int, err error)
	SetBrightness(device string, value int) error
	SetBacklightPower(device string, on bool) error
}

// AuditFunc records one completed operation. The broker hands the
// executor the same fan-out it uses for connection-driven requests, so
// work that finishes outside any connection (a deferred power
// transition failing at fire time) still reaches the audit trail.
type AuditFunc func(op, detail, outcome string, errno int32, duration time.Duration)

// Executor executes validated requests against the OS and maps every
// failure onto the protocol's error classes.
type Executor struct {
	sys     System
	gate    *gate.Gate
	logger  *slog.Logger
	audit   AuditFunc
	version string
	started time.Time

	// delayUnit scales request delays; always one second outside tests.
	delayUnit time.Duration

	ops          atomic.Uint64
	powerPending atomic.Bool
}

// New creates an Executor backed by the real OS. g serializes deferred
// power transitions against regular operations and must be the same
// gate the broker holds during Execute. audit may be nil.
func New(g *gate.Gate, version string, logger *slog.Logger, audit AuditFunc) *Executor {
	return newWith(liveSystem{}, g, version, logger, audit)
}

func newWith(sys System, g *gate.Gate, version string, logger *slog.Logger, audit AuditFunc) *Executor {
	return &Executor{
		sys:       sys,
		gate:      g,
		logger:    logger,
		audit:     audit,
		version:   version,
		started:   time.Now(),
		delayUnit: time.Second,
	}
}

// Execute performs one operation and always produces a response; OS
// failures come back as classified error responses, never as Go errors.
// The context bounds auxiliary lookups (mount table, boot time) only.
// An operation already handed to the OS is never cancelled.
func (e *Executor) Execute(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpReboot, protocol.OpPowerOff:
		return e.executePower(req.Op, req.Delay)

	case protocol.OpSetTime:
		return e.executeSetTime(req.Epoch)

	case protocol.OpMount:
		if req.Source == "" || req.FSType == "" || !absolutePath(req.Target) {
			return protocol.ErrorResponse(protocol.ClassInvalidParameters, 0)
		}
		e.ops.Add(1)
		if err := e.sys.Mount(req.Source, req.Target, req.FSType, req.MountFlags, req.Data); err != nil {
			return e.classifyMountErr(ctx, err, req.Target)
		}
		e.logger.Info("mounted", "source", req.Source, "target", req.Target, "fstype", req.FSType, "flags", req.MountFlags.String())
		return protocol.AckResponse()

	case protocol.OpUnmount:
		if !absolutePath(req.Target) {
			return protocol.ErrorResponse(protocol.ClassInvalidParameters, 0)
		}
		e.ops.Add(1)
		if err := e.sys.Unmount(req.Target, req.UnmountFlags); err != nil {
			return e.classifyUnmountErr(ctx, err, req.Target)
		}
		e.logger.Info("unmounted", "target", req.Target, "flags", req.UnmountFlags.String())
		return protocol.AckResponse()

	case protocol.OpRemount:
		if !absolutePath(req.Target) {
			return protocol.ErrorResponse(protocol.ClassInvalidParameters, 0)
		}
		e.ops.Add(1)
		if err := e.sys.Remount(req.Target, req.MountFlags|protocol.MountRemount, req.Data); err != nil {
			return e.classifyUnmountErr(ctx, err, req.Target)
		}
		e.logger.Info("remounted", "target", req.Target, "flags", req.MountFlags.String())
		return protocol.AckResponse()

	case protocol.OpStatus:
		boot, err := e.sys.BootTime(ctx)
		if err != nil {
			e.logger.Debug("boot time unavailable", "error", err)
			boot = 0
		}
		return protocol.StatusResponse(e.version, e.started.Unix(), int64(boot), e.ops.Load())

	case protocol.OpGetBrightness:
		device, errResp := e.resolveBacklight(req.Device)
		if errResp != nil {
			return *errResp
		}
		e.ops.Add(1)
		current, max, err := e.sys.Brightness(device)
		if err != nil {
			return classify(err)
		}
		if max <= 0 {
			return protocol.ErrorResponse(protocol.ClassOther, 0)
		}
		return protocol.BrightnessResponse(toPercent(current, max))

	case protocol.OpSetBrightness:
		device, errResp := e.resolveBacklight(req.Device)
		if errResp != nil {
			return *errResp
		}
		e.ops.Add(1)
		_, max, err := e.sys.Brightness(device)
		if err != nil {
			return classify(err)
		}
		if max <= 0 {
			return protocol.ErrorResponse(protocol.ClassOther, 0)
		}
		raw := (int(req.Percent)*max + 50) / 100
		if err := e.sys.SetBrightness(device, raw); err != nil {
			return classify(err)
		}
		e.logger.Info("brightness set", "device", device, "percent", req.Percent)
		return protocol.AckResponse()

	case protocol.OpEnableScreen, protocol.OpDisableScreen:
		device, errResp := e.resolveBacklight(req.Device)
		if errResp != nil {
			return *errResp
		}
		e.ops.Add(1)
		on := req.Op == protocol.OpEnableScreen
		if err := e.sys.SetBacklightPower(device, on); err != nil {
			return classify(err)
		}
		e.logger.Info("screen power set", "device", device, "on", on)
		return protocol.AckResponse()
	}

	// The decoder refuses unknown tags, so this only triggers on a
	// request built in-process with a bad Op.
	return protocol.ErrorResponse(protocol.ClassUnknownOperation, 0)
}

// executePower handles reboot and power-off. A zero delay performs the
// transition inline: on success the kernel takes over and the call
// never returns, which the protocol accounts for by letting clients
// treat a dead connection after such a request as normal. A non-zero
// delay schedules the transition and acks immediately. While a
// scheduled transition is pending every further power request is
// refused busy, immediate ones included. Scheduled transitions do not
// survive a broker restart.
func (e *Executor) executePower(op protocol.Op, delay uint32) protocol.Response {
	if delay == 0 {
		if e.powerPending.Load() {
			return protocol.ErrorResponse(protocol.ClassBusy, 0)
		}
		e.ops.Add(1)
		return e.firePower(op)
	}

	if !e.powerPending.CompareAndSwap(false, true) {
		return protocol.ErrorResponse(protocol.ClassBusy, 0)
	}
	e.ops.Add(1)
	e.logger.Info("power transition scheduled", "op", op.String(), "delay_seconds", delay)
	time.AfterFunc(time.Duration(delay)*e.delayUnit, func() {
		e.firePowerDeferred(op)
	})
	return protocol.AckResponse()
}

// firePowerDeferred runs from the delay timer, outside any connection.
// It still takes the gate so the transition cannot overlap an in-flight
// operation. No client remains to receive a failure, so one is logged
// and audited here instead.
func (e *Executor) firePowerDeferred(op protocol.Op) {
	if err := e.gate.Acquire(context.Background()); err != nil {
		return
	}
	defer e.gate.Release()

	start := time.Now()
	resp := e.firePower(op)
	if resp.Kind == protocol.RespError {
		e.logger.Error("deferred power transition failed",
			"op", op.String(), "class", resp.Class.String(), "errno", resp.Errno)
		e.powerPending.Store(false)
		if e.audit != nil {
			e.audit(op.String(), "deferred", resp.Class.String(), resp.Errno, time.Since(start))
		}
	}
}

func (e *Executor) firePower(op protocol.Op) protocol.Response {
	var err error
	if op == protocol.OpReboot {
		err = e.sys.Reboot()
	} else {
		err = e.sys.PowerOff()
	}
	if err != nil {
		return classify(err)
	}
	// reboot(2) does not return on success.
	return protocol.AckResponse()
}

func (e *Executor) executeSetTime(epoch int64) protocol.Response {
	if epoch < timeFloor || epoch >= timeCeiling {
		return protocol.ErrorResponse(protocol.ClassInvalidParameters, 0)
	}
	previous := time.Now().Unix()
	e.ops.Add(1)
	if err := e.sys.SetClock(time.Unix(epoch, 0)); err != nil {
		return classify(err)
	}
	e.logger.Info("system time set", "epoch", epoch, "previous", previous)
	return protocol.TimeResponse(previous)
}

// resolveBacklight picks the device a brightness or screen operation
// applies to. An empty name selects the first enumerated device. Names
// are plain directory entries under /sys/class/backlight; anything
// that could traverse out of it is refused.
func (e *Executor) resolveBacklight(device string) (string, *protocol.Response) {
	if device != "" {
		if strings.Contains(device, "/") || device == "." || device == ".." {
			resp := protocol.ErrorResponse(protocol.ClassInvalidParameters, 0)
			return "", &resp
		}
		return device, nil
	}
	devices, err := e.sys.Backlights()
	if err != nil {
		resp := classify(err)
		return "", &resp
	}
	if len(devices) == 0 {
		resp := protocol.ErrorResponse(protocol.ClassNotFound, 0)
		return "", &resp
	}
	return devices[0], nil
}

// classifyMountErr refines EBUSY from mount(2): mounting over an
// existing mount point is already-mounted, every other EBUSY is plain
// busy.
func (e *Executor) classifyMountErr(ctx context.Context, err error, target string) protocol.Response {
	if errorsIsErrno(err, syscall.EBUSY) && e.isMounted(ctx, target) {
		return protocol.ErrorResponse(protocol.ClassAlreadyMounted, int32(syscall.EBUSY))
	}
	return classify(err)
}

// classifyUnmountErr refines EINVAL from umount2(2) and remount: the
// kernel answers EINVAL for "not a mount point", which for a target
// absent from the mount table really means not-found.
func (e *Executor) classifyUnmountErr(ctx context.Context, err error, target string) protocol.Response {
	if errorsIsErrno(err, syscall.EINVAL) && !e.isMounted(ctx, target) {
		return protocol.ErrorResponse(protocol.ClassNotFound, int32(syscall.EINVAL))
	}
	return classify(err)
}

func (e *Executor) isMounted(ctx context.Context, target string) bool {
	mounts, err := e.sys.Mountpoints(ctx)
	if err != nil {
		e.logger.Debug("mount table unavailable", "error", err)
		return false
	}
	clean := filepath.Clean(target)
	for _, m := range mounts {
		if m == clean {
			return true
		}
	}
	return false
}

// classify maps an OS error onto the protocol's stable failure
// vocabulary. The raw errno rides along for diagnostics whenever one
// exists.
func classify(err error) protocol.Response {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return protocol.ErrorResponse(protocol.ClassOther, 0)
	}
	switch errno {
	case syscall.ENOENT, syscall.ENOTDIR:
		return protocol.ErrorResponse(protocol.ClassNotFound, int32(errno))
	case syscall.EACCES, syscall.EPERM:
		return protocol.ErrorResponse(protocol.ClassPermissionDenied, int32(errno))
	case syscall.EBUSY:
		return protocol.ErrorResponse(protocol.ClassBusy, int32(errno))
	default:
		return protocol.ErrorResponse(protocol.ClassOther, int32(errno))
	}
}

func errorsIsErrno(err error, want syscall.Errno) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == want
}

func absolutePath(p string) bool {
	return p != "" && filepath.IsAbs(p)
}

func toPercent(current, max int) uint8 {
	pct := (current*100 + max/2) / max
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return uint8(pct)
}
