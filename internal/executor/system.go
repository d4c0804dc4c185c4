// system.go implements the System interface against the running
// kernel: reboot(2), settimeofday(2), mount(2), umount2(2) via
// golang.org/x/sys/unix, the mount table and boot time via gopsutil,
// and backlight control via sysfs.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sys/unix"

	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

const backlightDir = "/sys/class/backlight"

// liveSystem is the production System. Every method is a thin
// translation to the OS; behavior and classification live in the
// executor so they stay testable.
type liveSystem struct{}

func (liveSystem) Reboot() error {
	// Flush filesystems first; reboot(2) does not.
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func (liveSystem) PowerOff() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

func (liveSystem) SetClock(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}

func (liveSystem) Mount(source, target, fstype string, flags protocol.MountFlags, data string) error {
	return unix.Mount(source, target, fstype, mountFlagBits(flags), data)
}

func (liveSystem) Unmount(target string, flags protocol.UnmountFlags) error {
	return unix.Unmount(target, unmountFlagBits(flags))
}

func (liveSystem) Remount(target string, flags protocol.MountFlags, data string) error {
	return unix.Mount("", target, "", mountFlagBits(flags), data)
}

func (liveSystem) Mountpoints(ctx context.Context) ([]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	mounts := make([]string, 0, len(parts))
	for _, p := range parts {
		mounts = append(mounts, p.Mountpoint)
	}
	return mounts, nil
}

func (liveSystem) BootTime(ctx context.Context) (uint64, error) {
	return host.BootTimeWithContext(ctx)
}

func (liveSystem) Backlights() ([]string, error) {
	entries, err := os.ReadDir(backlightDir)
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, e.Name())
	}
	return devices, nil
}

func (liveSystem) Brightness(device string) (int, int, error) {
	current, err := readSysfsInt(filepath.Join(backlightDir, device, "brightness"))
	if err != nil {
		return 0, 0, err
	}
	max, err := readSysfsInt(filepath.Join(backlightDir, device, "max_brightness"))
	if err != nil {
		return 0, 0, err
	}
	return current, max, nil
}

func (liveSystem) SetBrightness(device string, value int) error {
	path := filepath.Join(backlightDir, device, "brightness")
	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0644)
}

// SetBacklightPower drives the device's bl_power attribute. The fbdev
// blanking constants apply: 0 unblanks the panel, 4 powers it down.
func (liveSystem) SetBacklightPower(device string, on bool) error {
	value := "4"
	if on {
		value = "0"
	}
	path := filepath.Join(backlightDir, device, "bl_power")
	return os.WriteFile(path, []byte(value), 0644)
}

// mountFlagBits translates protocol mount flags to MS_* bits. The wire
// values never change; the kernel values are whatever this build's
// unix package says.
func mountFlagBits(flags protocol.MountFlags) uintptr {
	var bits uintptr
	for _, t := range []struct {
		flag protocol.MountFlags
		bit  uintptr
	}{
		{protocol.MountReadOnly, unix.MS_RDONLY},
		{protocol.MountNoSuid, unix.MS_NOSUID},
		{protocol.MountNoDev, unix.MS_NODEV},
		{protocol.MountNoExec, unix.MS_NOEXEC},
		{protocol.MountSynchronous, unix.MS_SYNCHRONOUS},
		{protocol.MountRemount, unix.MS_REMOUNT},
		{protocol.MountNoAtime, unix.MS_NOATIME},
		{protocol.MountNoDirAtime, unix.MS_NODIRATIME},
		{protocol.MountBind, unix.MS_BIND},
		{protocol.MountRelatime, unix.MS_RELATIME},
	} {
		if flags&t.flag != 0 {
			bits |= t.bit
		}
	}
	return bits
}

func unmountFlagBits(flags protocol.UnmountFlags) int {
	var bits int
	if flags&protocol.UnmountForce != 0 {
		bits |= unix.MNT_FORCE
	}
	if flags&protocol.UnmountDetach != 0 {
		bits |= unix.MNT_DETACH
	}
	return bits
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
