package protocol

import "strings"

// MountFlags is the wire vocabulary for mount behavior. The bit values
// are part of the protocol and never change; the executor translates
// them to the platform's MS_* constants.
type MountFlags uint32

const (
	MountReadOnly    MountFlags = 0x0001
	MountNoSuid      MountFlags = 0x0002
	MountNoDev       MountFlags = 0x0004
	MountNoExec      MountFlags = 0x0008
	MountSynchronous MountFlags = 0x0010
	MountRemount     MountFlags = 0x0020
	MountNoAtime     MountFlags = 0x0040
	MountNoDirAtime  MountFlags = 0x0080
	MountBind        MountFlags = 0x0100
	MountRelatime    MountFlags = 0x0200

	mountFlagMask MountFlags = 0x03FF
)

// UnmountFlags is the wire vocabulary for unmount behavior.
type UnmountFlags uint32

const (
	UnmountForce  UnmountFlags = 0x0001
	UnmountDetach UnmountFlags = 0x0002

	unmountFlagMask UnmountFlags = 0x0003
)

var mountFlagNames = []struct {
	flag MountFlags
	name string
}{
	{MountReadOnly, "ro"},
	{MountNoSuid, "nosuid"},
	{MountNoDev, "nodev"},
	{MountNoExec, "noexec"},
	{MountSynchronous, "sync"},
	{MountRemount, "remount"},
	{MountNoAtime, "noatime"},
	{MountNoDirAtime, "nodiratime"},
	{MountBind, "bind"},
	{MountRelatime, "relatime"},
}

// String renders the flags as a mount(8)-style comma list. The zero
// value renders empty.
func (f MountFlags) String() string {
	var names []string
	for _, e := range mountFlagNames {
		if f&e.flag != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}

func (f UnmountFlags) String() string {
	var names []string
	if f&UnmountForce != 0 {
		names = append(names, "force")
	}
	if f&UnmountDetach != 0 {
		names = append(names, "detach")
	}
	return strings.Join(names, ",")
}

// ParseMountOptions splits a mount(8)-style option list into protocol
// flag bits and the residual fs-specific data string. Unrecognized
// tokens are not an error; they pass through to the filesystem, which
// is how mount(8) treats them. "rw" and "defaults" are accepted and
// carry no bits.
func ParseMountOptions(opts string) (MountFlags, string) {
	var flags MountFlags
	var data []string
	for _, tok := range strings.Split(opts, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == "rw" || tok == "defaults" {
			continue
		}
		known := false
		for _, e := range mountFlagNames {
			if tok == e.name {
				flags |= e.flag
				known = true
				break
			}
		}
		if !known {
			data = append(data, tok)
		}
	}
	return flags, strings.Join(data, ",")
}
