// Package protocol defines the binary IPC protocol spoken between the
// HAL broker daemon and its local clients. A connection carries exactly
// one request frame followed by one response frame; framing is
// self-delimiting (fixed-width fields plus length-prefixed strings), so
// the decoder consumes exactly one message from the stream. All integers
// are big-endian.
package protocol

import "fmt"

// DefaultSocketPath is where the broker listens unless configured
// otherwise. Both sides of the protocol share this constant.
const DefaultSocketPath = "/run/rmm-hald/hald.sock"

// Frame header, identical in both directions.
const (
	Magic   uint16 = 0x484C
	Version uint8  = 1
)

// Wire limits. Strings exceeding their cap are rejected as invalid
// parameters before any allocation of the declared length.
const (
	MaxPathLen      = 4096
	MaxDataLen      = 4096
	MaxNameLen      = 256
	MaxDelaySeconds = 86400
)

// Op identifies an operation kind on the wire.
type Op uint8

const (
	OpReboot        Op = 0x01
	OpPowerOff      Op = 0x02
	OpSetTime       Op = 0x03
	OpMount         Op = 0x04
	OpUnmount       Op = 0x05
	OpRemount       Op = 0x06
	OpStatus        Op = 0x07
	OpGetBrightness Op = 0x08
	OpSetBrightness Op = 0x09
	OpEnableScreen  Op = 0x0A
	OpDisableScreen Op = 0x0B
)

var opNames = map[Op]string{
	OpReboot:        "reboot",
	OpPowerOff:      "power-off",
	OpSetTime:       "set-time",
	OpMount:         "mount",
	OpUnmount:       "unmount",
	OpRemount:       "remount",
	OpStatus:        "status",
	OpGetBrightness: "get-brightness",
	OpSetBrightness: "set-brightness",
	OpEnableScreen:  "enable-screen",
	OpDisableScreen: "disable-screen",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(0x%02x)", uint8(o))
}

// ParseOp maps an operation name, as used in configuration and on the
// command line, back to its wire tag.
func ParseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// Ops lists every operation kind, in tag order.
func Ops() []Op {
	return []Op{
		OpReboot, OpPowerOff, OpSetTime,
		OpMount, OpUnmount, OpRemount,
		OpStatus, OpGetBrightness, OpSetBrightness,
		OpEnableScreen, OpDisableScreen,
	}
}

// Request is a decoded request frame. Op selects the operation; only the
// fields relevant to that operation are meaningful, the rest stay zero.
type Request struct {
	Op Op

	Delay        uint32 // reboot, power-off: seconds before the transition
	Epoch        int64  // set-time: unix seconds
	Source       string // mount
	Target       string // mount, unmount, remount
	FSType       string // mount
	MountFlags   MountFlags
	UnmountFlags UnmountFlags
	Data         string // mount, remount: fs-specific option string
	Device       string // brightness and screen operations; empty selects the first backlight
	Percent      uint8  // set-brightness: 0-100
}

// RespKind identifies a response frame.
type RespKind uint8

const (
	RespAck        RespKind = 0x81
	RespTime       RespKind = 0x82
	RespStatus     RespKind = 0x83
	RespBrightness RespKind = 0x84
	RespError      RespKind = 0xFF
)

func (k RespKind) String() string {
	switch k {
	case RespAck:
		return "ack"
	case RespTime:
		return "time"
	case RespStatus:
		return "status"
	case RespBrightness:
		return "brightness"
	case RespError:
		return "error"
	}
	return fmt.Sprintf("resp(0x%02x)", uint8(k))
}

// Response is a decoded response frame. Kind selects the payload fields,
// as with Request.Op.
type Response struct {
	Kind RespKind

	Class ErrorClass // error
	Errno int32      // error: OS error code, 0 when not applicable

	Previous int64 // time: clock value before the adjustment

	Version    string // status
	Started    int64  // status: broker start, unix seconds
	BootTime   int64  // status: host boot, unix seconds
	Operations uint64 // status: operations executed since start

	Percent uint8 // brightness
}

// AckResponse reports plain success.
func AckResponse() Response {
	return Response{Kind: RespAck}
}

// TimeResponse reports a clock adjustment, carrying the pre-adjustment
// epoch for audit trails.
func TimeResponse(previous int64) Response {
	return Response{Kind: RespTime, Previous: previous}
}

// StatusResponse reports broker and host liveness details.
func StatusResponse(version string, started, bootTime int64, operations uint64) Response {
	return Response{
		Kind:       RespStatus,
		Version:    version,
		Started:    started,
		BootTime:   bootTime,
		Operations: operations,
	}
}

// BrightnessResponse reports a backlight level as a percentage.
func BrightnessResponse(percent uint8) Response {
	return Response{Kind: RespBrightness, Percent: percent}
}

// ErrorResponse reports a classified failure. errno carries the raw OS
// code where one exists, 0 otherwise.
func ErrorResponse(class ErrorClass, errno int32) Response {
	return Response{Kind: RespError, Class: class, Errno: errno}
}
