package protocol

import (
	"encoding/binary"
	"io"
)

// WriteRequest validates req and writes one request frame to w. The
// frame is assembled in memory and handed to a single Write call so a
// stream never carries a torn frame.
func WriteRequest(w io.Writer, req Request) error {
	buf, err := encodeRequest(req)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// WriteResponse validates resp and writes one response frame to w.
func WriteResponse(w io.Writer, resp Response) error {
	buf, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func encodeRequest(req Request) ([]byte, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	b := appendHeader(make([]byte, 0, 64), uint8(req.Op))
	switch req.Op {
	case OpReboot, OpPowerOff:
		b = binary.BigEndian.AppendUint32(b, req.Delay)
	case OpSetTime:
		b = binary.BigEndian.AppendUint64(b, uint64(req.Epoch))
	case OpMount:
		b = appendString(b, req.Source)
		b = appendString(b, req.Target)
		b = appendString(b, req.FSType)
		b = binary.BigEndian.AppendUint32(b, uint32(req.MountFlags))
		b = appendString(b, req.Data)
	case OpUnmount:
		b = appendString(b, req.Target)
		b = binary.BigEndian.AppendUint32(b, uint32(req.UnmountFlags))
	case OpRemount:
		b = appendString(b, req.Target)
		b = binary.BigEndian.AppendUint32(b, uint32(req.MountFlags))
		b = appendString(b, req.Data)
	case OpStatus:
	case OpGetBrightness, OpEnableScreen, OpDisableScreen:
		b = appendString(b, req.Device)
	case OpSetBrightness:
		b = appendString(b, req.Device)
		b = append(b, req.Percent)
	}
	return b, nil
}

func encodeResponse(resp Response) ([]byte, error) {
	if err := validateResponse(resp); err != nil {
		return nil, err
	}
	b := appendHeader(make([]byte, 0, 64), uint8(resp.Kind))
	switch resp.Kind {
	case RespAck:
	case RespTime:
		b = binary.BigEndian.AppendUint64(b, uint64(resp.Previous))
	case RespStatus:
		b = appendString(b, resp.Version)
		b = binary.BigEndian.AppendUint64(b, uint64(resp.Started))
		b = binary.BigEndian.AppendUint64(b, uint64(resp.BootTime))
		b = binary.BigEndian.AppendUint64(b, resp.Operations)
	case RespBrightness:
		b = append(b, resp.Percent)
	case RespError:
		b = append(b, uint8(resp.Class))
		b = binary.BigEndian.AppendUint32(b, uint32(resp.Errno))
	}
	return b, nil
}

func validateRequest(req Request) error {
	switch req.Op {
	case OpReboot, OpPowerOff:
		if req.Delay > MaxDelaySeconds {
			return ErrInvalidParameters
		}
	case OpSetTime:
		if req.Epoch < 0 {
			return ErrInvalidParameters
		}
	case OpMount:
		if len(req.Source) > MaxPathLen || len(req.Target) > MaxPathLen ||
			len(req.FSType) > MaxNameLen || len(req.Data) > MaxDataLen {
			return ErrInvalidParameters
		}
		if req.MountFlags&^mountFlagMask != 0 {
			return ErrInvalidParameters
		}
	case OpUnmount:
		if len(req.Target) > MaxPathLen {
			return ErrInvalidParameters
		}
		if req.UnmountFlags&^unmountFlagMask != 0 {
			return ErrInvalidParameters
		}
	case OpRemount:
		if len(req.Target) > MaxPathLen || len(req.Data) > MaxDataLen {
			return ErrInvalidParameters
		}
		if req.MountFlags&^mountFlagMask != 0 {
			return ErrInvalidParameters
		}
	case OpStatus:
	case OpGetBrightness, OpEnableScreen, OpDisableScreen:
		if len(req.Device) > MaxNameLen {
			return ErrInvalidParameters
		}
	case OpSetBrightness:
		if len(req.Device) > MaxNameLen || req.Percent > 100 {
			return ErrInvalidParameters
		}
	default:
		return ErrUnknownOperation
	}
	return nil
}

func validateResponse(resp Response) error {
	switch resp.Kind {
	case RespAck, RespTime:
	case RespStatus:
		if len(resp.Version) > MaxNameLen {
			return ErrInvalidParameters
		}
	case RespBrightness:
		if resp.Percent > 100 {
			return ErrInvalidParameters
		}
	case RespError:
		if !validClass(resp.Class) {
			return ErrUnknownClass
		}
	default:
		return ErrUnknownResponse
	}
	return nil
}

func appendHeader(b []byte, tag uint8) []byte {
	b = binary.BigEndian.AppendUint16(b, Magic)
	return append(b, Version, tag)
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}
