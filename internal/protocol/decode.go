package protocol

import (
	"encoding/binary"
	"io"
)

// ReadRequest reads and validates exactly one request frame from r.
// A clean EOF before any bytes is returned as io.EOF so callers can
// tell "client closed without sending" apart from a torn frame; every
// other failure maps onto the protocol sentinels.
func ReadRequest(r io.Reader) (Request, error) {
	tag, err := readHeader(r)
	if err != nil {
		return Request{}, err
	}
	req := Request{Op: Op(tag)}
	switch req.Op {
	case OpReboot, OpPowerOff:
		d, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		if d > MaxDelaySeconds {
			return Request{}, ErrInvalidParameters
		}
		req.Delay = d
	case OpSetTime:
		v, err := readUint64(r)
		if err != nil {
			return Request{}, err
		}
		req.Epoch = int64(v)
		if req.Epoch < 0 {
			return Request{}, ErrInvalidParameters
		}
	case OpMount:
		if req.Source, err = readString(r, MaxPathLen); err != nil {
			return Request{}, err
		}
		if req.Target, err = readString(r, MaxPathLen); err != nil {
			return Request{}, err
		}
		if req.FSType, err = readString(r, MaxNameLen); err != nil {
			return Request{}, err
		}
		f, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		req.MountFlags = MountFlags(f)
		if req.MountFlags&^mountFlagMask != 0 {
			return Request{}, ErrInvalidParameters
		}
		if req.Data, err = readString(r, MaxDataLen); err != nil {
			return Request{}, err
		}
	case OpUnmount:
		if req.Target, err = readString(r, MaxPathLen); err != nil {
			return Request{}, err
		}
		f, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		req.UnmountFlags = UnmountFlags(f)
		if req.UnmountFlags&^unmountFlagMask != 0 {
			return Request{}, ErrInvalidParameters
		}
	case OpRemount:
		if req.Target, err = readString(r, MaxPathLen); err != nil {
			return Request{}, err
		}
		f, err := readUint32(r)
		if err != nil {
			return Request{}, err
		}
		req.MountFlags = MountFlags(f)
		if req.MountFlags&^mountFlagMask != 0 {
			return Request{}, ErrInvalidParameters
		}
		if req.Data, err = readString(r, MaxDataLen); err != nil {
			return Request{}, err
		}
	case OpStatus:
	case OpGetBrightness, OpEnableScreen, OpDisableScreen:
		if req.Device, err = readString(r, MaxNameLen); err != nil {
			return Request{}, err
		}
	case OpSetBrightness:
		if req.Device, err = readString(r, MaxNameLen); err != nil {
			return Request{}, err
		}
		p, err := readByte(r)
		if err != nil {
			return Request{}, err
		}
		if p > 100 {
			return Request{}, ErrInvalidParameters
		}
		req.Percent = p
	default:
		return Request{}, ErrUnknownOperation
	}
	return req, nil
}

// ReadResponse reads and validates exactly one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	tag, err := readHeader(r)
	if err != nil {
		return Response{}, err
	}
	resp := Response{Kind: RespKind(tag)}
	switch resp.Kind {
	case RespAck:
	case RespTime:
		v, err := readUint64(r)
		if err != nil {
			return Response{}, err
		}
		resp.Previous = int64(v)
	case RespStatus:
		if resp.Version, err = readString(r, MaxNameLen); err != nil {
			return Response{}, err
		}
		started, err := readUint64(r)
		if err != nil {
			return Response{}, err
		}
		boot, err := readUint64(r)
		if err != nil {
			return Response{}, err
		}
		ops, err := readUint64(r)
		if err != nil {
			return Response{}, err
		}
		resp.Started = int64(started)
		resp.BootTime = int64(boot)
		resp.Operations = ops
	case RespBrightness:
		p, err := readByte(r)
		if err != nil {
			return Response{}, err
		}
		resp.Percent = p
	case RespError:
		c, err := readByte(r)
		if err != nil {
			return Response{}, err
		}
		resp.Class = ErrorClass(c)
		if !validClass(resp.Class) {
			return Response{}, ErrUnknownClass
		}
		e, err := readUint32(r)
		if err != nil {
			return Response{}, err
		}
		resp.Errno = int32(e)
	default:
		return Response{}, ErrUnknownResponse
	}
	return resp, nil
}

func readHeader(r io.Reader) (uint8, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, ErrTruncated
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != Magic {
		return 0, ErrBadMagic
	}
	if hdr[2] != Version {
		return 0, ErrUnsupportedVersion
	}
	return hdr[3], nil
}

func readByte(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return b[0], nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readString reads a u16 length prefix and that many bytes. The length
// is checked against max before the payload is read, so a hostile
// length never drives an allocation.
func readString(r io.Reader, max int) (string, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(lb[:]))
	if n > max {
		return "", ErrInvalidParameters
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrTruncated
	}
	return string(buf), nil
}
