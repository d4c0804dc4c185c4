package protocol

import (
	"errors"
	"fmt"
)

// Decode and encode failures. Anything not covered by a more specific
// sentinel maps to the malformed class.
var (
	ErrBadMagic           = errors.New("protocol: bad magic")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrTruncated          = errors.New("protocol: truncated message")
	ErrUnknownOperation   = errors.New("protocol: unknown operation tag")
	ErrUnknownResponse    = errors.New("protocol: unknown response tag")
	ErrUnknownClass       = errors.New("protocol: unknown error class")
	ErrInvalidParameters  = errors.New("protocol: invalid parameters")
)

// ErrorClass is the stable failure vocabulary carried in error
// responses. The low range covers protocol misuse, the high range
// covers operation outcomes.
type ErrorClass uint8

const (
	ClassMalformed         ErrorClass = 0x01
	ClassUnknownOperation  ErrorClass = 0x02
	ClassInvalidParameters ErrorClass = 0x03

	ClassNotFound         ErrorClass = 0x10
	ClassPermissionDenied ErrorClass = 0x11
	ClassAlreadyMounted   ErrorClass = 0x12
	ClassBusy             ErrorClass = 0x13
	ClassOther            ErrorClass = 0xFF
)

func (c ErrorClass) String() string {
	switch c {
	case ClassMalformed:
		return "malformed"
	case ClassUnknownOperation:
		return "unknown-operation"
	case ClassInvalidParameters:
		return "invalid-parameters"
	case ClassNotFound:
		return "not-found"
	case ClassPermissionDenied:
		return "permission-denied"
	case ClassAlreadyMounted:
		return "already-mounted"
	case ClassBusy:
		return "busy"
	case ClassOther:
		return "other"
	}
	return fmt.Sprintf("class(0x%02x)", uint8(c))
}

// IsProtocol reports whether the class blames the request rather than
// the operation. Clients map these to a different exit status than
// operation failures.
func (c ErrorClass) IsProtocol() bool {
	switch c {
	case ClassMalformed, ClassUnknownOperation, ClassInvalidParameters:
		return true
	}
	return false
}

func validClass(c ErrorClass) bool {
	switch c {
	case ClassMalformed, ClassUnknownOperation, ClassInvalidParameters,
		ClassNotFound, ClassPermissionDenied, ClassAlreadyMounted,
		ClassBusy, ClassOther:
		return true
	}
	return false
}

// DecodeErrorClass maps a request decode failure to the class reported
// back to the client. The gate and the executor are never involved for
// these.
func DecodeErrorClass(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrUnknownOperation):
		return ClassUnknownOperation
	case errors.Is(err, ErrInvalidParameters):
		return ClassInvalidParameters
	default:
		return ClassMalformed
	}
}
