package ipc

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrShortRequest  = errors.New("ipc: request header too short")
	ErrShortResponse = errors.New("ipc: response envelope too short")
	ErrBadMagic      = errors.New("ipc: bad magic")
)

// Shape selects how much of a response follows the base envelope. The wire
// layout is a closed family: catalog calls return ret/errno, optionally
// followed by a single trailing length; the two session-control commands
// return a status and a call-specific trailer instead.
type Shape int

const (
	// ShapeBase is magic, status, ret, errno (24 bytes).
	ShapeBase Shape = iota
	// ShapeOutLen32 is the base envelope plus a u32 trailing length
	// (updated address or option length).
	ShapeOutLen32
	// ShapeOutLen64 is the base envelope plus a u64 trailing length
	// (updated sysctl buffer length).
	ShapeOutLen64
	// ShapeControl is magic and status followed by a call-specific trailer,
	// with no ret/errno (client registration and monitor start).
	ShapeControl
)

// Response is the raw reply to one dispatched request. Receive-slot contents
// have already been copied back into the caller's buffers by the transport;
// Raw holds the envelope and any trailing fields.
type Response struct {
	Raw []byte
}

// Envelope is a decoded response prefix. Ret and Errno are only meaningful
// when Result is zero; the trailing lengths are only read when the service
// reported success and Ret is not -1, and are zero otherwise.
type Envelope struct {
	Result uint64
	Ret    int32
	Errno  unix.Errno

	OutLen32 uint32
	OutLen64 uint64

	// Control holds the trailer bytes of a ShapeControl response.
	Control []byte
}

// DecodeEnvelope parses a response at its fixed offsets. A failed status
// leaves the rest of the payload untouched: nothing past the status word is
// trusted on that path.
func DecodeEnvelope(raw []byte, shape Shape) (Envelope, error) {
	if len(raw) < 16 {
		return Envelope{}, ErrShortResponse
	}
	if binary.LittleEndian.Uint64(raw[0:8]) != ResponseMagic {
		return Envelope{}, ErrBadMagic
	}
	env := Envelope{Result: binary.LittleEndian.Uint64(raw[8:16])}
	if env.Result != 0 {
		return env, nil
	}
	if shape == ShapeControl {
		env.Control = raw[16:]
		return env, nil
	}
	if len(raw) < 24 {
		return Envelope{}, ErrShortResponse
	}
	env.Ret = int32(binary.LittleEndian.Uint32(raw[16:20]))
	env.Errno = unix.Errno(binary.LittleEndian.Uint32(raw[20:24]))
	if env.Ret == -1 {
		return env, nil
	}
	switch shape {
	case ShapeOutLen32:
		if len(raw) < 28 {
			return Envelope{}, ErrShortResponse
		}
		env.OutLen32 = binary.LittleEndian.Uint32(raw[24:28])
	case ShapeOutLen64:
		if len(raw) < 32 {
			return Envelope{}, ErrShortResponse
		}
		env.OutLen64 = binary.LittleEndian.Uint64(raw[24:32])
	}
	return env, nil
}
