// Package ipc builds and decodes the fixed-format records exchanged with the
// BSD socket service.
//
// Every call is a scalar header plus out-of-band buffer attachments:
//
//	┌──────────┬──────────┬─────────────────────────────┐
//	│  magic   │ command  │  scalar arguments           │
//	│  "SFCI"  │  uint64  │  C natural alignment        │
//	└──────────┴──────────┴─────────────────────────────┘
//	  send buffers (≤4 slots) … receive buffers (≤4 slots)
//
// The response opens with the envelope parsed by DecodeEnvelope. Attachment
// order is part of the wire contract: send buffers come before receive
// buffers, in the fixed slot order of the call, and a zero-length attachment
// still occupies its slot (it just carries no bytes).
package ipc

import "encoding/binary"

const (
	// RequestMagic and ResponseMagic are the 8-byte constants opening every
	// request and response record ("SFCI" / "SFCO", little endian).
	RequestMagic  uint64 = 0x49434653
	ResponseMagic uint64 = 0x4F434653
)

// MaxBuffers is the per-direction, per-kind attachment slot budget.
const MaxBuffers = 4

// Command ids of the socket service.
const (
	CmdRegisterClient uint64 = iota
	CmdStartMonitor
	CmdSocket
	CmdSocketExempt
	CmdOpen
	CmdSelect
	CmdPoll
	CmdSysctl
	CmdRecv
	CmdRecvFrom
	CmdSend
	CmdSendTo
	CmdAccept
	CmdBind
	CmdConnect
	CmdGetPeerName
	CmdGetSockName
	CmdGetSockOpt
	CmdListen
	CmdIoctl
	CmdFnctl
	CmdSetSockOpt
	CmdShutdown
	CmdShutdownAllSockets
	CmdWrite
	CmdRead
	CmdClose
	CmdDuplicateSocket
)

// BufferKind selects the transport mechanism carrying an attachment.
type BufferKind uint8

const (
	// KindMapped attachments are carried through buffer-mapped memory.
	KindMapped BufferKind = iota
	// KindStatic attachments are statically copied into the message.
	KindStatic
)

// Attachment is one buffer slot of a request. For send slots Data holds the
// bytes shipped to the service; for receive slots it is the caller-owned
// region the response is copied back into, and len(Data) is the capacity
// declared on the wire.
type Attachment struct {
	Kind  BufferKind
	Index uint8
	Data  []byte
}

// Request is a single in-flight command record. The scalar header is written
// incrementally through the Write methods, which reproduce C struct layout:
// each N-byte scalar is aligned to N and the finished record is padded at the
// tail to the largest alignment seen.
type Request struct {
	raw      []byte
	maxAlign int

	sends []Attachment
	recvs []Attachment

	pid     uint64
	hasPID  bool
	handles []uint32
}

// NewRequest starts a request record for the given command, writing the magic
// and the command id.
func NewRequest(cmd uint64) *Request {
	r := &Request{raw: make([]byte, 0, 64), maxAlign: 1}
	r.WriteU64(RequestMagic)
	r.WriteU64(cmd)
	return r
}

func (r *Request) align(n int) {
	if n > r.maxAlign {
		r.maxAlign = n
	}
	for len(r.raw)%n != 0 {
		r.raw = append(r.raw, 0)
	}
}

// WriteU8 appends a one-byte scalar.
func (r *Request) WriteU8(v uint8) {
	r.raw = append(r.raw, v)
}

// WriteBool appends a one-byte boolean.
func (r *Request) WriteBool(v bool) {
	if v {
		r.WriteU8(1)
	} else {
		r.WriteU8(0)
	}
}

// WriteU32 appends a four-byte scalar at its natural alignment.
func (r *Request) WriteU32(v uint32) {
	r.align(4)
	r.raw = binary.LittleEndian.AppendUint32(r.raw, v)
}

// WriteI32 appends a signed four-byte scalar at its natural alignment.
func (r *Request) WriteI32(v int32) {
	r.WriteU32(uint32(v))
}

// WriteU64 appends an eight-byte scalar at its natural alignment.
func (r *Request) WriteU64(v uint64) {
	r.align(8)
	r.raw = binary.LittleEndian.AppendUint64(r.raw, v)
}

// WriteI64 appends a signed eight-byte scalar at its natural alignment.
func (r *Request) WriteI64(v int64) {
	r.WriteU64(uint64(v))
}

// Raw finalizes the scalar header (tail padding to the record's alignment)
// and returns it. Safe to call more than once.
func (r *Request) Raw() []byte {
	for len(r.raw)%r.maxAlign != 0 {
		r.raw = append(r.raw, 0)
	}
	return r.raw
}

func (r *Request) addSend(kind BufferKind, data []byte, index int) {
	n := 0
	for _, a := range r.sends {
		if a.Kind == kind {
			n++
		}
	}
	if n >= MaxBuffers {
		panic("ipc: send buffer slots exhausted")
	}
	r.sends = append(r.sends, Attachment{Kind: kind, Index: uint8(index), Data: data})
}

func (r *Request) addRecv(kind BufferKind, data []byte, index int) {
	n := 0
	for _, a := range r.recvs {
		if a.Kind == kind {
			n++
		}
	}
	if n >= MaxBuffers {
		panic("ipc: receive buffer slots exhausted")
	}
	r.recvs = append(r.recvs, Attachment{Kind: kind, Index: uint8(index), Data: data})
}

// AddSendBuffer attaches a buffer-mapped input region. A nil or empty region
// occupies the slot with zero length.
func (r *Request) AddSendBuffer(data []byte, index int) {
	r.addSend(KindMapped, data, index)
}

// AddSendStatic attaches a statically-copied input region.
func (r *Request) AddSendStatic(data []byte, index int) {
	r.addSend(KindStatic, data, index)
}

// AddRecvBuffer attaches a buffer-mapped output region sized to len(buf).
func (r *Request) AddRecvBuffer(buf []byte, index int) {
	r.addRecv(KindMapped, buf, index)
}

// AddRecvStatic attaches a statically-copied output region.
func (r *Request) AddRecvStatic(buf []byte, index int) {
	r.addRecv(KindStatic, buf, index)
}

// SendPID marks the request as carrying the client's process identity.
func (r *Request) SendPID(pid uint64) {
	r.pid = pid
	r.hasPID = true
}

// CopyHandle attaches a copied kernel-object handle (transfer memory).
func (r *Request) CopyHandle(h uint32) {
	r.handles = append(r.handles, h)
}

// Sends returns the input attachments in wire order.
func (r *Request) Sends() []Attachment { return r.sends }

// Recvs returns the output attachments in wire order.
func (r *Request) Recvs() []Attachment { return r.recvs }

// PID returns the process identity and whether one was set.
func (r *Request) PID() (uint64, bool) { return r.pid, r.hasPID }

// Handles returns the copied handles attached to the request.
func (r *Request) Handles() []uint32 { return r.handles }

// Command extracts the command id from a raw request header, validating the
// magic. Used by the service side of the wire.
func Command(raw []byte) (uint64, error) {
	if len(raw) < 16 {
		return 0, ErrShortRequest
	}
	if binary.LittleEndian.Uint64(raw[0:8]) != RequestMagic {
		return 0, ErrBadMagic
	}
	return binary.LittleEndian.Uint64(raw[8:16]), nil
}
