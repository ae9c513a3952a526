// Package protocol frames IPC records for transport over a byte stream.
//
// The scalar header of a request and its buffer attachments are out-of-band
// of each other on the real transport; this framing preserves that split
// while multiplexing both over one connection. Every frame is a fixed
// 10-byte prefix followed by a variable-length body:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│r │ bodyLen │    body ...    │
//	│ bsd  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// A request body carries the process identity and copied handles (when
// present), the raw scalar header, the send attachments with their bytes,
// and the receive slots with their declared capacities. A response body
// carries the raw envelope and one data entry per receive slot, in slot
// order. The receiver reads the prefix first, then exactly bodyLen bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"nx-bsd/ipc"
)

// Magic bytes: "bsd".
const (
	MagicByte0 byte = 0x62 // 'b'
	MagicByte1 byte = 0x73 // 's'
	MagicByte2 byte = 0x64 // 'd'
	Version    byte = 0x01
	HeaderSize int  = 10
)

// MaxBodySize bounds a frame body; anything larger is a corrupt stream.
const MaxBodySize = 1 << 24

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0
	MsgTypeResponse MsgType = 1
)

const flagPID byte = 1 << 0

func writeFrame(w io.Writer, mt MsgType, body []byte) error {
	buf := make([]byte, HeaderSize)
	buf[0] = MagicByte0
	buf[1] = MagicByte1
	buf[2] = MagicByte2
	buf[3] = Version
	buf[4] = byte(mt)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(body)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

func readFrame(r io.Reader, want MsgType) ([]byte, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != MagicByte0 || hdr[1] != MagicByte1 || hdr[2] != MagicByte2 {
		return nil, fmt.Errorf("protocol: invalid magic number: %x", hdr[0:3])
	}
	if hdr[3] != Version {
		return nil, fmt.Errorf("protocol: unsupported version: %d", hdr[3])
	}
	if MsgType(hdr[4]) != want {
		return nil, fmt.Errorf("protocol: unexpected message type: %d", hdr[4])
	}
	bodyLen := binary.LittleEndian.Uint32(hdr[6:10])
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("protocol: frame body too large: %d", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteRequest frames a built request and writes it to w.
func WriteRequest(w io.Writer, req *ipc.Request) error {
	raw := req.Raw()
	sends := req.Sends()
	recvs := req.Recvs()
	handles := req.Handles()

	var body []byte
	pid, hasPID := req.PID()
	var flags byte
	if hasPID {
		flags |= flagPID
	}
	body = append(body, flags)
	if hasPID {
		body = binary.LittleEndian.AppendUint64(body, pid)
	}
	body = append(body, byte(len(handles)))
	for _, h := range handles {
		body = binary.LittleEndian.AppendUint32(body, h)
	}
	body = binary.LittleEndian.AppendUint32(body, uint32(len(raw)))
	body = append(body, raw...)
	body = append(body, byte(len(sends)))
	for _, a := range sends {
		body = append(body, byte(a.Kind), a.Index)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(a.Data)))
		body = append(body, a.Data...)
	}
	body = append(body, byte(len(recvs)))
	for _, a := range recvs {
		body = append(body, byte(a.Kind), a.Index)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(a.Data)))
	}
	return writeFrame(w, MsgTypeRequest, body)
}

// RecvSlot describes one receive attachment as seen by the service: the slot
// metadata and the capacity the client declared, without any backing memory.
type RecvSlot struct {
	Kind  ipc.BufferKind
	Index uint8
	Cap   uint32
}

// Incoming is a request as decoded on the service side of the stream.
type Incoming struct {
	PID     uint64
	HasPID  bool
	Handles []uint32
	Raw     []byte
	Sends   []ipc.Attachment
	Recvs   []RecvSlot
}

type bodyReader struct {
	buf []byte
	off int
}

func (b *bodyReader) u8() (byte, error) {
	if b.off+1 > len(b.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

func (b *bodyReader) u32() (uint32, error) {
	if b.off+4 > len(b.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

func (b *bodyReader) u64() (uint64, error) {
	if b.off+8 > len(b.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(b.buf[b.off:])
	b.off += 8
	return v, nil
}

func (b *bodyReader) bytes(n uint32) ([]byte, error) {
	if uint32(len(b.buf)-b.off) < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.buf[b.off : b.off+int(n)]
	b.off += int(n)
	return v, nil
}

// ReadRequest reads one request frame from r and decodes it.
func ReadRequest(r io.Reader) (*Incoming, error) {
	body, err := readFrame(r, MsgTypeRequest)
	if err != nil {
		return nil, err
	}
	br := &bodyReader{buf: body}
	in := &Incoming{}

	flags, err := br.u8()
	if err != nil {
		return nil, err
	}
	if flags&flagPID != 0 {
		in.HasPID = true
		if in.PID, err = br.u64(); err != nil {
			return nil, err
		}
	}
	nh, err := br.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nh); i++ {
		h, err := br.u32()
		if err != nil {
			return nil, err
		}
		in.Handles = append(in.Handles, h)
	}
	rawLen, err := br.u32()
	if err != nil {
		return nil, err
	}
	if in.Raw, err = br.bytes(rawLen); err != nil {
		return nil, err
	}
	ns, err := br.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(ns); i++ {
		kind, err := br.u8()
		if err != nil {
			return nil, err
		}
		index, err := br.u8()
		if err != nil {
			return nil, err
		}
		n, err := br.u32()
		if err != nil {
			return nil, err
		}
		data, err := br.bytes(n)
		if err != nil {
			return nil, err
		}
		in.Sends = append(in.Sends, ipc.Attachment{Kind: ipc.BufferKind(kind), Index: index, Data: data})
	}
	nr, err := br.u8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nr); i++ {
		kind, err := br.u8()
		if err != nil {
			return nil, err
		}
		index, err := br.u8()
		if err != nil {
			return nil, err
		}
		c, err := br.u32()
		if err != nil {
			return nil, err
		}
		in.Recvs = append(in.Recvs, RecvSlot{Kind: ipc.BufferKind(kind), Index: index, Cap: c})
	}
	return in, nil
}

// Outgoing is a response as built on the service side: the raw envelope plus
// one data entry per receive slot. A nil entry answers its slot with zero
// bytes.
type Outgoing struct {
	Raw  []byte
	Recv [][]byte
}

// WriteResponse frames a service response and writes it to w.
func WriteResponse(w io.Writer, out *Outgoing) error {
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, uint32(len(out.Raw)))
	body = append(body, out.Raw...)
	body = append(body, byte(len(out.Recv)))
	for _, data := range out.Recv {
		body = binary.LittleEndian.AppendUint32(body, uint32(len(data)))
		body = append(body, data...)
	}
	return writeFrame(w, MsgTypeResponse, body)
}

// ReadResponse reads one response frame from r, copies the receive-slot
// contents back into the request's attached buffers, and returns the raw
// envelope. Slot data longer than the declared capacity is truncated to it.
func ReadResponse(r io.Reader, req *ipc.Request) (*ipc.Response, error) {
	body, err := readFrame(r, MsgTypeResponse)
	if err != nil {
		return nil, err
	}
	br := &bodyReader{buf: body}
	rawLen, err := br.u32()
	if err != nil {
		return nil, err
	}
	raw, err := br.bytes(rawLen)
	if err != nil {
		return nil, err
	}
	n, err := br.u8()
	if err != nil {
		return nil, err
	}
	recvs := req.Recvs()
	if int(n) > len(recvs) {
		return nil, fmt.Errorf("protocol: response carries %d receive slots, request attached %d", n, len(recvs))
	}
	for i := 0; i < int(n); i++ {
		dataLen, err := br.u32()
		if err != nil {
			return nil, err
		}
		data, err := br.bytes(dataLen)
		if err != nil {
			return nil, err
		}
		copy(recvs[i].Data, data)
	}
	return &ipc.Response{Raw: raw}, nil
}
