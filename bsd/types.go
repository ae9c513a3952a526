// Package bsd is the call catalog of the socket service: one method per
// POSIX-like operation, each marshalling its arguments into a fixed-format
// IPC request and mapping the response envelope back to a POSIX
// (return value, errno) pair. Errnos are golang.org/x/sys/unix values, so a
// libc-compatibility shim built on top needs no translation.
package bsd

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// Address families, socket types and protocols understood by the service.
const (
	AFInet  = 2
	AFInet6 = 10

	SockStream = 1
	SockDgram  = 2

	IPProtoIP  = 0
	IPProtoTCP = 6
	IPProtoUDP = 17
)

// MsgRecvAll makes a receive call block until the full length is available.
const MsgRecvAll = 0x40

// Shutdown directions.
const (
	ShutRd   = 0
	ShutWr   = 1
	ShutRdWr = 2
)

// File-control commands. FGetFL and FSetFL are rejected locally: the service
// has no handler for them, a deliberate capability gap.
const (
	FGetFL = 3
	FSetFL = 4
)

// Poll events.
const (
	PollIn   = 0x0001
	PollPri  = 0x0002
	PollOut  = 0x0004
	PollErr  = 0x0008
	PollHup  = 0x0010
	PollNval = 0x0020
)

// SockaddrInSize is the wire size of the service's sockaddr_in.
const SockaddrInSize = 16

// SockaddrIn mirrors the service's sockaddr_in layout: one-byte length,
// one-byte family, network-order port, address, zero padding.
type SockaddrIn struct {
	Len    uint8
	Family uint8
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

// Bytes marshals the address to its 16-byte wire form.
func (sa SockaddrIn) Bytes() []byte {
	b := make([]byte, SockaddrInSize)
	b[0] = sa.Len
	b[1] = sa.Family
	binary.BigEndian.PutUint16(b[2:4], sa.Port)
	copy(b[4:8], sa.Addr[:])
	copy(b[8:16], sa.Zero[:])
	return b
}

// ParseSockaddrIn decodes a 16-byte wire sockaddr_in.
func ParseSockaddrIn(b []byte) (SockaddrIn, error) {
	if len(b) < SockaddrInSize {
		return SockaddrIn{}, errors.New("bsd: sockaddr_in too short")
	}
	var sa SockaddrIn
	sa.Len = b[0]
	sa.Family = b[1]
	sa.Port = binary.BigEndian.Uint16(b[2:4])
	copy(sa.Addr[:], b[4:8])
	copy(sa.Zero[:], b[8:16])
	return sa, nil
}

// FdSetSize is the number of descriptors an FdSet tracks; FdSetBytes is its
// fixed wire size. The service's descriptor sets are 64 bits.
const (
	FdSetSize  = 64
	FdSetBytes = 8
)

// FdSet is a fixed-size descriptor set for Select.
type FdSet struct {
	Bits uint64
}

// Set adds a descriptor to the set. Descriptors outside [0, FdSetSize) are
// ignored.
func (s *FdSet) Set(fd int) {
	if fd >= 0 && fd < FdSetSize {
		s.Bits |= 1 << uint(fd)
	}
}

// Clr removes a descriptor from the set.
func (s *FdSet) Clr(fd int) {
	if fd >= 0 && fd < FdSetSize {
		s.Bits &^= 1 << uint(fd)
	}
}

// IsSet reports whether a descriptor is in the set.
func (s *FdSet) IsSet(fd int) bool {
	return fd >= 0 && fd < FdSetSize && s.Bits&(1<<uint(fd)) != 0
}

// Zero clears the set.
func (s *FdSet) Zero() {
	s.Bits = 0
}

// Count returns the number of descriptors in the set.
func (s *FdSet) Count() int {
	return bits.OnesCount64(s.Bits)
}

func (s *FdSet) bytes() []byte {
	if s == nil {
		return nil
	}
	b := make([]byte, FdSetBytes)
	binary.LittleEndian.PutUint64(b, s.Bits)
	return b
}

func (s *FdSet) setBytes(b []byte) {
	if s != nil && len(b) >= FdSetBytes {
		s.Bits = binary.LittleEndian.Uint64(b)
	}
}

/// Timeval is the service's timeval: seconds and microseconds, both 64-bit.
type Timeval struct {
	Sec  int64
	Usec int64
}

// PollFdSize is the wire size of one pollfd entry.
const PollFdSize = 8

// PollFd is one entry of a Poll call.
type PollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

func (p PollFd) bytes() []byte {
	b := make([]byte, PollFdSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Fd))
	binary.LittleEndian.PutUint16(b[4:6], uint16(p.Events))
	binary.LittleEndian.PutUint16(b[6:8], uint16(p.Revents))
	return b
}

func parsePollFd(b []byte) PollFd {
	return PollFd{
		Fd:      int32(binary.LittleEndian.Uint32(b[0:4])),
		Events:  int16(binary.LittleEndian.Uint16(b[4:6])),
		Revents: int16(binary.LittleEndian.Uint16(b[6:8])),
	}
}
