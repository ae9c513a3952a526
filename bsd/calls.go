package bsd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"nx-bsd/ipc"
)

// The catalog. Each method fixes its command id, scalar header layout and
// buffer slots, dispatches synchronously, and post-processes trailing
// fields. Scalar field order and attachment order are wire contracts and
// must not be rearranged.

func (s *Session) socketCommand(cmd uint64, domain, typ, protocol int) (int, error) {
	req := ipc.NewRequest(cmd)
	req.WriteI32(int32(domain))
	req.WriteI32(int32(typ))
	req.WriteI32(int32(protocol))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Socket creates a socket counted against the client's socket accounting.
func (s *Session) Socket(domain, typ, protocol int) (int, error) {
	return s.socketCommand(ipc.CmdSocket, domain, typ, protocol)
}

// SocketExempt creates a socket exempt from the client's socket accounting.
func (s *Session) SocketExempt(domain, typ, protocol int) (int, error) {
	return s.socketCommand(ipc.CmdSocketExempt, domain, typ, protocol)
}

// Open opens a device path on the service. Paths longer than 256 bytes are
// truncated.
func (s *Session) Open(path string, flags int) (int, error) {
	p := []byte(path)
	if len(p) > 256 {
		p = p[:256]
	}
	req := ipc.NewRequest(ipc.CmdOpen)
	req.AddSendBuffer(p, 0)
	req.AddSendStatic(p, 0)
	req.WriteI32(int32(flags))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Select waits on up to three descriptor sets. The service may modify the
// sets in place, so each one travels as both a send and a receive buffer;
// a nil set still occupies its slots with zero length. A nil timeout blocks
// indefinitely and is encoded as an explicit flag, because a zero timeout
// is a legitimate value.
func (s *Session) Select(nfds int, readfds, writefds, exceptfds *FdSet, timeout *Timeval) (int, error) {
	rbuf := readfds.bytes()
	wbuf := writefds.bytes()
	ebuf := exceptfds.bytes()

	req := ipc.NewRequest(ipc.CmdSelect)
	req.AddSendBuffer(rbuf, 0)
	req.AddSendStatic(rbuf, 0)
	req.AddSendBuffer(wbuf, 0)
	req.AddSendStatic(wbuf, 0)
	req.AddSendBuffer(ebuf, 0)
	req.AddSendStatic(ebuf, 0)

	req.AddRecvBuffer(rbuf, 0)
	req.AddRecvStatic(rbuf, 0)
	req.AddRecvBuffer(wbuf, 0)
	req.AddRecvStatic(wbuf, 0)
	req.AddRecvBuffer(ebuf, 0)
	req.AddRecvStatic(ebuf, 0)

	req.WriteI32(int32(nfds))
	if timeout != nil {
		req.WriteI64(timeout.Sec)
		req.WriteI64(timeout.Usec)
		req.WriteBool(false)
	} else {
		req.WriteI64(0)
		req.WriteI64(0)
		req.WriteBool(true)
	}

	ret, _, err := s.submit(req, ipc.ShapeBase)
	readfds.setBytes(rbuf)
	writefds.setBytes(wbuf)
	exceptfds.setBytes(ebuf)
	return ret, err
}

// Poll polls the descriptors in fds. Only the first entry is carried across
// the wire; the header's count is still len(fds).
func (s *Session) Poll(fds []PollFd, timeout int) (int, error) {
	var buf []byte
	if len(fds) > 0 {
		buf = fds[0].bytes()
	}
	req := ipc.NewRequest(ipc.CmdPoll)
	req.AddSendBuffer(buf, 0)
	req.AddSendStatic(buf, 0)
	req.AddRecvBuffer(buf, 0)
	req.AddRecvStatic(buf, 0)
	req.WriteU64(uint64(len(fds)))
	req.WriteI32(int32(timeout))

	ret, _, err := s.submit(req, ipc.ShapeBase)
	if len(fds) > 0 {
		fds[0] = parsePollFd(buf)
	}
	return ret, err
}

// Sysctl queries or sets a service sysctl node. oldlen declares the capacity
// of oldp going in and holds the service-reported length coming out; the
// header carries no scalars at all.
func (s *Session) Sysctl(name []int32, oldp []byte, oldlen *uint64, newp []byte) (int, error) {
	inlen := uint64(0)
	if oldlen != nil {
		inlen = *oldlen
	}
	if inlen > uint64(len(oldp)) {
		inlen = uint64(len(oldp))
	}
	nameBytes := make([]byte, 4*len(name))
	for i, n := range name {
		binary.LittleEndian.PutUint32(nameBytes[4*i:], uint32(n))
	}

	req := ipc.NewRequest(ipc.CmdSysctl)
	req.AddSendBuffer(nameBytes, 0)
	req.AddSendStatic(nameBytes, 0)
	req.AddSendBuffer(newp, 0)
	req.AddSendStatic(newp, 0)
	req.AddRecvBuffer(oldp[:inlen], 0)
	req.AddRecvStatic(oldp[:inlen], 0)

	ret, env, err := s.submit(req, ipc.ShapeOutLen64)
	if ret != -1 && oldlen != nil {
		*oldlen = env.OutLen64
	}
	return ret, err
}

// Recv receives into buf.
func (s *Session) Recv(sockfd int, buf []byte, flags int) (int, error) {
	req := ipc.NewRequest(ipc.CmdRecv)
	req.AddRecvBuffer(buf, 0)
	req.AddRecvStatic(buf, 0)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(flags))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// RecvFrom receives into buf and captures the source address. addrlen is a
// capacity going in and the authoritative length coming out. The address
// slot is attached twice as a mapped buffer, matching the service's slot
// expectation.
func (s *Session) RecvFrom(sockfd int, buf []byte, flags int, srcAddr []byte, addrlen *uint32) (int, error) {
	inaddrlen := uint32(0)
	if addrlen != nil {
		inaddrlen = *addrlen
	}
	if inaddrlen > uint32(len(srcAddr)) {
		inaddrlen = uint32(len(srcAddr))
	}
	addrBuf := srcAddr[:inaddrlen]

	req := ipc.NewRequest(ipc.CmdRecvFrom)
	req.AddRecvBuffer(buf, 0)
	req.AddRecvStatic(buf, 0)
	req.AddRecvBuffer(addrBuf, 0)
	req.AddRecvBuffer(addrBuf, 0)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(flags))

	ret, env, err := s.submit(req, ipc.ShapeOutLen32)
	if ret != -1 && addrlen != nil {
		*addrlen = env.OutLen32
	}
	return ret, err
}

// Send transmits buf.
func (s *Session) Send(sockfd int, buf []byte, flags int) (int, error) {
	req := ipc.NewRequest(ipc.CmdSend)
	req.AddSendBuffer(buf, 0)
	req.AddSendStatic(buf, 0)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(flags))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// SendTo transmits buf to destAddr. The data buffer is attached before the
// address buffer; the order is part of the wire contract.
func (s *Session) SendTo(sockfd int, buf []byte, flags int, destAddr []byte) (int, error) {
	req := ipc.NewRequest(ipc.CmdSendTo)
	req.AddSendBuffer(buf, 0)
	req.AddSendStatic(buf, 0)
	req.AddSendBuffer(destAddr, 1)
	req.AddSendStatic(destAddr, 1)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(flags))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// nameGetter covers the three calls returning a peer address: the caller's
// length is a capacity going in, and the trailing field of the response is
// the authoritative length coming out.
func (s *Session) nameGetter(cmd uint64, sockfd int, addr []byte, addrlen *uint32) (int, error) {
	maxaddrlen := uint32(0)
	if addrlen != nil {
		maxaddrlen = *addrlen
	}
	if maxaddrlen > uint32(len(addr)) {
		maxaddrlen = uint32(len(addr))
	}
	addrBuf := addr[:maxaddrlen]

	req := ipc.NewRequest(cmd)
	req.AddRecvBuffer(addrBuf, 0)
	req.AddRecvStatic(addrBuf, 0)
	req.WriteI32(int32(sockfd))

	ret, env, err := s.submit(req, ipc.ShapeOutLen32)
	if ret != -1 && addrlen != nil {
		*addrlen = env.OutLen32
	}
	return ret, err
}

// Accept accepts a pending connection, returning the new descriptor and
// writing the peer address and its actual length back.
func (s *Session) Accept(sockfd int, addr []byte, addrlen *uint32) (int, error) {
	return s.nameGetter(ipc.CmdAccept, sockfd, addr, addrlen)
}

// Bind binds a socket to an address. The scalar header carries no
// descriptor; only the address buffer travels.
func (s *Session) Bind(sockfd int, addr []byte) (int, error) {
	_ = sockfd
	req := ipc.NewRequest(ipc.CmdBind)
	req.AddSendBuffer(addr, 0)
	req.AddSendStatic(addr, 0)
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Connect connects a socket to an address.
func (s *Session) Connect(sockfd int, addr []byte) (int, error) {
	req := ipc.NewRequest(ipc.CmdConnect)
	req.AddSendBuffer(addr, 0)
	req.AddSendStatic(addr, 0)
	req.WriteI32(int32(sockfd))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// GetPeerName returns the peer address of a connected socket.
func (s *Session) GetPeerName(sockfd int, addr []byte, addrlen *uint32) (int, error) {
	return s.nameGetter(ipc.CmdGetPeerName, sockfd, addr, addrlen)
}

// GetSockName returns the local address of a socket.
func (s *Session) GetSockName(sockfd int, addr []byte, addrlen *uint32) (int, error) {
	return s.nameGetter(ipc.CmdGetSockName, sockfd, addr, addrlen)
}

// GetSockOpt reads a socket option. optlen is a capacity going in and the
// authoritative length coming out.
func (s *Session) GetSockOpt(sockfd, level, optname int, optval []byte, optlen *uint32) (int, error) {
	inoptlen := uint32(0)
	if optlen != nil {
		inoptlen = *optlen
	}
	if inoptlen > uint32(len(optval)) {
		inoptlen = uint32(len(optval))
	}
	optBuf := optval[:inoptlen]

	req := ipc.NewRequest(ipc.CmdGetSockOpt)
	req.AddRecvBuffer(optBuf, 0)
	req.AddRecvStatic(optBuf, 0)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(level))
	req.WriteI32(int32(optname))

	ret, env, err := s.submit(req, ipc.ShapeOutLen32)
	if ret != -1 && optlen != nil {
		*optlen = env.OutLen32
	}
	return ret, err
}

// Listen marks a socket as accepting connections.
func (s *Session) Listen(sockfd, backlog int) (int, error) {
	req := ipc.NewRequest(ipc.CmdListen)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(backlog))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Ioctl performs a device control call. arg is consumed exactly once:
// SIOCGIFCONF wants *IfConf, SIOCGIFMEDIA and SIOCGIFXMEDIA want
// *IfMediaReq, every other code wants []byte (or nil) sized by the code's
// encoded parameter length.
func (s *Session) Ioctl(fd int, request uint32, arg any) (int, error) {
	plan, err := classifyIoctl(request, arg)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			s.setErrno(errno)
		}
		return -1, err
	}

	req := ipc.NewRequest(ipc.CmdIoctl)
	for _, in := range plan.ins {
		req.AddSendBuffer(in, 0)
		req.AddSendStatic(in, 0)
	}
	for _, out := range plan.outs {
		req.AddRecvBuffer(out, 0)
		req.AddRecvStatic(out, 0)
	}
	req.WriteI32(int32(fd))
	req.WriteI32(int32(request))
	req.WriteI32(plan.bufcount)

	ret, _, err := s.submit(req, ipc.ShapeBase)
	if ret != -1 && plan.finish != nil {
		plan.finish()
	}
	return ret, err
}

// Fnctl performs a file control call. FGetFL and FSetFL are rejected
// locally with errno cleared and no IPC; the service cannot answer them.
// Of the remaining commands none carries an argument, so the header's
// argument field is fixed at zero.
func (s *Session) Fnctl(fd, cmd int, args ...int) (int, error) {
	if cmd == FGetFL || cmd == FSetFL {
		s.setErrno(0)
		return -1, nil
	}
	_ = args

	req := ipc.NewRequest(ipc.CmdFnctl)
	req.WriteI32(int32(fd))
	req.WriteI32(int32(cmd))
	req.WriteI32(0)
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// SetSockOpt writes a socket option.
func (s *Session) SetSockOpt(sockfd, level, optname int, optval []byte) (int, error) {
	req := ipc.NewRequest(ipc.CmdSetSockOpt)
	req.AddSendBuffer(optval, 0)
	req.AddSendStatic(optval, 0)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(level))
	req.WriteI32(int32(optname))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Shutdown shuts down one or both directions of a socket.
func (s *Session) Shutdown(sockfd, how int) (int, error) {
	req := ipc.NewRequest(ipc.CmdShutdown)
	req.WriteI32(int32(sockfd))
	req.WriteI32(int32(how))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// ShutdownAllSockets shuts down every socket of the client. The reserved
// field is fixed at zero for wire compatibility.
func (s *Session) ShutdownAllSockets(how int) (int, error) {
	req := ipc.NewRequest(ipc.CmdShutdownAllSockets)
	req.WriteI32(int32(how))
	req.WriteU64(0) // reserved
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Write writes buf to a descriptor.
func (s *Session) Write(fd int, buf []byte) (int, error) {
	req := ipc.NewRequest(ipc.CmdWrite)
	req.AddSendBuffer(buf, 0)
	req.AddSendStatic(buf, 0)
	req.WriteI32(int32(fd))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Read reads from a descriptor into buf.
func (s *Session) Read(fd int, buf []byte) (int, error) {
	req := ipc.NewRequest(ipc.CmdRead)
	req.AddRecvBuffer(buf, 0)
	req.AddRecvStatic(buf, 0)
	req.WriteI32(int32(fd))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// Close closes a descriptor on the service side.
func (s *Session) Close(fd int) (int, error) {
	req := ipc.NewRequest(ipc.CmdClose)
	req.WriteI32(int32(fd))
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}

// DuplicateSocket duplicates a descriptor. The reserved field is fixed at
// zero for wire compatibility.
func (s *Session) DuplicateSocket(sockfd int) (int, error) {
	req := ipc.NewRequest(ipc.CmdDuplicateSocket)
	req.WriteI32(int32(sockfd))
	req.WriteU64(0) // reserved
	ret, _, err := s.submit(req, ipc.ShapeBase)
	return ret, err
}
