package server

import (
	"sync"

	"golang.org/x/sys/unix"

	"nx-bsd/bsd"
	"nx-bsd/ipc"
)

// Loopback is an in-process backend: a descriptor table where anything sent
// on a socket is queued and read back by the next receive on the same
// descriptor. It exists for integration tests and local development, not
// for real networking.
type Loopback struct {
	mu     sync.Mutex
	nextFd int32
	socks  map[int32]*loopSock
	bound  []byte // last bound address; the bind header carries no descriptor
	sysctl map[string][]byte
}

type loopSock struct {
	domain, typ, proto int32
	buf                []byte
	opts               map[[2]int32][]byte
	peer               []byte
}

// NewLoopback returns an empty backend. Descriptors are allocated from 3
// upward, leaving the stdio range unused.
func NewLoopback() *Loopback {
	return &Loopback{
		nextFd: 3,
		socks:  make(map[int32]*loopSock),
		sysctl: make(map[string][]byte),
	}
}

// SetSysctl seeds a sysctl node, keyed by the raw name words.
func (l *Loopback) SetSysctl(name []byte, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sysctl[string(name)] = value
}

// Attach wires every catalog command of srv to this backend.
func (l *Loopback) Attach(srv *Server) {
	srv.Handle(ipc.CmdSocket, l.socket)
	srv.Handle(ipc.CmdSocketExempt, l.socket)
	srv.Handle(ipc.CmdOpen, l.open)
	srv.Handle(ipc.CmdSelect, l.selectCall)
	srv.Handle(ipc.CmdPoll, l.poll)
	srv.Handle(ipc.CmdSysctl, l.sysctlCall)
	srv.Handle(ipc.CmdRecv, l.recv)
	srv.Handle(ipc.CmdRecvFrom, l.recvFrom)
	srv.Handle(ipc.CmdSend, l.send)
	srv.Handle(ipc.CmdSendTo, l.sendTo)
	srv.Handle(ipc.CmdAccept, l.accept)
	srv.Handle(ipc.CmdBind, l.bind)
	srv.Handle(ipc.CmdConnect, l.connect)
	srv.Handle(ipc.CmdGetPeerName, l.getPeerName)
	srv.Handle(ipc.CmdGetSockName, l.getSockName)
	srv.Handle(ipc.CmdGetSockOpt, l.getSockOpt)
	srv.Handle(ipc.CmdListen, l.listen)
	srv.Handle(ipc.CmdIoctl, l.ioctl)
	srv.Handle(ipc.CmdFnctl, l.fnctl)
	srv.Handle(ipc.CmdSetSockOpt, l.setSockOpt)
	srv.Handle(ipc.CmdShutdown, l.shutdown)
	srv.Handle(ipc.CmdShutdownAllSockets, l.shutdownAll)
	srv.Handle(ipc.CmdWrite, l.write)
	srv.Handle(ipc.CmdRead, l.read)
	srv.Handle(ipc.CmdClose, l.closeCall)
	srv.Handle(ipc.CmdDuplicateSocket, l.duplicate)
}

func failure(errno unix.Errno) *Reply {
	return &Reply{Ret: -1, Errno: errno}
}

func success(ret int32) *Reply {
	return &Reply{Ret: ret}
}

func (l *Loopback) lookup(fd int32) *loopSock {
	return l.socks[fd]
}

func (l *Loopback) alloc(domain, typ, proto int32) int32 {
	fd := l.nextFd
	l.nextFd++
	l.socks[fd] = &loopSock{
		domain: domain,
		typ:    typ,
		proto:  proto,
		opts:   make(map[[2]int32][]byte),
	}
	return fd
}

// cannedPeer is the address reported for accepted connections without a
// recorded peer: 127.0.0.1:8080.
func cannedPeer() []byte {
	sa := bsd.SockaddrIn{Len: bsd.SockaddrInSize, Family: bsd.AFInet, Port: 8080, Addr: [4]byte{127, 0, 0, 1}}
	return sa.Bytes()
}

func (l *Loopback) socket(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	domain, _ := c.Arg(16)
	typ, _ := c.Arg(20)
	proto, _ := c.Arg(24)
	if domain != bsd.AFInet && domain != bsd.AFInet6 {
		return failure(unix.EAFNOSUPPORT)
	}
	return success(l.alloc(domain, typ, proto))
}

func (l *Loopback) open(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(c.In(0)) == 0 {
		return failure(unix.EINVAL)
	}
	return success(l.alloc(0, 0, 0))
}

func (l *Loopback) selectCall(c *Call) *Reply {
	// Every descriptor in the sets is reported ready: the sets echo back
	// unchanged and the return value counts the set bits.
	ready := 0
	out := make([][]byte, 3)
	for i := 0; i < 3; i++ {
		set := c.In(i)
		out[i] = set
		for _, b := range set {
			for ; b != 0; b &= b - 1 {
				ready++
			}
		}
	}
	r := success(int32(ready))
	r.Out = out
	return r
}

func (l *Loopback) poll(c *Call) *Reply {
	nfds, _ := c.Arg64(16)
	entry := c.In(0)
	if nfds == 0 || len(entry) < bsd.PollFdSize {
		return success(0)
	}
	// Report the requested events as immediately raised.
	out := make([]byte, bsd.PollFdSize)
	copy(out, entry)
	out[6] = entry[4]
	out[7] = entry[5]
	r := success(1)
	r.Out = [][]byte{out}
	return r
}

func (l *Loopback) sysctlCall(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	val, ok := l.sysctl[string(c.In(0))]
	if !ok {
		return failure(unix.ENOENT)
	}
	r := success(0)
	r.Out = [][]byte{val}
	r.Trailer64(uint64(len(val)))
	return r
}

func (l *Loopback) recv(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	n := int(c.OutCap(0))
	if n > len(sock.buf) {
		n = len(sock.buf)
	}
	data := sock.buf[:n]
	sock.buf = sock.buf[n:]
	r := success(int32(n))
	r.Out = [][]byte{data}
	return r
}

func (l *Loopback) recvFrom(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	n := int(c.OutCap(0))
	if n > len(sock.buf) {
		n = len(sock.buf)
	}
	data := sock.buf[:n]
	sock.buf = sock.buf[n:]
	addr := sock.peer
	if addr == nil {
		addr = cannedPeer()
	}
	r := success(int32(n))
	r.Out = [][]byte{data, addr}
	r.Trailer32(uint32(len(addr)))
	return r
}

func (l *Loopback) send(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	data := c.In(0)
	sock.buf = append(sock.buf, data...)
	return success(int32(len(data)))
}

func (l *Loopback) sendTo(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	data := c.In(0)
	sock.buf = append(sock.buf, data...)
	if addr := c.In(1); len(addr) > 0 {
		sock.peer = append([]byte(nil), addr...)
	}
	return success(int32(len(data)))
}

func (l *Loopback) accept(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	nfd := l.alloc(bsd.AFInet, bsd.SockStream, 0)
	addr := cannedPeer()
	l.socks[nfd].peer = addr
	r := success(nfd)
	r.Out = [][]byte{addr}
	// The trailer reports the full address length even when the caller's
	// slot is smaller; the wire truncates the data, not the length.
	r.Trailer32(uint32(len(addr)))
	return r
}

func (l *Loopback) bind(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bound = append([]byte(nil), c.In(0)...)
	return success(0)
}

func (l *Loopback) connect(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	sock.peer = append([]byte(nil), c.In(0)...)
	return success(0)
}

func (l *Loopback) getPeerName(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	addr := sock.peer
	if addr == nil {
		return failure(unix.ENOTCONN)
	}
	r := success(0)
	r.Out = [][]byte{addr}
	r.Trailer32(uint32(len(addr)))
	return r
}

func (l *Loopback) getSockName(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	addr := l.bound
	if addr == nil {
		addr = cannedPeer()
	}
	r := success(0)
	r.Out = [][]byte{addr}
	r.Trailer32(uint32(len(addr)))
	return r
}

func (l *Loopback) getSockOpt(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	level, _ := c.Arg(20)
	optname, _ := c.Arg(24)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	val, ok := sock.opts[[2]int32{level, optname}]
	if !ok {
		val = make([]byte, 4)
	}
	r := success(0)
	r.Out = [][]byte{val}
	r.Trailer32(uint32(len(val)))
	return r
}

func (l *Loopback) listen(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	return success(0)
}

func (l *Loopback) ioctl(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	// Echo each input buffer into the matching output slot; extra output
	// slots answer zeroed at their capacity.
	r := success(0)
	for i := 0; i < c.NumOut(); i++ {
		if in := c.In(i); in != nil {
			r.Out = append(r.Out, in)
		} else {
			r.Out = append(r.Out, make([]byte, c.OutCap(i)))
		}
	}
	return r
}

func (l *Loopback) fnctl(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	return success(0)
}

func (l *Loopback) setSockOpt(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	level, _ := c.Arg(20)
	optname, _ := c.Arg(24)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	sock.opts[[2]int32{level, optname}] = append([]byte(nil), c.In(0)...)
	return success(0)
}

func (l *Loopback) shutdown(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	return success(0)
}

func (l *Loopback) shutdownAll(c *Call) *Reply {
	return success(0)
}

func (l *Loopback) write(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	data := c.In(0)
	sock.buf = append(sock.buf, data...)
	return success(int32(len(data)))
}

func (l *Loopback) read(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	n := int(c.OutCap(0))
	if n > len(sock.buf) {
		n = len(sock.buf)
	}
	data := sock.buf[:n]
	sock.buf = sock.buf[n:]
	r := success(int32(n))
	r.Out = [][]byte{data}
	return r
}

func (l *Loopback) closeCall(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	if l.lookup(fd) == nil {
		return failure(unix.EBADF)
	}
	delete(l.socks, fd)
	return success(0)
}

func (l *Loopback) duplicate(c *Call) *Reply {
	l.mu.Lock()
	defer l.mu.Unlock()
	fd, _ := c.Arg(16)
	sock := l.lookup(fd)
	if sock == nil {
		return failure(unix.EBADF)
	}
	nfd := l.nextFd
	l.nextFd++
	l.socks[nfd] = sock
	return success(nfd)
}
