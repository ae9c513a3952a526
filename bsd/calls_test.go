package bsd

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"nx-bsd/ipc"
)

// fakeTransport records every dispatched request and answers from canned
// fields, copying fill entries into the request's receive attachments the
// way the real transport does.
type fakeTransport struct {
	reqs []*ipc.Request

	result  uint64
	ret     int32
	errno   uint32
	trailer []byte
	fill    [][]byte
	err     error
}

func (f *fakeTransport) Dispatch(_ context.Context, req *ipc.Request) (*ipc.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	recvs := req.Recvs()
	for i, data := range f.fill {
		if i >= len(recvs) {
			break
		}
		copy(recvs[i].Data, data)
	}
	raw := binary.LittleEndian.AppendUint64(nil, ipc.ResponseMagic)
	raw = binary.LittleEndian.AppendUint64(raw, f.result)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(f.ret))
	raw = binary.LittleEndian.AppendUint32(raw, f.errno)
	raw = append(raw, f.trailer...)
	return &ipc.Response{Raw: raw}, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) last(t *testing.T) *ipc.Request {
	t.Helper()
	if len(f.reqs) == 0 {
		t.Fatal("no request dispatched")
	}
	return f.reqs[len(f.reqs)-1]
}

func newTestSession(ft *fakeTransport) *Session {
	s := &Session{srv: ft, mon: ft, log: zap.NewNop()}
	s.send = func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
		return ft.Dispatch(ctx, req)
	}
	return s
}

func trailer32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func trailer64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func rawCmd(t *testing.T, req *ipc.Request) uint64 {
	t.Helper()
	cmd, err := ipc.Command(req.Raw())
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	return cmd
}

func TestSocket(t *testing.T) {
	ft := &fakeTransport{ret: 3}
	s := newTestSession(ft)

	fd, err := s.Socket(AFInet, SockStream, IPProtoTCP)
	if err != nil {
		t.Fatalf("Socket failed: %v", err)
	}
	if fd != 3 {
		t.Errorf("fd = %d, want 3", fd)
	}

	req := ft.last(t)
	if cmd := rawCmd(t, req); cmd != ipc.CmdSocket {
		t.Errorf("command = %d, want %d", cmd, ipc.CmdSocket)
	}
	raw := req.Raw()
	if len(raw) != 32 {
		t.Errorf("header size = %d, want 32", len(raw))
	}
	if got := binary.LittleEndian.Uint32(raw[16:20]); got != AFInet {
		t.Errorf("domain = %d, want %d", got, AFInet)
	}
	if got := binary.LittleEndian.Uint32(raw[20:24]); got != SockStream {
		t.Errorf("type = %d, want %d", got, SockStream)
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != IPProtoTCP {
		t.Errorf("protocol = %d, want %d", got, IPProtoTCP)
	}
}

func TestSocketExempt(t *testing.T) {
	ft := &fakeTransport{ret: 4}
	s := newTestSession(ft)

	if _, err := s.SocketExempt(AFInet, SockDgram, 0); err != nil {
		t.Fatalf("SocketExempt failed: %v", err)
	}
	if cmd := rawCmd(t, ft.last(t)); cmd != ipc.CmdSocketExempt {
		t.Errorf("command = %d, want %d", cmd, ipc.CmdSocketExempt)
	}
}

// The bind header carries no descriptor scalar: magic and command only.
func TestBindHeaderOmitsDescriptor(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	addr := SockaddrIn{Len: SockaddrInSize, Family: AFInet, Port: 8080}.Bytes()
	if _, err := s.Bind(3, addr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	req := ft.last(t)
	if len(req.Raw()) != 16 {
		t.Errorf("header size = %d, want 16", len(req.Raw()))
	}
	sends := req.Sends()
	if len(sends) != 2 {
		t.Fatalf("send attachments = %d, want 2", len(sends))
	}
	if sends[0].Kind != ipc.KindMapped || sends[1].Kind != ipc.KindStatic {
		t.Errorf("attachment kinds = %d, %d, want mapped then static", sends[0].Kind, sends[1].Kind)
	}
}

// SendTo ships the data buffer before the address buffer, the address in
// pair index 1.
func TestSendToAttachmentOrder(t *testing.T) {
	ft := &fakeTransport{ret: 5}
	s := newTestSession(ft)

	data := []byte("hello")
	addr := SockaddrIn{Len: SockaddrInSize, Family: AFInet, Port: 53}.Bytes()
	n, err := s.SendTo(3, data, 0, addr)
	if err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}

	sends := ft.last(t).Sends()
	if len(sends) != 4 {
		t.Fatalf("send attachments = %d, want 4", len(sends))
	}
	if string(sends[0].Data) != "hello" || sends[0].Index != 0 {
		t.Errorf("first attachment = %q index %d, want data at index 0", sends[0].Data, sends[0].Index)
	}
	if sends[2].Index != 1 || sends[3].Index != 1 {
		t.Errorf("address attachments at indexes %d, %d, want 1, 1", sends[2].Index, sends[3].Index)
	}
}

func TestSelectNilSetsOccupySlots(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	w := &FdSet{}
	w.Set(4)
	if _, err := s.Select(5, nil, w, nil, &Timeval{Sec: 1}); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	req := ft.last(t)
	sends := req.Sends()
	if len(sends) != 6 {
		t.Fatalf("send attachments = %d, want 6", len(sends))
	}
	if len(sends[0].Data) != 0 {
		t.Errorf("nil read set carried %d bytes, want 0", len(sends[0].Data))
	}
	if len(sends[2].Data) != FdSetBytes {
		t.Errorf("write set carried %d bytes, want %d", len(sends[2].Data), FdSetBytes)
	}
	if len(req.Recvs()) != 6 {
		t.Errorf("recv attachments = %d, want 6", len(req.Recvs()))
	}

	raw := req.Raw()
	if len(raw) != 48 {
		t.Fatalf("header size = %d, want 48", len(raw))
	}
	if got := int64(binary.LittleEndian.Uint64(raw[24:32])); got != 1 {
		t.Errorf("timeout seconds = %d, want 1", got)
	}
	if raw[40] != 0 {
		t.Errorf("nil-timeout flag = %d, want 0 with a timeout set", raw[40])
	}
}

func TestSelectNilTimeoutFlag(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	if _, err := s.Select(0, nil, nil, nil, nil); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	raw := ft.last(t).Raw()
	if raw[40] != 1 {
		t.Errorf("nil-timeout flag = %d, want 1", raw[40])
	}
}

func TestSelectWritesSetsBack(t *testing.T) {
	var updated FdSet
	updated.Set(2)
	ft := &fakeTransport{ret: 1, fill: [][]byte{updated.bytes()}}
	s := newTestSession(ft)

	r := &FdSet{}
	r.Set(2)
	r.Set(3)
	n, err := s.Select(4, r, nil, nil, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
	if !r.IsSet(2) || r.IsSet(3) {
		t.Errorf("read set = %#x, want only descriptor 2", r.Bits)
	}
}

// Poll attaches exactly one pollfd entry regardless of the slice length;
// the header still carries the full count.
func TestPollSingleEntry(t *testing.T) {
	ft := &fakeTransport{ret: 1}
	s := newTestSession(ft)

	fds := []PollFd{
		{Fd: 3, Events: PollIn},
		{Fd: 4, Events: PollIn},
		{Fd: 5, Events: PollIn},
	}
	if _, err := s.Poll(fds, 100); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	req := ft.last(t)
	sends := req.Sends()
	if len(sends) != 2 {
		t.Fatalf("send attachments = %d, want 2", len(sends))
	}
	if len(sends[0].Data) != PollFdSize {
		t.Errorf("attachment size = %d, want %d", len(sends[0].Data), PollFdSize)
	}
	raw := req.Raw()
	if got := binary.LittleEndian.Uint64(raw[16:24]); got != 3 {
		t.Errorf("nfds = %d, want 3", got)
	}
	if got := int32(binary.LittleEndian.Uint32(raw[24:28])); got != 100 {
		t.Errorf("timeout = %d, want 100", got)
	}
}

func TestPollWritesReventsBack(t *testing.T) {
	answered := PollFd{Fd: 3, Events: PollIn, Revents: PollIn}
	ft := &fakeTransport{ret: 1, fill: [][]byte{answered.bytes()}}
	s := newTestSession(ft)

	fds := []PollFd{{Fd: 3, Events: PollIn}}
	if _, err := s.Poll(fds, -1); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if fds[0].Revents != PollIn {
		t.Errorf("revents = %#x, want %#x", fds[0].Revents, PollIn)
	}
}

// The sysctl header carries no scalars at all.
func TestSysctl(t *testing.T) {
	ft := &fakeTransport{trailer: trailer64(4), fill: [][]byte{{1, 2, 3, 4}}}
	s := newTestSession(ft)

	oldp := make([]byte, 16)
	oldlen := uint64(16)
	name := []int32{4, 2}
	if _, err := s.Sysctl(name, oldp, &oldlen, nil); err != nil {
		t.Fatalf("Sysctl failed: %v", err)
	}

	req := ft.last(t)
	if len(req.Raw()) != 16 {
		t.Errorf("header size = %d, want 16", len(req.Raw()))
	}
	sends := req.Sends()
	if len(sends) != 4 {
		t.Fatalf("send attachments = %d, want 4", len(sends))
	}
	if len(sends[0].Data) != 8 {
		t.Errorf("name attachment size = %d, want 8", len(sends[0].Data))
	}
	if got := int32(binary.LittleEndian.Uint32(sends[0].Data[0:4])); got != 4 {
		t.Errorf("first name word = %d, want 4", got)
	}
	if oldlen != 4 {
		t.Errorf("oldlen = %d, want 4", oldlen)
	}
}

// RecvFrom attaches the address slot twice as a mapped buffer, with no
// static copy.
func TestRecvFromAddrDoubleMapped(t *testing.T) {
	peer := SockaddrIn{Len: SockaddrInSize, Family: AFInet, Port: 9}.Bytes()
	ft := &fakeTransport{ret: 3, trailer: trailer32(16), fill: [][]byte{[]byte("abc"), nil, peer}}
	s := newTestSession(ft)

	buf := make([]byte, 8)
	addr := make([]byte, SockaddrInSize)
	addrlen := uint32(SockaddrInSize)
	n, err := s.RecvFrom(3, buf, 0, addr, &addrlen)
	if err != nil {
		t.Fatalf("RecvFrom failed: %v", err)
	}
	if n != 3 || string(buf[:3]) != "abc" {
		t.Errorf("n = %d, buf = %q, want 3, abc", n, buf[:3])
	}
	if addrlen != 16 {
		t.Errorf("addrlen = %d, want 16", addrlen)
	}

	recvs := ft.last(t).Recvs()
	if len(recvs) != 4 {
		t.Fatalf("recv attachments = %d, want 4", len(recvs))
	}
	if recvs[2].Kind != ipc.KindMapped || recvs[3].Kind != ipc.KindMapped {
		t.Errorf("address attachment kinds = %d, %d, want mapped, mapped", recvs[2].Kind, recvs[3].Kind)
	}
}

// The service reports the real address length even when the caller's buffer
// was smaller; the write-back must carry the reported value.
func TestAcceptAddrLenWriteBack(t *testing.T) {
	ft := &fakeTransport{ret: 4, trailer: trailer32(16)}
	s := newTestSession(ft)

	addr := make([]byte, 8)
	addrlen := uint32(8)
	fd, err := s.Accept(3, addr, &addrlen)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if fd != 4 {
		t.Errorf("fd = %d, want 4", fd)
	}
	if addrlen != 16 {
		t.Errorf("addrlen = %d, want 16", addrlen)
	}
	recvs := ft.last(t).Recvs()
	if len(recvs[0].Data) != 8 {
		t.Errorf("declared capacity = %d, want 8", len(recvs[0].Data))
	}
}

func TestGetSockOpt(t *testing.T) {
	ft := &fakeTransport{trailer: trailer32(4), fill: [][]byte{{1, 0, 0, 0}}}
	s := newTestSession(ft)

	val := make([]byte, 4)
	optlen := uint32(4)
	if _, err := s.GetSockOpt(3, 1, 2, val, &optlen); err != nil {
		t.Fatalf("GetSockOpt failed: %v", err)
	}
	if optlen != 4 || val[0] != 1 {
		t.Errorf("optlen = %d, val = %v, want 4, [1 0 0 0]", optlen, val)
	}
	raw := ft.last(t).Raw()
	if got := int32(binary.LittleEndian.Uint32(raw[20:24])); got != 1 {
		t.Errorf("level = %d, want 1", got)
	}
	if got := int32(binary.LittleEndian.Uint32(raw[24:28])); got != 2 {
		t.Errorf("optname = %d, want 2", got)
	}
}

// F_GETFL and F_SETFL are rejected locally: errno clears, nothing hits the
// wire.
func TestFnctlLocalReject(t *testing.T) {
	ft := &fakeTransport{errno: uint32(unix.EINVAL)}
	s := newTestSession(ft)
	s.setErrno(unix.EBADF)

	for _, cmd := range []int{FGetFL, FSetFL} {
		ret, err := s.Fnctl(3, cmd)
		if ret != -1 || err != nil {
			t.Errorf("Fnctl(%d) = %d, %v, want -1, nil", cmd, ret, err)
		}
	}
	if len(ft.reqs) != 0 {
		t.Errorf("local reject dispatched %d requests", len(ft.reqs))
	}
	if s.Errno() != 0 {
		t.Errorf("errno = %v, want 0 after local reject", s.Errno())
	}
}

func TestFnctlDispatchesOtherCommands(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)
	if _, err := s.Fnctl(3, 1); err != nil {
		t.Fatalf("Fnctl failed: %v", err)
	}
	raw := ft.last(t).Raw()
	if len(raw) != 32 {
		t.Errorf("header size = %d, want 32", len(raw))
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 0 {
		t.Errorf("argument field = %d, want 0", got)
	}
}

func TestIoctlGenericSharedBuffer(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	code := IOWR('s', 1, 8)
	buf := make([]byte, 8)
	if _, err := s.Ioctl(3, code, buf); err != nil {
		t.Fatalf("Ioctl failed: %v", err)
	}

	req := ft.last(t)
	sends := req.Sends()
	recvs := req.Recvs()
	if len(sends) != 8 || len(recvs) != 8 {
		t.Fatalf("attachments = %d sends, %d recvs, want 8 and 8", len(sends), len(recvs))
	}
	if len(sends[0].Data) != 8 || len(recvs[0].Data) != 8 {
		t.Errorf("buffer sizes = %d, %d, want 8, 8", len(sends[0].Data), len(recvs[0].Data))
	}
	raw := req.Raw()
	if got := binary.LittleEndian.Uint32(raw[20:24]); got != code {
		t.Errorf("request code = %#x, want %#x", got, code)
	}
	if got := int32(binary.LittleEndian.Uint32(raw[24:28])); got != 1 {
		t.Errorf("bufcount = %d, want 1", got)
	}
}

func TestIoctlArgTooSmall(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	code := IOWR('s', 1, 16)
	ret, err := s.Ioctl(3, code, make([]byte, 4))
	if ret != -1 || !errors.Is(err, unix.EFAULT) {
		t.Errorf("Ioctl = %d, %v, want -1, EFAULT", ret, err)
	}
	if len(ft.reqs) != 0 {
		t.Errorf("undersized argument dispatched %d requests", len(ft.reqs))
	}
	if s.Errno() != unix.EFAULT {
		t.Errorf("errno = %v, want EFAULT", s.Errno())
	}
}

func TestIoctlIfConf(t *testing.T) {
	ft := &fakeTransport{}
	data := make([]byte, 64)
	// The answered descriptor reports 32 bytes used.
	desc := make([]byte, IfConfSize)
	binary.LittleEndian.PutUint32(desc, 32)
	ft.fill = [][]byte{desc}
	s := newTestSession(ft)

	ic := &IfConf{Len: 64, Data: data}
	if _, err := s.Ioctl(3, SIOCGIFCONF, ic); err != nil {
		t.Fatalf("Ioctl failed: %v", err)
	}
	if ic.Len != 32 {
		t.Errorf("Len = %d, want 32 after write-back", ic.Len)
	}

	req := ft.last(t)
	sends := req.Sends()
	if len(sends) != 8 {
		t.Fatalf("send attachments = %d, want 8", len(sends))
	}
	if len(sends[0].Data) != IfConfSize {
		t.Errorf("descriptor attachment size = %d, want %d", len(sends[0].Data), IfConfSize)
	}
	if len(sends[2].Data) != 64 {
		t.Errorf("array attachment size = %d, want 64", len(sends[2].Data))
	}
	raw := req.Raw()
	if got := int32(binary.LittleEndian.Uint32(raw[24:28])); got != 2 {
		t.Errorf("bufcount = %d, want 2", got)
	}
}

func TestIoctlIfMediaSizesFromCount(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)

	m := &IfMediaReq{Count: 3, Ulist: make([]byte, 64)}
	copy(m.Name[:], "eth0")
	if _, err := s.Ioctl(3, SIOCGIFMEDIA, m); err != nil {
		t.Fatalf("Ioctl failed: %v", err)
	}
	sends := ft.last(t).Sends()
	if len(sends[2].Data) != 24 {
		t.Errorf("ulist attachment size = %d, want 8*Count = 24", len(sends[2].Data))
	}
}

func TestShutdownAllSocketsReservedField(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)
	if _, err := s.ShutdownAllSockets(ShutRdWr); err != nil {
		t.Fatalf("ShutdownAllSockets failed: %v", err)
	}
	raw := ft.last(t).Raw()
	if len(raw) != 32 {
		t.Fatalf("header size = %d, want 32", len(raw))
	}
	if got := binary.LittleEndian.Uint64(raw[24:32]); got != 0 {
		t.Errorf("reserved field = %d, want 0", got)
	}
}

func TestDuplicateSocketReservedField(t *testing.T) {
	ft := &fakeTransport{ret: 5}
	s := newTestSession(ft)
	fd, err := s.DuplicateSocket(3)
	if err != nil {
		t.Fatalf("DuplicateSocket failed: %v", err)
	}
	if fd != 5 {
		t.Errorf("fd = %d, want 5", fd)
	}
	raw := ft.last(t).Raw()
	if len(raw) != 32 {
		t.Fatalf("header size = %d, want 32", len(raw))
	}
	if got := binary.LittleEndian.Uint64(raw[24:32]); got != 0 {
		t.Errorf("reserved field = %d, want 0", got)
	}
}

func TestConnectRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)
	addr := SockaddrIn{Len: SockaddrInSize, Family: AFInet, Port: 443, Addr: [4]byte{1, 1, 1, 1}}.Bytes()
	ret, err := s.Connect(3, addr)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if ret != 0 {
		t.Errorf("ret = %d, want 0", ret)
	}
	raw := ft.last(t).Raw()
	if got := int32(binary.LittleEndian.Uint32(raw[16:20])); got != 3 {
		t.Errorf("sockfd = %d, want 3", got)
	}
}

func TestOpenTruncatesLongPaths(t *testing.T) {
	ft := &fakeTransport{ret: 3}
	s := newTestSession(ft)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := s.Open(string(long), 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := len(ft.last(t).Sends()[0].Data); got != 256 {
		t.Errorf("path attachment size = %d, want 256", got)
	}
}

func TestTransportFailureMapsToEPIPE(t *testing.T) {
	ft := &fakeTransport{err: errors.New("connection reset")}
	s := newTestSession(ft)

	ret, err := s.Close(3)
	if ret != -1 || !errors.Is(err, unix.EPIPE) {
		t.Errorf("Close = %d, %v, want -1, EPIPE", ret, err)
	}
	if s.Errno() != unix.EPIPE {
		t.Errorf("errno = %v, want EPIPE", s.Errno())
	}
}

func TestServiceFailureMapsToEPIPE(t *testing.T) {
	ft := &fakeTransport{result: 0xF601, ret: 7}
	s := newTestSession(ft)

	ret, err := s.Close(3)
	if ret != -1 || !errors.Is(err, unix.EPIPE) {
		t.Errorf("Close = %d, %v, want -1, EPIPE", ret, err)
	}
}

func TestNegativeRetWithErrno(t *testing.T) {
	ft := &fakeTransport{ret: -1, errno: uint32(unix.EBADF)}
	s := newTestSession(ft)

	ret, err := s.Listen(99, 1)
	if ret != -1 || !errors.Is(err, unix.EBADF) {
		t.Errorf("Listen = %d, %v, want -1, EBADF", ret, err)
	}
	if s.Errno() != unix.EBADF {
		t.Errorf("errno = %v, want EBADF", s.Errno())
	}
}

// A negative return with errno zero is not an error; the caller inspects
// the value itself.
func TestNegativeRetWithoutErrno(t *testing.T) {
	ft := &fakeTransport{ret: -1}
	s := newTestSession(ft)

	ret, err := s.Listen(3, 1)
	if ret != -1 || err != nil {
		t.Errorf("Listen = %d, %v, want -1, nil", ret, err)
	}
	if s.Errno() != 0 {
		t.Errorf("errno = %v, want 0", s.Errno())
	}
}

func TestCallsAfterExit(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)
	s.Exit()

	ret, err := s.Close(3)
	if ret != -1 || !errors.Is(err, unix.EPIPE) {
		t.Errorf("Close after Exit = %d, %v, want -1, EPIPE", ret, err)
	}
	if len(ft.reqs) != 0 {
		t.Errorf("closed session dispatched %d requests", len(ft.reqs))
	}
}

func TestErrnoUpdatedOnSuccess(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft)
	s.setErrno(unix.EBADF)

	if _, err := s.Close(3); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.Errno() != 0 {
		t.Errorf("errno = %v, want 0 after a successful call", s.Errno())
	}
}
