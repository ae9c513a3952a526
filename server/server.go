// Package server implements the service side of the socket IPC protocol:
// command registration, an accept loop, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine per connection)
//	  → for each request: ReadRequest → handler lookup by command id
//	    → HandlerFunc → envelope encode → WriteResponse
//
// Unlike a multiplexing RPC stream there are no sequence numbers: a
// connection is a strict request/response pipe, so requests on one
// connection are processed sequentially and replies go out in request
// order.
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"nx-bsd/ipc"
	"nx-bsd/protocol"
	"nx-bsd/registry"
)

// Call is one decoded request as seen by a handler. In and Out expose the
// mapped attachments only; the statically-copied duplicates of the same
// buffers are answered with empty entries automatically.
type Call struct {
	Cmd     uint64
	Raw     []byte
	PID     uint64
	HasPID  bool
	Handles []uint32

	in  [][]byte
	out []uint32
}

// NumIn returns the number of mapped input buffers.
func (c *Call) NumIn() int { return len(c.in) }

// In returns the i-th mapped input buffer, or nil when i is out of range.
func (c *Call) In(i int) []byte {
	if i < 0 || i >= len(c.in) {
		return nil
	}
	return c.in[i]
}

// NumOut returns the number of mapped output slots.
func (c *Call) NumOut() int { return len(c.out) }

// OutCap returns the declared capacity of the i-th mapped output slot.
func (c *Call) OutCap(i int) uint32 {
	if i < 0 || i >= len(c.out) {
		return 0
	}
	return c.out[i]
}

// Arg reads the little-endian 32-bit scalar at byte offset off of the raw
// header, past the 16-byte magic and command prefix handled by the server.
func (c *Call) Arg(off int) (int32, bool) {
	if off+4 > len(c.Raw) {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(c.Raw[off:])), true
}

// Arg64 reads the little-endian 64-bit scalar at byte offset off.
func (c *Call) Arg64(off int) (uint64, bool) {
	if off+8 > len(c.Raw) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(c.Raw[off:]), true
}

// Reply is a handler's answer. Out carries one entry per mapped output
// slot, truncated to the slot's declared capacity on the wire; a nil entry
// answers its slot with zero bytes. With Control set the envelope carries
// Result and the trailer only, without Ret and Errno.
type Reply struct {
	Result  uint64
	Ret     int32
	Errno   unix.Errno
	Trailer []byte
	Control bool
	Out     [][]byte
}

// Trailer32 appends a 32-bit trailing field, the updated length of an
// address or option buffer.
func (r *Reply) Trailer32(v uint32) *Reply {
	r.Trailer = binary.LittleEndian.AppendUint32(r.Trailer, v)
	return r
}

// Trailer64 appends a 64-bit trailing field.
func (r *Reply) Trailer64(v uint64) *Reply {
	r.Trailer = binary.LittleEndian.AppendUint64(r.Trailer, v)
	return r
}

// HandlerFunc processes one call and produces its reply.
type HandlerFunc func(c *Call) *Reply

// Server answers socket IPC requests. Configure handlers with Handle, then
// call Serve or ServeListener.
type Server struct {
	handlers map[uint64]HandlerFunc
	listener net.Listener
	wg       sync.WaitGroup  // Tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool     // Set during shutdown to suppress Accept errors
	clientID atomic.Uint64   // Client id allocator for the builtin registration handler
	reg      registry.Registry
	names    []string
	network  string
	addr     string
	log      *zap.Logger
}

// NewServer creates a server with the two session-control commands wired to
// builtin handlers. Names are the service names advertised to the registry.
func NewServer(logger *zap.Logger, names ...string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(names) == 0 {
		names = []string{"bsd:u"}
	}
	s := &Server{
		handlers: make(map[uint64]HandlerFunc),
		names:    names,
		log:      logger,
	}
	s.handlers[ipc.CmdRegisterClient] = s.registerClient
	s.handlers[ipc.CmdStartMonitor] = s.startMonitor
	return s
}

// Handle registers (or replaces) the handler for one command id.
func (svr *Server) Handle(cmd uint64, h HandlerFunc) {
	svr.handlers[cmd] = h
}

// registerClient assigns a fresh client id and returns it in the control
// trailer.
func (svr *Server) registerClient(c *Call) *Reply {
	id := svr.clientID.Add(1)
	svr.log.Debug("client registered",
		zap.Uint64("client_id", id),
		zap.Uint64("pid", c.PID),
		zap.Int("handles", len(c.Handles)),
	)
	r := &Reply{Control: true}
	return r.Trailer64(id)
}

// startMonitor acknowledges the monitor binding.
func (svr *Server) startMonitor(c *Call) *Reply {
	if id, ok := c.Arg64(16); ok {
		svr.log.Debug("monitor started", zap.Uint64("client_id", id))
	}
	return &Reply{Control: true}
}

// Serve listens on the given address, registers the advertised names, and
// enters the accept loop. advertiseAddr is the address written to the
// registry; it differs from address when listening on ":0" or a wildcard.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	return svr.ServeListener(listener, network, advertiseAddr, reg)
}

// ServeListener is Serve over an already bound listener, for callers that
// need the ephemeral port before serving.
func (svr *Server) ServeListener(listener net.Listener, network, advertiseAddr string, reg registry.Registry) error {
	svr.listener = listener
	svr.network = network
	svr.addr = advertiseAddr

	if reg != nil {
		svr.reg = reg
		ep := registry.Endpoint{Network: network, Addr: advertiseAddr}
		for _, name := range svr.names {
			if err := reg.Register(context.Background(), name, ep, 10); err != nil {
				listener.Close()
				return fmt.Errorf("server: register %s: %w", name, err)
			}
		}
	}
	svr.log.Info("serving", zap.String("addr", advertiseAddr), zap.Strings("names", svr.names))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close during shutdown surfaces here; the flag
			// distinguishes it from a real accept failure.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn reads and answers requests sequentially until the peer closes.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		in, err := protocol.ReadRequest(conn)
		if err != nil {
			return // Connection closed or protocol error
		}
		if err := svr.handleRequest(in, conn); err != nil {
			svr.log.Warn("write response", zap.Error(err))
			return
		}
	}
}

func (svr *Server) handleRequest(in *protocol.Incoming, conn net.Conn) error {
	svr.wg.Add(1)
	defer svr.wg.Done()

	cmd, err := ipc.Command(in.Raw)
	var reply *Reply
	if err != nil {
		reply = &Reply{Result: resultBadHeader}
	} else if h, ok := svr.handlers[cmd]; ok {
		reply = h(decodeCall(cmd, in))
	} else {
		reply = &Reply{Result: resultUnknownCommand}
	}
	return protocol.WriteResponse(conn, encodeReply(in, reply))
}

// Service-level status words for requests that never reach a handler.
const (
	resultUnknownCommand uint64 = 0xF601
	resultBadHeader      uint64 = 0xF602
)

func decodeCall(cmd uint64, in *protocol.Incoming) *Call {
	c := &Call{
		Cmd:     cmd,
		Raw:     in.Raw,
		PID:     in.PID,
		HasPID:  in.HasPID,
		Handles: in.Handles,
	}
	for _, a := range in.Sends {
		if a.Kind == ipc.KindMapped {
			c.in = append(c.in, a.Data)
		}
	}
	for _, slot := range in.Recvs {
		if slot.Kind == ipc.KindMapped {
			c.out = append(c.out, slot.Cap)
		}
	}
	return c
}

// encodeReply builds the raw envelope and distributes the reply's output
// entries over the request's receive slots: mapped slots take the next
// entry truncated to the slot capacity, static duplicates answer empty.
func encodeReply(in *protocol.Incoming, reply *Reply) *protocol.Outgoing {
	raw := binary.LittleEndian.AppendUint64(nil, ipc.ResponseMagic)
	raw = binary.LittleEndian.AppendUint64(raw, reply.Result)
	if !reply.Control {
		raw = binary.LittleEndian.AppendUint32(raw, uint32(reply.Ret))
		raw = binary.LittleEndian.AppendUint32(raw, uint32(reply.Errno))
	}
	raw = append(raw, reply.Trailer...)

	out := &protocol.Outgoing{Raw: raw}
	next := 0
	for _, slot := range in.Recvs {
		var data []byte
		if slot.Kind == ipc.KindMapped {
			if next < len(reply.Out) {
				data = reply.Out[next]
			}
			next++
			if uint32(len(data)) > slot.Cap {
				data = data[:slot.Cap]
			}
		}
		out.Recv = append(out.Recv, data)
	}
	return out
}

// Shutdown deregisters the advertised names, stops accepting, and waits for
// in-flight requests up to the timeout. Deregistration happens first so
// clients stop routing here before the listener closes.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.reg != nil {
		for _, name := range svr.names {
			svr.reg.Deregister(context.Background(), name, registry.Endpoint{Network: svr.network, Addr: svr.addr})
		}
	}

	svr.shutdown.Store(true)
	svr.listener.Close()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for in-flight requests")
	}
}
