package bsd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"nx-bsd/ipc"
	"nx-bsd/loadbalance"
	"nx-bsd/middleware"
	"nx-bsd/registry"
	"nx-bsd/transport"
)

var (
	// ErrAlreadyInitialized is returned by InitializeDefault while a default
	// session is live.
	ErrAlreadyInitialized = errors.New("bsd: already initialized")

	// ErrServiceNotFound is returned when no configured service name
	// resolves to an endpoint.
	ErrServiceNotFound = errors.New("bsd: socket service not found")
)

// DefaultServiceNames are the service names tried in order at session
// establishment.
var DefaultServiceNames = []string{"bsd:s", "bsd:u"}

// Options configures session establishment. Registry is the only required
// field.
type Options struct {
	// Registry resolves service names to endpoints.
	Registry registry.Registry

	// Balancer picks among multiple endpoints of one name. Defaults to
	// round robin.
	Balancer loadbalance.Balancer

	// ServiceNames overrides DefaultServiceNames.
	ServiceNames []string

	// Config overrides DefaultBufferConfig.
	Config *BufferConfig

	// ProcessID overrides the client identity sent at registration.
	// Defaults to the current process id.
	ProcessID uint64

	// TransferMemoryHandle overrides the handle registered for the socket
	// buffer backing region.
	TransferMemoryHandle uint32

	// Dial overrides how endpoints are connected. Defaults to
	// transport.Dial.
	Dial func(ep registry.Endpoint) (transport.Transport, error)

	// Interceptors wrap the dispatch path of the main connection.
	Interceptors []middleware.Interceptor

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Session is an established connection pair to the socket service: the main
// connection carrying every call, the monitor connection tied to the
// client's identity, the registered transfer memory, and the client id the
// service assigned. Calls are synchronous and serialized by the transport;
// a Session is safe for concurrent use.
//
// A negative return value with a nil error means the service reported
// failure without an errno (Errno then reads zero).
type Session struct {
	srv  transport.Transport
	mon  transport.Transport
	send middleware.DispatchFunc
	log  *zap.Logger

	pid      uint64
	clientID uint64
	tmem     TransferMemory

	mu     sync.Mutex
	errno  unix.Errno
	closed atomic.Bool
}

var tmemHandles atomic.Uint32

// Initialize locates the service, connects both the main and the monitor
// connection, registers the client (process identity, transfer memory,
// buffer configuration) and starts monitoring under the returned client id.
// On any failure the partially established session is torn down.
func Initialize(opts Options) (*Session, error) {
	if opts.Registry == nil {
		return nil, errors.New("bsd: Options.Registry is required")
	}
	balancer := opts.Balancer
	if balancer == nil {
		balancer = &loadbalance.RoundRobin{}
	}
	names := opts.ServiceNames
	if len(names) == 0 {
		names = DefaultServiceNames
	}
	cfg := DefaultBufferConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	pid := opts.ProcessID
	if pid == 0 {
		pid = uint64(os.Getpid())
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ep registry.Endpoint) (transport.Transport, error) {
			return transport.Dial(ep.Network, ep.Addr)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	var ep *registry.Endpoint
	var name string
	for _, n := range names {
		eps, err := opts.Registry.Discover(ctx, n)
		if err != nil || len(eps) == 0 {
			continue
		}
		picked, err := balancer.Pick(eps)
		if err != nil {
			continue
		}
		ep, name = picked, n
		break
	}
	if ep == nil {
		return nil, fmt.Errorf("%w: tried %v", ErrServiceNotFound, names)
	}

	srv, err := dial(*ep)
	if err != nil {
		return nil, fmt.Errorf("bsd: dial %s %s: %w", ep.Network, ep.Addr, err)
	}
	mon, err := dial(*ep)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("bsd: dial monitor %s %s: %w", ep.Network, ep.Addr, err)
	}

	s := &Session{
		srv: srv,
		mon: mon,
		log: logger,
		pid: pid,
		tmem: TransferMemory{
			Handle: opts.TransferMemoryHandle,
			Size:   TransferMemorySize(cfg),
		},
	}
	if s.tmem.Handle == 0 {
		s.tmem.Handle = tmemHandles.Add(1)
	}
	s.send = middleware.Chain(opts.Interceptors...)(func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
		return s.srv.Dispatch(ctx, req)
	})

	if err := s.registerClient(ctx, pid, cfg); err != nil {
		s.Exit()
		return nil, err
	}
	if err := s.startMonitor(ctx); err != nil {
		s.Exit()
		return nil, err
	}

	logger.Info("session established",
		zap.String("service", name),
		zap.String("addr", ep.Addr),
		zap.Uint64("client_id", s.clientID),
		zap.Uint64("tmem_size", s.tmem.Size),
	)
	return s, nil
}

// registerClient sends the process identity, the copied transfer memory
// handle, the buffer configuration and the transfer memory size; the
// service answers with the client id used for monitoring.
func (s *Session) registerClient(ctx context.Context, pid uint64, cfg BufferConfig) error {
	req := ipc.NewRequest(ipc.CmdRegisterClient)
	req.SendPID(pid)
	req.CopyHandle(s.tmem.Handle)
	req.WriteU32(cfg.Version)
	req.WriteU32(cfg.TCPTxBufSize)
	req.WriteU32(cfg.TCPRxBufSize)
	req.WriteU32(cfg.TCPTxBufMaxSize)
	req.WriteU32(cfg.TCPRxBufMaxSize)
	req.WriteU32(cfg.UDPTxBufSize)
	req.WriteU32(cfg.UDPRxBufSize)
	req.WriteU32(cfg.SBEfficiency)
	req.WriteU64(0) // pid placeholder, filled service-side
	req.WriteU64(s.tmem.Size)

	resp, err := s.send(ctx, req)
	if err != nil {
		return fmt.Errorf("bsd: register client: %w", err)
	}
	env, err := ipc.DecodeEnvelope(resp.Raw, ipc.ShapeControl)
	if err != nil {
		return fmt.Errorf("bsd: register client: %w", err)
	}
	if env.Result != 0 {
		return fmt.Errorf("bsd: register client: service result 0x%x", env.Result)
	}
	if len(env.Control) < 8 {
		return errors.New("bsd: register client: short response")
	}
	s.clientID = binary.LittleEndian.Uint64(env.Control[:8])
	return nil
}

// startMonitor binds the monitor connection to the registered client id.
func (s *Session) startMonitor(ctx context.Context) error {
	req := ipc.NewRequest(ipc.CmdStartMonitor)
	req.SendPID(s.pid)
	req.WriteU64(s.clientID)

	resp, err := s.mon.Dispatch(ctx, req)
	if err != nil {
		return fmt.Errorf("bsd: start monitor: %w", err)
	}
	env, err := ipc.DecodeEnvelope(resp.Raw, ipc.ShapeControl)
	if err != nil {
		return fmt.Errorf("bsd: start monitor: %w", err)
	}
	if env.Result != 0 {
		return fmt.Errorf("bsd: start monitor: service result 0x%x", env.Result)
	}
	return nil
}

// Exit tears the session down: both connections close and every subsequent
// call fails fast with EPIPE. Safe to call more than once.
func (s *Session) Exit() {
	if s.closed.Swap(true) {
		return
	}
	if s.mon != nil {
		s.mon.Close()
	}
	if s.srv != nil {
		s.srv.Close()
	}
	s.log.Info("session closed", zap.Uint64("client_id", s.clientID))
}

// ClientID returns the identifier the service assigned at registration.
func (s *Session) ClientID() uint64 { return s.clientID }

// TransferMemory returns the registered socket-buffer backing region.
func (s *Session) TransferMemory() TransferMemory { return s.tmem }

// Errno returns the errno of the most recent decoded envelope, updated on
// every dispatched call whether it succeeded or not.
func (s *Session) Errno() unix.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errno
}

func (s *Session) setErrno(e unix.Errno) {
	s.mu.Lock()
	s.errno = e
	s.mu.Unlock()
}

// submit performs one catalog round trip and maps the envelope to POSIX
// results. Any transport or service-level failure collapses to (-1, EPIPE)
// without trusting the payload.
func (s *Session) submit(req *ipc.Request, shape ipc.Shape) (int, ipc.Envelope, error) {
	if s.closed.Load() {
		s.setErrno(unix.EPIPE)
		return -1, ipc.Envelope{}, unix.EPIPE
	}
	resp, err := s.send(context.Background(), req)
	if err != nil {
		s.setErrno(unix.EPIPE)
		return -1, ipc.Envelope{}, unix.EPIPE
	}
	env, err := ipc.DecodeEnvelope(resp.Raw, shape)
	if err != nil || env.Result != 0 {
		s.setErrno(unix.EPIPE)
		return -1, ipc.Envelope{}, unix.EPIPE
	}
	s.setErrno(env.Errno)
	if env.Ret < 0 && env.Errno != 0 {
		return int(env.Ret), env, env.Errno
	}
	return int(env.Ret), env, nil
}

// Default session, mirroring the original process-wide lifecycle for
// programs that want exactly one session.

var defaultSession struct {
	mu sync.Mutex
	s  *Session
}

// InitializeDefault establishes the process-wide default session. A second
// call while one is live fails fast with ErrAlreadyInitialized.
func InitializeDefault(opts Options) (*Session, error) {
	defaultSession.mu.Lock()
	defer defaultSession.mu.Unlock()
	if defaultSession.s != nil {
		return nil, ErrAlreadyInitialized
	}
	s, err := Initialize(opts)
	if err != nil {
		return nil, err
	}
	defaultSession.s = s
	return s, nil
}

// Default returns the process-wide session, or nil before InitializeDefault.
func Default() *Session {
	defaultSession.mu.Lock()
	defer defaultSession.mu.Unlock()
	return defaultSession.s
}

// ExitDefault tears down the process-wide session if one is live.
func ExitDefault() {
	defaultSession.mu.Lock()
	defer defaultSession.mu.Unlock()
	if defaultSession.s != nil {
		defaultSession.s.Exit()
		defaultSession.s = nil
	}
}
