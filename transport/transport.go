// Package transport performs the synchronous round trip of a built request.
//
// The protocol is strict request/response: one frame out, one frame back,
// with at most one outstanding request per connection. A mutex serializes
// dispatches so that callers on multiple goroutines cannot interleave
// frames. No retries happen here; every failure surfaces immediately.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"nx-bsd/ipc"
	"nx-bsd/protocol"
)

// Transport dispatches one request and blocks for its response.
type Transport interface {
	Dispatch(ctx context.Context, req *ipc.Request) (*ipc.Response, error)
	Close() error
}

// Conn is a Transport over a single network connection.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex // one outstanding request per connection
}

// Dial connects to a service endpoint.
func Dial(network, address string) (*Conn, error) {
	c, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Dispatch writes the request frame and blocks until the response frame has
// been read and its receive-slot contents copied back into the request's
// buffers. A context deadline, when set by the caller, is applied to the
// round trip; this layer imposes none of its own.
func (t *Conn) Dispatch(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
		defer t.conn.SetDeadline(time.Time{})
	}
	if err := protocol.WriteRequest(t.conn, req); err != nil {
		return nil, err
	}
	return protocol.ReadResponse(t.conn, req)
}

// Close closes the underlying connection. Any blocked dispatch fails.
func (t *Conn) Close() error {
	return t.conn.Close()
}
