// Package middleware wraps the dispatch path of a session with
// cross-cutting behavior. Interceptors compose in onion order:
// Chain(A, B)(dispatch) runs A before B before the transport.
//
// Nothing here retries or times out a call: the protocol is exactly-once
// over an established session, and failure handling belongs to the caller.
package middleware

import (
	"context"

	"nx-bsd/ipc"
)

// DispatchFunc performs one synchronous round trip.
type DispatchFunc func(ctx context.Context, req *ipc.Request) (*ipc.Response, error)

// Interceptor wraps a DispatchFunc.
type Interceptor func(next DispatchFunc) DispatchFunc

// Chain composes interceptors into one.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}
