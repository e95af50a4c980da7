// Package middleware implements the onion-model interceptor chain wrapping
// the control-plane server's inbound handlers (spec.md §4.5), adapted from
// the teacher's middleware package: same Chain/HandlerFunc/Middleware shape
// and composition order, retyped for XML-RPC method dispatch instead of the
// teacher's framed RPCMessage.
//
// Two of the teacher's four middlewares carry over close to as-is (Logging,
// RateLimit); Retry and Timeout are redesigned because the teacher's
// versions block the calling goroutine (time.Sleep, a goroutine raced
// against context.WithTimeout), which spec.md §5 forbids — see
// retry_middleware.go and timeout_middleware.go.
package middleware

import "crosnode/xmlrpc"

// HandlerFunc answers one inbound XML-RPC call already decoded into a
// method name and parameter vector, returning the response parameter vector
// or an error (which the controlplane server turns into an XML-RPC fault).
type HandlerFunc func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into a single middleware, building
// right to left so the first in the list is the outermost layer — identical
// composition order to the teacher's Chain:
//
//	Chain(A, B, C)(handler) == A(B(C(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
