// Package controlplane implements the inbound XML-RPC endpoint from
// spec.md §4.5: it accepts a connection, parses one method call, dispatches
// to a registered middleware.HandlerFunc, writes the response or fault, and
// closes the socket (HTTP/1.0 semantics, one call per connection).
//
// Unlike the teacher's server.Server — which spawns a goroutine per
// connection (handleConn) plus a further goroutine per request
// (handleRequest) — every connection here is advanced by Server.Step,
// called once per tick from the node engine's own loop, per spec.md §5.
package controlplane

import (
	"bytes"

	"crosnode/ioreactor"
	"crosnode/middleware"
	"crosnode/xmlrpc"
)

// connState is the phase of one inbound call's connection, mirroring the
// shape of a tcpros.Session's state machine but scoped to the much shorter
// XML-RPC request/response lifecycle: read the full HTTP request, handle it
// synchronously, write the full HTTP response, close.
type connState int

const (
	stateReadingRequest connState = iota
	stateWritingResponse
	stateDone
)

// call is one in-progress inbound XML-RPC call.
type call struct {
	conn     *ioreactor.Conn
	state    connState
	inbound  bytes.Buffer
	outbound bytes.Buffer
}

// Server dispatches inbound XML-RPC method calls by name to a registered
// HandlerFunc chain. The zero value is ready to use once handlers are
// registered with Handle.
type Server struct {
	handlers map[string]middleware.HandlerFunc
	calls    []*call
}

// NewServer returns an empty Server.
func NewServer() *Server {
	return &Server{handlers: make(map[string]middleware.HandlerFunc)}
}

// Handle registers the handler for method, already wrapped by whatever
// middleware.Chain the caller wants applied.
func (s *Server) Handle(method string, handler middleware.HandlerFunc) {
	s.handlers[method] = handler
}

// Accept adopts a freshly accepted connection into the server's in-flight
// call set.
func (s *Server) Accept(conn *ioreactor.Conn) {
	s.calls = append(s.calls, &call{conn: conn, state: stateReadingRequest})
}

// Conns returns the sockets the engine should include in its readiness set:
// every call still reading its request or still writing its response.
func (s *Server) Conns() []*ioreactor.Conn {
	conns := make([]*ioreactor.Conn, 0, len(s.calls))
	for _, c := range s.calls {
		if c.state != stateDone {
			conns = append(conns, c.conn)
		}
	}
	return conns
}

// Step advances every in-flight call by one non-blocking unit of work and
// drops any that have reached stateDone, closing their sockets.
func (s *Server) Step() {
	live := s.calls[:0]
	for _, c := range s.calls {
		s.stepCall(c)
		if c.state == stateDone {
			c.conn.Close()
			continue
		}
		live = append(live, c)
	}
	s.calls = live
}

func (s *Server) stepCall(c *call) {
	switch c.state {
	case stateReadingRequest:
		s.readRequest(c)
	case stateWritingResponse:
		s.writeResponse(c)
	}
}

func (s *Server) readRequest(c *call) {
	var buf [4096]byte
	for {
		n, err := c.conn.Read(buf[:])
		if n > 0 {
			c.inbound.Write(buf[:n])
		}
		if err == ioreactor.ErrWouldBlock {
			break
		}
		if err == ioreactor.ErrPeerClosed {
			break // fall through to try a parse of whatever arrived
		}
		if err != nil {
			c.state = stateDone
			return
		}
	}
	// http.ReadRequest needs the full message; try parsing speculatively —
	// DecodeCall returns a truncated-frame error if more bytes are still
	// needed, distinguishable from a genuinely malformed request only by
	// the caller continuing to poll, which is acceptable for this
	// short-lived, single-call-per-connection protocol.
	method, params, err := xmlrpc.DecodeCall(bytes.NewReader(c.inbound.Bytes()))
	if err != nil {
		return // wait for more bytes next Step
	}
	response, callErr := s.dispatch(method, params)
	if callErr != nil {
		if fault, ok := callErr.(*xmlrpc.Fault); ok {
			c.outbound.Write(xmlrpc.EncodeFault(fault.Code, fault.Message))
		} else {
			c.outbound.Write(xmlrpc.EncodeFault(-1, callErr.Error()))
		}
	} else {
		c.outbound.Write(xmlrpc.EncodeResponse(response))
	}
	c.state = stateWritingResponse
}

func (s *Server) writeResponse(c *call) {
	b := c.outbound.Bytes()
	n, err := c.conn.Write(b)
	if n > 0 {
		c.outbound.Next(n)
	}
	if err != nil && err != ioreactor.ErrWouldBlock {
		c.state = stateDone
		return
	}
	if c.outbound.Len() == 0 {
		c.state = stateDone
	}
}

// dispatch looks up method's handler and invokes it, returning an XML-RPC
// fault with code -1 for any unregistered method, per spec.md §4.5.
func (s *Server) dispatch(method string, params []xmlrpc.Value) ([]xmlrpc.Value, error) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, &xmlrpc.Fault{Code: -1, Message: "unknown method: " + method}
	}
	result, err := handler(method, params)
	if err != nil {
		return nil, &xmlrpc.Fault{Code: -1, Message: err.Error()}
	}
	return result, nil
}
