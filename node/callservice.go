// CallService and the periodic service-caller tick both drive a TCPROS
// service-client round trip. Both are implemented as one bounded blocking
// unit rather than routing through the full Session state machine across
// multiple RunOnce iterations: a service call is a single request/response
// exchange with no streaming phase, so it runs as a short,
// individually-bounded blocking operation, like sendCallSync's XML-RPC round
// trip and ioreactor.Dial. Queued outbound XML-RPC calls, by contrast, are
// stepped without blocking (see outbound.go).
package node

import (
	"strconv"
	"time"

	"crosnode/apicall"
	"crosnode/errs"
	"crosnode/ioreactor"
	"crosnode/tcpros"
	"crosnode/xmlrpc"
)

const serviceCallDeadline = 3 * time.Second

// CallService resolves callerIdx's provider endpoint if needed, then
// performs one synchronous service request/response round trip.
func (n *Node) CallService(callerIdx int, request []byte) ([]byte, error) {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return nil, errs.New(errs.Usage, "invalid service caller slot")
	}
	if !caller.Resolved {
		if err := n.resolveServiceCallerSync(callerIdx); err != nil {
			return nil, err
		}
	}
	return n.invokeServiceCallSync(callerIdx, request)
}

// resolveServiceCallerSync performs lookupService as one bounded blocking
// round trip, for callers that need an endpoint immediately (CallService)
// rather than waiting for the next periodic tick.
func (n *Node) resolveServiceCallerSync(callerIdx int) error {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return errs.New(errs.Usage, "invalid service caller slot")
	}
	params, err := sendCallSync(
		apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		"lookupService",
		[]xmlrpc.Value{xmlrpc.Str(n.Name), xmlrpc.Str(caller.Service)},
	)
	if err != nil {
		return err
	}
	result, err := fetchServiceURL()(params)
	if err != nil {
		return err
	}
	host, port, ok := result.(serviceURL).unpack()
	if !ok {
		return errs.New(errs.Registry, "lookupService: no provider for "+caller.Service)
	}
	caller.ProviderHost = host
	caller.ProviderPort = port
	caller.Resolved = true
	n.Registry.ServiceCallers.Set(callerIdx, caller)
	return nil
}

// invokeServiceCaller drives one round trip for a periodically-ticked
// caller, reporting failures through OnResponse rather than returning an
// error to a caller that isn't waiting synchronously.
func (n *Node) invokeServiceCaller(callerIdx int) {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return
	}
	if caller.OnResponse == nil {
		return
	}
	response, err := n.invokeServiceCallSync(callerIdx, nil)
	caller.OnResponse(response, err)
}

// invokeServiceCallSync sends one request/response round trip to the
// resolved provider. A Persistent caller reuses a cached connection from
// n.conns across calls — skipping both the dial and the header handshake on
// every round trip after the first, and sending "persistent=1" so the
// provider's own session (see acceptServiceCall) loops back to
// AwaitingRequest instead of closing after responding. A non-persistent
// caller dials and closes its own connection each call, same as a one-shot
// CallService invocation always has.
func (n *Node) invokeServiceCallSync(callerIdx int, request []byte) ([]byte, error) {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return nil, errs.New(errs.Usage, "invalid service caller slot")
	}
	if !caller.Resolved {
		return nil, errs.New(errs.Registry, "service caller not yet resolved: "+caller.Service)
	}

	addr := caller.ProviderHost + ":" + strconv.Itoa(caller.ProviderPort)

	if caller.Persistent {
		if conn, ok := n.conns.take(addr); ok {
			response, err := roundTripOnOpenConn(conn, request)
			if err == nil {
				n.conns.keep(addr, conn)
				return response, nil
			}
			conn.Close()
			if errs.Is(err, errs.ServiceFailed) {
				return nil, err
			}
			// fall through and redial: the cached connection may have gone
			// stale (idle-closed by the provider) between calls.
		}
	}

	conn, err := ioreactor.Dial("tcp", addr, serviceCallDeadline)
	if err != nil {
		if err == ioreactor.ErrTimeout {
			return nil, errs.Wrap(errs.Timeout, "dial "+addr, err)
		}
		return nil, errs.Wrap(errs.Transport, "dial "+addr, err)
	}

	reqHeader := tcpros.Header{
		{Key: "callerid", Value: n.Name},
		{Key: "service", Value: caller.Service},
		{Key: "md5sum", Value: caller.MD5Sum},
		{Key: "type", Value: caller.TypeName},
	}
	if caller.Persistent {
		reqHeader = append(reqHeader, tcpros.Field{Key: "persistent", Value: "1"})
	}
	if err := writeAllBlocking(conn, tcpros.EncodeFrame(tcpros.EncodeHeader(reqHeader)), serviceCallDeadline); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.Transport, "write service request header", err)
	}
	if _, err := tcpros.ReadHeaderBlocking(conn, serviceCallDeadline); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.ProtocolHeader, "read service response header", err)
	}

	response, err := roundTripOnOpenConn(conn, request)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if caller.Persistent {
		n.conns.keep(addr, conn)
	} else {
		conn.Close()
	}
	return response, nil
}

// roundTripOnOpenConn sends one request frame and waits (bounded) for its
// response frame on a connection whose header handshake has already
// completed — either just now (first call) or on an earlier call reused via
// n.conns (persistent caller).
func roundTripOnOpenConn(conn *ioreactor.Conn, request []byte) ([]byte, error) {
	if err := writeAllBlocking(conn, tcpros.EncodeFrame(request), serviceCallDeadline); err != nil {
		return nil, errs.Wrap(errs.Transport, "write service request body", err)
	}
	return readServiceResponseBlocking(conn, serviceCallDeadline)
}

// readServiceResponseBlocking reads the ok-byte-prefixed response frame a
// TCPROS service server sends, per spec.md §4.6: a leading 0 byte means the
// call reached the provider but the provider's handler itself failed.
func readServiceResponseBlocking(conn *ioreactor.Conn, deadline time.Duration) ([]byte, error) {
	start := time.Now()
	var accumulated []byte
	for {
		var chunk [4096]byte
		n, rerr := conn.Read(chunk[:])
		if n > 0 {
			accumulated = append(accumulated, chunk[:n]...)
		}
		if len(accumulated) >= 1 {
			okByte := accumulated[0]
			if frame, ok := tryPopServiceFrame(accumulated[1:]); ok {
				if okByte == 0 {
					return nil, errs.New(errs.ServiceFailed, string(frame))
				}
				return frame, nil
			}
		}
		if rerr != nil && rerr != ioreactor.ErrWouldBlock && rerr != ioreactor.ErrPeerClosed {
			return nil, errs.Wrap(errs.Transport, "read service response", rerr)
		}
		if rerr == ioreactor.ErrPeerClosed {
			return nil, errs.New(errs.Transport, "peer closed before a complete service response arrived")
		}
		if time.Since(start) > deadline {
			return nil, errs.New(errs.Timeout, "timed out reading service response")
		}
		time.Sleep(time.Millisecond)
	}
}

func tryPopServiceFrame(buf []byte) ([]byte, bool) {
	if len(buf) < 4 {
		return nil, false
	}
	n := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if uint32(len(buf)-4) < n {
		return nil, false
	}
	return buf[4 : 4+n], true
}
