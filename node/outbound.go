// Outbound XML-RPC calls admitted off the dispatcher are driven the same
// way tcpros.Session drives data-plane sessions: one non-blocking Step per
// RunOnce rather than one blocking round trip per admitted call. This keeps
// a slow or unreachable peer from stalling every other live session for the
// full call deadline, per spec.md §5's "no interior suspension points
// inside state-machine transitions."
package node

import (
	"bytes"
	"strconv"
	"time"

	"crosnode/apicall"
	"crosnode/errs"
	"crosnode/ioreactor"
	"crosnode/xmlrpc"
)

// outboundState is the phase of one in-flight outbound call, mirroring
// controlplane.call's connState shape on the inbound side.
type outboundState int

const (
	stateWritingRequest outboundState = iota
	stateAwaitingResponse
)

// outboundDeadline bounds one call's total lifetime from admission to a
// terminal state — the non-blocking replacement for the old callDeadline.
const outboundDeadline = 3 * time.Second

// outboundCall is one admitted apicall.CallRecord mid-flight against its
// target.
type outboundCall struct {
	record   *apicall.CallRecord
	conn     *ioreactor.Conn
	state    outboundState
	request  []byte
	inbound  []byte
	deadline time.Time
}

// admitOutboundCalls pulls every call the dispatcher's admission policy
// currently allows and opens its connection. ioreactor.Dial is the
// bounded-blocking "Connecting state's single step" already used
// consistently elsewhere in this codebase (see its own doc comment); a
// dial failure fails the call immediately rather than queuing a doomed
// conversation.
func (n *Node) admitOutboundCalls() {
	for {
		call := n.Dispatcher.PollReady()
		if call == nil {
			return
		}
		addr := call.Target.Host + ":" + strconv.Itoa(call.Target.Port)
		conn, err := ioreactor.Dial("tcp", addr, dialDeadline)
		if err != nil {
			if err == ioreactor.ErrTimeout {
				n.failCall(call, errs.Wrap(errs.Timeout, "dial "+addr, err))
			} else {
				n.failCall(call, errs.Wrap(errs.Transport, "dial "+addr, err))
			}
			continue
		}
		n.outbound = append(n.outbound, &outboundCall{
			record:   call,
			conn:     conn,
			state:    stateWritingRequest,
			request:  xmlrpc.EncodeCall(call.Method.String(), valuesOf(call.Args)),
			deadline: time.Now().Add(outboundDeadline),
		})
	}
}

// stepOutboundCalls advances every in-flight call one non-blocking step and
// compacts the slice, the outbound-RPC analogue of stepSessions.
func (n *Node) stepOutboundCalls() {
	live := n.outbound[:0]
	for _, oc := range n.outbound {
		if n.stepOutboundCall(oc) {
			live = append(live, oc)
		}
	}
	n.outbound = live
}

// stepOutboundCall advances oc by one non-blocking increment, returning
// true if oc is still in flight and belongs back in n.outbound.
func (n *Node) stepOutboundCall(oc *outboundCall) bool {
	if time.Now().After(oc.deadline) {
		oc.conn.Close()
		n.finishOutboundCall(oc, nil, errs.New(errs.Timeout, "timed out awaiting xmlrpc response"))
		return false
	}
	switch oc.state {
	case stateWritingRequest:
		return n.stepWritingRequest(oc)
	case stateAwaitingResponse:
		return n.stepAwaitingResponse(oc)
	default:
		return true
	}
}

func (n *Node) stepWritingRequest(oc *outboundCall) bool {
	wrote, err := oc.conn.Write(oc.request)
	if wrote > 0 {
		oc.request = oc.request[wrote:]
	}
	if err != nil && err != ioreactor.ErrWouldBlock {
		oc.conn.Close()
		n.finishOutboundCall(oc, nil, errs.Wrap(errs.Transport, "write request", err))
		return false
	}
	if len(oc.request) == 0 {
		oc.state = stateAwaitingResponse
	}
	return true
}

// stepAwaitingResponse is the non-blocking counterpart of
// readResponseBlocking's speculative-parse loop: attempt a decode after every read, since a
// still-truncated buffer just means "keep reading."
func (n *Node) stepAwaitingResponse(oc *outboundCall) bool {
	var chunk [4096]byte
	read, err := oc.conn.Read(chunk[:])
	if read > 0 {
		oc.inbound = append(oc.inbound, chunk[:read]...)
	}
	if len(oc.inbound) > 0 {
		params, fault, decErr := xmlrpc.DecodeResponse(bytes.NewReader(oc.inbound))
		if decErr == nil {
			oc.conn.Close()
			if fault != nil {
				n.finishOutboundCall(oc, nil, errs.New(errs.XmlrpcCodec, fault.Error()))
			} else {
				n.finishOutboundCall(oc, params, nil)
			}
			return false
		}
	}
	if err == ioreactor.ErrPeerClosed {
		oc.conn.Close()
		n.finishOutboundCall(oc, nil, errs.New(errs.Transport, "peer closed before a complete response arrived"))
		return false
	}
	if err != nil && err != ioreactor.ErrWouldBlock {
		oc.conn.Close()
		n.finishOutboundCall(oc, nil, errs.Wrap(errs.Transport, "read response", err))
		return false
	}
	return true
}

// finishOutboundCall materializes the typed result via FetchResult before
// handing it to Complete — apicall.Dispatcher.Complete itself never invokes
// FetchResult, by design: only the engine knows how to turn a decoded
// XML-RPC params vector into the Go value a ResultCallback expects.
func (n *Node) finishOutboundCall(oc *outboundCall, params []xmlrpc.Value, err error) {
	call := oc.record
	if err != nil {
		n.failCall(call, err)
		return
	}

	var result any
	if call.FetchResult != nil {
		result, err = call.FetchResult(params)
		if err != nil {
			n.failCall(call, err)
			return
		}
	}

	delete(n.attempts, call.ID)
	if n.Metrics != nil {
		n.Metrics.ApiCallsCompleted.WithLabelValues(call.Method.String()).Inc()
	}
	n.Dispatcher.Complete(call, result)
}
