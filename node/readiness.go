package node

import (
	"time"

	"crosnode/ioreactor"
)

// waitForReadiness blocks, via ioreactor.Wait, until a watched socket is
// readable or writable or budget elapses — the select/poll step spec.md
// §4.2 calls for, replacing what would otherwise be an unbounded busy spin
// across RunOnce calls whenever nothing is happening. A conn whose FD can't
// be obtained (e.g. a net.Pipe-backed test connection) is silently skipped;
// Wait's own empty-fd-set behavior degrades to sleeping out the budget, so
// skipping never turns into a busy loop.
func (n *Node) waitForReadiness(budget time.Duration) {
	if budget <= 0 {
		return
	}

	var readFDs, writeFDs []int
	addListener := func(l *ioreactor.Listener) {
		if fd, err := l.FD(); err == nil {
			readFDs = append(readFDs, fd)
		}
	}
	addConn := func(c *ioreactor.Conn, wantWrite bool) {
		fd, err := c.FD()
		if err != nil {
			return
		}
		readFDs = append(readFDs, fd)
		if wantWrite {
			writeFDs = append(writeFDs, fd)
		}
	}

	addListener(n.xmlrpcListener)
	addListener(n.tcprosListener)
	for _, c := range n.Control.Conns() {
		addConn(c, true)
	}
	for _, as := range n.sessions {
		if !as.session.IsClosed() {
			addConn(as.session.Conn, true)
		}
	}
	for _, oc := range n.outbound {
		addConn(oc.conn, oc.state == stateWritingRequest)
	}

	_, _, _ = ioreactor.Wait(readFDs, writeFDs, budget.Microseconds())
}
