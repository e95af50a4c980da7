// Engine drives the single cooperative loop spec.md §4.8 describes: one
// RunOnce call advances every ready socket's state machine by exactly one
// non-blocking step, admits queued outbound RPCs the dispatcher will allow,
// fires due timers, and checks the exit flag. Node.Start re-enters RunOnce
// on the host program's own schedule, matching original_source's
// cRosNodeStart contract (see SPEC_FULL.md §3.1).
package node

import (
	"context"
	"time"

	"crosnode/apicall"
	"crosnode/clock"
	"crosnode/errs"
	"crosnode/ioreactor"
	"crosnode/tcpros"
)

// Engine is a thin driver over a Node; it exists separately so the six-step
// loop reads as its own unit rather than more Node methods.
type Engine struct {
	n *Node
}

// NewEngine returns an Engine bound to n.
func NewEngine(n *Node) *Engine {
	return &Engine{n: n}
}

// RunOnce performs exactly one iteration of spec.md §4.8's six steps, each
// a non-blocking pass over its socket set apart from three individually
// bounded blocking calls: ioreactor.Dial admitting a session or outbound
// call into its Connecting state (see its own doc comment),
// tcpros.ReadHeaderBlocking on each newly accepted data-plane connection,
// and the round trip a resolved service caller's tick runs through
// invokeServiceCallSync. Whatever of budget remains once every ready socket has been
// advanced is spent in waitForReadiness, the select/poll step spec.md §4.2
// calls for.
func (e *Engine) RunOnce(budget time.Duration) error {
	n := e.n
	deadline := time.Now().Add(budget)

	n.acceptInboundXMLRPC()
	n.acceptInboundTCPROS(deadline)

	n.Control.Step()

	now := clock.Now()
	n.stepSessions(now)
	n.admitOutboundCalls()
	n.stepOutboundCalls()
	n.fireTimers(now)

	if n.exitRequested {
		n.beginShutdown()
		return nil
	}
	n.waitForReadiness(time.Until(deadline))
	return nil
}

// Start re-enters RunOnce until timeout elapses or *exitFlag becomes true.
// A zero timeout means "run until the exit flag is set," mirroring
// original_source's CROS_INFINITE_TIMEOUT convention; ctx cancellation is
// also honored so a host program can bound the call even in that mode.
func (n *Node) Start(ctx context.Context, timeout time.Duration, exitFlag *bool) error {
	e := NewEngine(n)
	tick := 20 * time.Millisecond
	if n.loopBudgetUsec > 0 {
		tick = time.Duration(n.loopBudgetUsec) * time.Microsecond
	}

	var deadline time.Time
	bounded := timeout > 0
	if bounded {
		deadline = time.Now().Add(timeout)
	}

	for {
		if exitFlag != nil && *exitFlag {
			n.exitRequested = true
		}
		if err := e.RunOnce(tick); err != nil {
			return err
		}
		if n.exitRequested {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if bounded && !time.Now().Before(deadline) {
			return nil
		}
	}
}

// acceptInboundXMLRPC adopts every pending control-plane connection this
// tick; Accept is already non-blocking (ErrWouldBlock once the backlog is
// drained).
func (n *Node) acceptInboundXMLRPC() {
	for {
		conn, err := n.xmlrpcListener.Accept()
		if err != nil {
			return
		}
		n.Control.Accept(conn)
	}
}

// acceptInboundTCPROS adopts pending data-plane connections. Each accepted
// socket's header is read with a single bounded blocking call (see
// tcpros.ReadHeaderBlocking's doc comment) before a Session can be built,
// since the session's wantMD5/wantType depend on which provider slot the
// header names.
func (n *Node) acceptInboundTCPROS(deadline time.Time) {
	for {
		if time.Now().After(deadline) {
			return
		}
		conn, err := n.tcprosListener.Accept()
		if err != nil {
			return
		}
		n.acceptOneTCPROS(conn)
	}
}

func (n *Node) acceptOneTCPROS(conn *ioreactor.Conn) {
	remote, err := tcpros.ReadHeaderBlocking(conn, acceptHeaderDeadline)
	if err != nil {
		conn.Close()
		return
	}
	if topic, ok := remote.Get("topic"); ok {
		n.acceptTopicSubscriber(conn, remote, topic)
		return
	}
	if service, ok := remote.Get("service"); ok {
		n.acceptServiceCall(conn, remote, service)
		return
	}
	conn.Close()
}

func (n *Node) acceptTopicSubscriber(conn *ioreactor.Conn, remote tcpros.Header, topic string) {
	pubIdx, pub, ok := n.findPublisherByTopic(topic)
	if !ok {
		conn.Close()
		return
	}
	reply := tcpros.Header{
		{Key: "callerid", Value: n.Name},
		{Key: "type", Value: pub.TypeName},
		{Key: "md5sum", Value: pub.MD5Sum},
	}
	sess, err := tcpros.NewAcceptedSession(tcpros.RolePublisher, conn, remote, pub.MD5Sum, pub.TypeName, reply)
	if err != nil {
		return
	}
	sess.ProviderIdx = pubIdx
	slotID := pub.NextSlotID
	pub.NextSlotID++
	pub.Subscribers[slotID] = sess
	n.Registry.Publishers.Set(pubIdx, pub)
	n.trackSession(&acceptedSession{session: sess, providerIdx: pubIdx, kind: kindPublisherSubscriber})
	if n.Metrics != nil {
		n.Metrics.TcprosSessions.WithLabelValues("publisher").Inc()
	}
}

func (n *Node) acceptServiceCall(conn *ioreactor.Conn, remote tcpros.Header, service string) {
	svcIdx, svc, ok := n.findServiceProviderByName(service)
	if !ok {
		conn.Close()
		return
	}
	reply := tcpros.Header{
		{Key: "callerid", Value: n.Name},
		{Key: "type", Value: svc.TypeName},
		{Key: "md5sum", Value: svc.MD5Sum},
	}
	sess, err := tcpros.NewAcceptedSession(tcpros.RoleServiceServer, conn, remote, svc.MD5Sum, svc.TypeName, reply)
	if err != nil {
		return
	}
	sess.ProviderIdx = svcIdx
	sess.OnServiceRequest = svc.Handle
	if persistent, ok := remote.Get("persistent"); ok && persistent == "1" {
		sess.Persistent = true
	}
	slotID := svc.NextSlotID
	svc.NextSlotID++
	svc.Sessions[slotID] = sess
	n.Registry.ServiceProviders.Set(svcIdx, svc)
	n.trackSession(&acceptedSession{session: sess, providerIdx: svcIdx, kind: kindServiceServer})
	if n.Metrics != nil {
		n.Metrics.TcprosSessions.WithLabelValues("service").Inc()
	}
}

// stepSessions advances every live session one non-blocking step, starting
// at a fairStart-rotated index so no session at a fixed position in the
// slice starves across iterations. Closed sessions are dropped from the
// slice and their owning registry slot's session map.
func (n *Node) stepSessions(now int64) {
	count := len(n.sessions)
	if count == 0 {
		return
	}
	start := fairStart(count, &n.fairCounter)
	for i := 0; i < count; i++ {
		idx := (start + i) % count
		as := n.sessions[idx]
		if as.session.IsClosed() {
			continue
		}
		err := as.session.Step(now)
		if err != nil && err != ioreactor.ErrWouldBlock {
			n.detachSession(as)
		}
	}
	n.pruneClosedSessions()
}

// detachSession removes a just-closed session from its owning registry
// slot's Sessions map so a later publisherUpdate/unregister doesn't find a
// stale entry.
func (n *Node) detachSession(as *acceptedSession) {
	switch as.kind {
	case kindTopicClient:
		sub, ok := n.Registry.Subscribers.Get(as.providerIdx)
		if !ok {
			return
		}
		for key, s := range sub.Sessions {
			if s == as.session {
				delete(sub.Sessions, key)
			}
		}
		n.Registry.Subscribers.Set(as.providerIdx, sub)
	case kindPublisherSubscriber:
		pub, ok := n.Registry.Publishers.Get(as.providerIdx)
		if !ok {
			return
		}
		for key, s := range pub.Subscribers {
			if s == as.session {
				delete(pub.Subscribers, key)
			}
		}
		n.Registry.Publishers.Set(as.providerIdx, pub)
	case kindServiceServer:
		svc, ok := n.Registry.ServiceProviders.Get(as.providerIdx)
		if !ok {
			return
		}
		for key, s := range svc.Sessions {
			if s == as.session {
				delete(svc.Sessions, key)
			}
		}
		n.Registry.ServiceProviders.Set(as.providerIdx, svc)
	}
}

func (n *Node) pruneClosedSessions() {
	live := n.sessions[:0]
	for _, as := range n.sessions {
		if as.session.IsClosed() {
			continue
		}
		live = append(live, as)
	}
	n.sessions = live
}

func (n *Node) failCall(call *apicall.CallRecord, cause error) {
	attempt := n.attempts[call.ID]
	n.attempts[call.ID] = attempt + 1
	if n.Metrics != nil {
		kind, _ := errs.KindOf(cause)
		n.Metrics.ApiCallsFailed.WithLabelValues(call.Method.String(), kind.String()).Inc()
	}
	n.Dispatcher.Fail(call, cause, attempt, clock.Now())
}

// fireTimers pops every deadline due as of now and dispatches it by kind.
func (n *Node) fireTimers(now int64) {
	for _, d := range n.Wheel.Due(now) {
		switch d.Kind {
		case clock.KindPublisherTick:
			n.firePublisherTick(d.OwnerID, now)
		case clock.KindServiceCallerTick:
			n.fireServiceCallerTick(d.OwnerID, now)
		case clock.KindSessionIdle:
			n.closeIdleSession(d.OwnerID, now)
		case clock.KindRetry, clock.KindPing:
			// KindRetry is bookkeeping only: apicall.Dispatcher.Fail already
			// re-enqueued the call and will readmit it once its endpoint is
			// free. KindPing has no keepalive behavior in this repository's
			// scope (no component depends on a liveness ping beyond the
			// TCP-level session idle check) — see DESIGN.md.
		}
	}
}

func (n *Node) firePublisherTick(pubIdx int, now int64) {
	pub, ok := n.Registry.Publishers.Get(pubIdx)
	if !ok {
		return
	}
	if pub.OnFire != nil {
		payload, err := pub.OnFire()
		if err == nil {
			_ = n.SendTopicMessage(pubIdx, &PublisherMessage{Payload: payload})
		} else {
			n.Log.WithField("topic", pub.Topic).WithError(err).Warn("publisher tick handler failed")
		}
	}
	if pub.IntervalUsec > 0 {
		n.Wheel.Schedule(now+pub.IntervalUsec, clock.KindPublisherTick, pubIdx)
	}
}

func (n *Node) fireServiceCallerTick(callerIdx int, now int64) {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return
	}
	if !caller.Resolved {
		n.submitLookupService(callerIdx)
	} else {
		n.invokeServiceCaller(callerIdx)
	}
	if caller.IntervalUsec > 0 {
		n.Wheel.Schedule(now+caller.IntervalUsec, clock.KindServiceCallerTick, callerIdx)
	}
}

// closeIdleSession closes a session that is still in its header handshake
// when its idle deadline fires — a defensive backstop against a peer that
// stopped responding mid-handshake without closing its socket. A session
// that has reached Streaming or a request/response state is left open.
// sessionID is
// trackSession's stable id, not a slice index: the slice is compacted by
// pruneClosedSessions every tick, so a position-based lookup would drift
// onto an unrelated session once anything earlier has closed.
func (n *Node) closeIdleSession(sessionID int, now int64) {
	for _, as := range n.sessions {
		if as.id != sessionID {
			continue
		}
		switch as.session.State {
		case tcpros.Connecting, tcpros.ReadingHeader, tcpros.WritingHeader:
			as.session.Conn.Close()
		}
		return
	}
}

// beginShutdown implements spec.md §4.8's graceful-shutdown paragraph: stop
// accepting new peers, abandon pending/in-flight calls, close every
// session.
func (n *Node) beginShutdown() {
	n.Dispatcher.CancelAll()
	for _, as := range n.sessions {
		as.session.Conn.Close()
	}
	n.sessions = nil
}
