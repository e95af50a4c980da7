// Unregister is the symmetric counterpart to the four Register* calls
// (spec.md §4.7): it frees the registry slot, tears down every live session
// bound to it, and emits the matching master RPC.
package node

// UnregisterPublisher tears down pubIdx: every connected subscriber
// session is closed, unregisterPublisher is enqueued against the master,
// and the slot is freed for reuse.
func (n *Node) UnregisterPublisher(pubIdx int) {
	pub, ok := n.Registry.Publishers.Get(pubIdx)
	if !ok {
		return
	}
	n.closeSessionsForProvider(pubIdx, kindPublisherSubscriber)
	n.submitUnregisterPublisher(pub.Topic, n.XMLRPCURI())
	n.Registry.Publishers.Unregister(pubIdx)
}

// UnregisterSubscriber tears down subIdx: every open client session to a
// publisher is closed, unregisterSubscriber is enqueued against the
// master, and the slot is freed for reuse.
func (n *Node) UnregisterSubscriber(subIdx int) {
	sub, ok := n.Registry.Subscribers.Get(subIdx)
	if !ok {
		return
	}
	n.closeSessionsForProvider(subIdx, kindTopicClient)
	n.submitUnregisterSubscriber(sub.Topic, n.XMLRPCURI())
	n.Registry.Subscribers.Unregister(subIdx)
}

// UnregisterServiceProvider tears down svcIdx: every connected caller
// session is closed, unregisterService is enqueued against the master, and
// the slot is freed for reuse.
func (n *Node) UnregisterServiceProvider(svcIdx int) {
	svc, ok := n.Registry.ServiceProviders.Get(svcIdx)
	if !ok {
		return
	}
	n.closeSessionsForProvider(svcIdx, kindServiceServer)
	n.submitUnregisterService(svc.Service, tcprosURI(n.LocalHost, n.tcprosPort))
	n.Registry.ServiceProviders.Unregister(svcIdx)
}

// UnregisterServiceCaller drops a service-caller slot. Service callers
// never register with the master in the first place (only lookupService is
// called, on demand) — spec.md §6 names no unregisterServiceCaller method —
// so this is a registry-only teardown. Any cached persistent connection in
// n.conns is left for a future caller to the same endpoint to reuse, and is
// only closed by Close or by idling out.
func (n *Node) UnregisterServiceCaller(callerIdx int) {
	n.Registry.ServiceCallers.Unregister(callerIdx)
}

// closeSessionsForProvider closes every live session's socket belonging to
// the given provider slot and kind. The next stepSessions tick observes the
// resulting error on Step and finishes detaching it via detachSession — the
// same teardown path engine.go's closeIdleSession already uses.
func (n *Node) closeSessionsForProvider(providerIdx int, kind sessionKind) {
	for _, as := range n.sessions {
		if as.kind == kind && as.providerIdx == providerIdx && !as.session.IsClosed() {
			as.session.Conn.Close()
		}
	}
}
