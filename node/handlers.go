// registerControlPlaneHandlers wires the eight inbound XML-RPC methods
// spec.md §4.5 requires onto the node's control-plane server, each wrapped
// through the node's middleware chain (see Node.middlewareChain).
package node

import (
	"crosnode/errs"
	"crosnode/registry"
	"crosnode/xmlrpc"
)

func (n *Node) registerControlPlaneHandlers() {
	chain := n.middlewareChain()
	n.Control.Handle("publisherUpdate", chain(n.handlePublisherUpdate))
	n.Control.Handle("requestTopic", chain(n.handleRequestTopic))
	n.Control.Handle("getPid", chain(n.handleGetPid))
	n.Control.Handle("getBusInfo", chain(n.handleGetBusInfo))
	n.Control.Handle("getBusStats", chain(n.handleGetBusStats))
	n.Control.Handle("getSubscriptions", chain(n.handleGetSubscriptions))
	n.Control.Handle("getPublications", chain(n.handleGetPublications))
	n.Control.Handle("shutdown", chain(n.handleShutdown))
}

// handlePublisherUpdate reconciles a subscription's known publisher set:
// URIs not yet connected get a requestTopic call enqueued; sessions whose
// URI no longer appears are closed immediately, per spec.md §8 scenario 6.
func (n *Node) handlePublisherUpdate(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	if len(args) < 3 {
		return nil, errs.New(errs.Usage, "publisherUpdate: expected 3 args")
	}
	topic, err := args[1].AsString()
	if err != nil {
		return nil, err
	}
	list, err := args[2].AsArray()
	if err != nil {
		return nil, err
	}

	subIdx, sub, ok := n.findSubscriberByTopic(topic)
	if !ok {
		return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Int32(0)}, nil
	}

	wanted := make(map[string]bool, len(list))
	for _, v := range list {
		uri, err := v.AsString()
		if err != nil {
			continue
		}
		host, port, err := parseHostPort(uri)
		if err != nil {
			continue
		}
		key := host + ":" + itoa(port)
		wanted[key] = true
		if _, connected := sub.Sessions[key]; !connected {
			n.submitRequestTopic(subIdx, uri)
		}
	}
	for key, sess := range sub.Sessions {
		if !wanted[key] {
			sess.Conn.Close()
			delete(sub.Sessions, key)
		}
	}
	n.Registry.Subscribers.Set(subIdx, sub)
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Int32(0)}, nil
}

// handleRequestTopic answers a peer subscriber asking for this node's
// TCPROS endpoint for topic, per spec.md §6's `[code, status, [protocolName,
// host, port]]` shape. An unknown topic is a protocol-level "no", not a
// fault: code 0 with an explanatory status, matching spec.md §4.5's registry
// snapshot methods' convention of signaling failure through the envelope
// rather than an XML-RPC fault.
func (n *Node) handleRequestTopic(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	if len(args) < 2 {
		return nil, errs.New(errs.Usage, "requestTopic: expected at least 2 args")
	}
	topic, err := args[1].AsString()
	if err != nil {
		return nil, err
	}
	_, _, ok := n.findPublisherByTopic(topic)
	if !ok {
		return []xmlrpc.Value{xmlrpc.Int32(0), xmlrpc.Str("no such topic: " + topic), xmlrpc.Int32(0)}, nil
	}
	return []xmlrpc.Value{
		xmlrpc.Int32(1),
		xmlrpc.Str(""),
		xmlrpc.Arr(xmlrpc.Str("TCPROS"), xmlrpc.Str(n.LocalHost), xmlrpc.Int32(int32(n.tcprosPort))),
	}, nil
}

func (n *Node) handleGetPid(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Int32(int32(n.Pid))}, nil
}

// handleGetBusInfo reports one row per live TCPROS session. Per-connection
// byte/message counters are not tracked (no component needs them beyond
// this snapshot), so only identity and direction are reported — see
// DESIGN.md.
func (n *Node) handleGetBusInfo(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	rows := make([]xmlrpc.Value, 0, len(n.sessions))
	for i, as := range n.sessions {
		direction := "out"
		if as.kind == kindPublisherSubscriber || as.kind == kindServiceServer {
			direction = "in"
		}
		rows = append(rows, xmlrpc.Arr(
			xmlrpc.Int32(int32(i)),
			xmlrpc.Str(as.session.Conn.Raw().RemoteAddr().String()),
			xmlrpc.Str(direction),
			xmlrpc.Str("TCPROS"),
			xmlrpc.Boolean(!as.session.IsClosed()),
		))
	}
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Arr(rows...)}, nil
}

// handleGetBusStats reports the three stats arrays real ROS clients expect
// (publish, subscribe, service); this node does not accumulate per-topic
// byte/rate counters beyond what `metrics` exposes on its own endpoint, so
// each array is empty rather than fabricated — see DESIGN.md.
func (n *Node) handleGetBusStats(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	return []xmlrpc.Value{
		xmlrpc.Int32(1),
		xmlrpc.Str(""),
		xmlrpc.Arr(xmlrpc.Arr(), xmlrpc.Arr(), xmlrpc.Arr()),
	}, nil
}

func (n *Node) handleGetSubscriptions(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	var rows []xmlrpc.Value
	n.Registry.Subscribers.Each(func(idx int, sub *registry.SubscriberSlot) {
		rows = append(rows, xmlrpc.Arr(xmlrpc.Str(sub.Topic), xmlrpc.Str(sub.TypeName)))
	})
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Arr(rows...)}, nil
}

func (n *Node) handleGetPublications(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	var rows []xmlrpc.Value
	n.Registry.Publishers.Each(func(idx int, pub *registry.PublisherSlot) {
		rows = append(rows, xmlrpc.Arr(xmlrpc.Str(pub.Topic), xmlrpc.Str(pub.TypeName)))
	})
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Arr(rows...)}, nil
}

// handleShutdown sets the exit flag Engine.RunOnce checks on its sixth step
// (spec.md §4.8's "check the caller-supplied exit flag").
func (n *Node) handleShutdown(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	n.exitRequested = true
	return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str("shutdown"), xmlrpc.Int32(0)}, nil
}
