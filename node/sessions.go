// Session wiring between the registry, the dispatcher, and live TCPROS
// connections: resolving a subscription's known publishers into client
// sessions, and accepting inbound publisher/service connections into
// server-role sessions. Grounded on spec.md §2's data-flow narrative
// ("on success, for each returned publisher URI, Dispatcher enqueues a
// requestTopic RPC... then a TCPROS client session is created").
package node

import (
	"strconv"
	"time"

	"crosnode/apicall"
	"crosnode/errs"
	"crosnode/ioreactor"
	"crosnode/registry"
	"crosnode/tcpros"
	"crosnode/xmlrpc"
)

const dialDeadline = 2 * time.Second
const acceptHeaderDeadline = 2 * time.Second

func (n *Node) findSubscriberByTopic(topic string) (int, *registry.SubscriberSlot, bool) {
	var idx = -1
	var found *registry.SubscriberSlot
	n.Registry.Subscribers.Each(func(i int, s *registry.SubscriberSlot) {
		if idx == -1 && s.Topic == topic {
			idx = i
			found = s
		}
	})
	return idx, found, idx != -1
}

func (n *Node) findPublisherByTopic(topic string) (int, *registry.PublisherSlot, bool) {
	var idx = -1
	var found *registry.PublisherSlot
	n.Registry.Publishers.Each(func(i int, p *registry.PublisherSlot) {
		if idx == -1 && p.Topic == topic {
			idx = i
			found = p
		}
	})
	return idx, found, idx != -1
}

func (n *Node) findServiceProviderByName(service string) (int, *registry.ServiceProviderSlot, bool) {
	var idx = -1
	var found *registry.ServiceProviderSlot
	n.Registry.ServiceProviders.Each(func(i int, s *registry.ServiceProviderSlot) {
		if idx == -1 && s.Service == service {
			idx = i
			found = s
		}
	})
	return idx, found, idx != -1
}

// openSubscriberSessions enqueues a requestTopic call against every
// publisher URI registerSubscriber returned, per spec.md §2's data flow.
func (n *Node) openSubscriberSessions(subIdx int, uris []string) {
	for _, uri := range uris {
		n.submitRequestTopic(subIdx, uri)
	}
}

// submitRequestTopic enqueues requestTopic against a publisher's XML-RPC
// endpoint, skipping URIs this subscription already has a live session to.
func (n *Node) submitRequestTopic(subIdx int, peerURI string) {
	sub, ok := n.Registry.Subscribers.Get(subIdx)
	if !ok {
		return
	}
	host, port, err := parseHostPort(peerURI)
	if err != nil {
		return
	}
	key := host + ":" + strconv.Itoa(port)
	if _, connected := sub.Sessions[key]; connected {
		return
	}

	call := &apicall.CallRecord{
		Method:      apicall.RequestTopic,
		CallerID:    n.Name,
		Target:      apicall.Endpoint{Host: host, Port: port},
		ProviderIdx: subIdx,
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(sub.Topic),
			xmlrpc.Arr(xmlrpc.Arr(xmlrpc.Str("TCPROS"))),
		),
		FetchResult: fetchRequestTopic(),
		ResultCallback: func(id int, result any, context any) {
			ep, ok := result.(tcprosEndpoint)
			if !ok {
				n.Log.WithField("topic", sub.Topic).Warn("requestTopic failed")
				return
			}
			n.openTopicClientSession(subIdx, key, ep)
		},
	}
	n.submit(call)
}

// tcprosEndpoint is the materialized result of a requestTopic call: the
// peer's TCPROS data-plane address (distinct from the XML-RPC endpoint the
// call itself was sent to).
type tcprosEndpoint struct {
	host string
	port int
}

func fetchRequestTopic() apicall.FetchResultFunc {
	return func(params []xmlrpc.Value) (any, error) {
		status := fetchStatusOnly("requestTopic")
		if _, err := status(params); err != nil {
			return nil, err
		}
		proto, err := params[2].AsArray()
		if err != nil || len(proto) < 3 {
			return nil, errs.New(errs.XmlrpcCodec, "requestTopic: malformed protocol tuple")
		}
		host, err := proto[1].AsString()
		if err != nil {
			return nil, err
		}
		port, err := proto[2].AsInt()
		if err != nil {
			return nil, err
		}
		return tcprosEndpoint{host: host, port: int(port)}, nil
	}
}

// openTopicClientSession dials a publisher's TCPROS endpoint and installs a
// subscriber-role client Session bound to subIdx, keyed by the publisher's
// XML-RPC "host:port" so a later publisherUpdate can recognize it.
func (n *Node) openTopicClientSession(subIdx int, key string, ep tcprosEndpoint) {
	sub, ok := n.Registry.Subscribers.Get(subIdx)
	if !ok {
		return
	}
	addr := ep.host + ":" + strconv.Itoa(ep.port)
	conn, err := ioreactor.Dial("tcp", addr, dialDeadline)
	if err != nil {
		n.Log.WithField("topic", sub.Topic).WithError(err).Warn("dial publisher failed")
		return
	}
	request := tcpros.Header{
		{Key: "callerid", Value: n.Name},
		{Key: "topic", Value: sub.Topic},
		{Key: "md5sum", Value: sub.MD5Sum},
		{Key: "type", Value: sub.TypeName},
	}
	sess := tcpros.NewClientSession(tcpros.RoleSubscriber, conn, sub.MD5Sum, sub.TypeName, request)
	sess.ProviderIdx = subIdx
	sess.OnMessage = func(payload []byte) error {
		if n.Metrics != nil {
			n.Metrics.MessagesReceived.WithLabelValues(sub.Topic).Inc()
		}
		return sub.OnMessage(payload)
	}

	sub.Sessions[key] = sess
	n.Registry.Subscribers.Set(subIdx, sub)
	n.trackSession(&acceptedSession{session: sess, providerIdx: subIdx, kind: kindTopicClient})
}
