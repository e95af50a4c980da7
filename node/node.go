// Package node implements the top-level client-node runtime: the public
// constructor and registration API a host program drives, wrapping the
// registry, dispatcher, control-plane server, and TCPROS sessions into the
// single cooperative Engine described by spec.md §4.8.
//
// Grounded on original_source/samples/performance-test.c's public function
// names (cRosNodeCreate, cRosApiRegisterSubscriber, cRosNodeSendTopicMsg,
// cRosNodeServiceCall, cRosNodeDestroy) and its four-argument node
// constructor shape (name, local_host, master_host, master_port, msg_db_path).
package node

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"crosnode/apicall"
	"crosnode/clock"
	"crosnode/config"
	"crosnode/controlplane"
	"crosnode/errs"
	"crosnode/ioreactor"
	"crosnode/metrics"
	"crosnode/middleware"
	"crosnode/registry"
	"crosnode/tcpros"
	"crosnode/xmlrpc"
)

// acceptedSession binds a live tcpros.Session to the registry slot and role
// that own it, so the engine can route OnMessage/OnServiceRequest callbacks
// and clean up the right slot's Sessions map when the connection closes.
type acceptedSession struct {
	id          int
	session     *tcpros.Session
	providerIdx int
	kind        sessionKind
}

type sessionKind int

const (
	kindPublisherSubscriber sessionKind = iota // inbound: this node publishes, peer subscribes
	kindServiceServer                          // inbound: this node serves, peer calls
	kindTopicClient                            // outbound: this node subscribes to a peer publisher
	kindServiceClient                          // outbound: this node calls a peer service
)

// Node is the client-side runtime for one named endpoint in the pub/sub +
// RPC middleware. The zero value is not usable; build one with NewNode.
type Node struct {
	Name       string
	LocalHost  string
	MasterHost string
	MasterPort int
	Pid        int

	Registry   *registry.Registry
	Dispatcher *apicall.Dispatcher
	Wheel      *clock.Wheel
	Control    *controlplane.Server
	Metrics    *metrics.Collector
	Log        *logrus.Logger

	xmlrpcListener *ioreactor.Listener
	tcprosListener *ioreactor.Listener
	xmlrpcPort     int
	tcprosPort     int

	sessions []*acceptedSession
	outbound []*outboundCall // in-flight outbound XML-RPC calls, stepped non-blockingly
	conns    *connPool       // idle connections for persistent service callers

	attempts map[int]int // callID -> attempts so far, for Dispatcher.Fail's retry budget

	exitRequested bool
	fairCounter   int64
	nextSessionID int

	loopBudgetUsec  int64 // Start's tick duration; 0 falls back to the 20ms default
	sessionIdleUsec int64 // >0 arms a KindSessionIdle deadline on every newly opened session
}

// trackSession assigns as a stable id (independent of its position in
// n.sessions, which shifts every time pruneClosedSessions compacts the
// slice), appends it, and — if configured — arms an idle-close deadline
// keyed by that id rather than by slice index.
func (n *Node) trackSession(as *acceptedSession) {
	as.id = n.nextSessionID
	n.nextSessionID++
	n.sessions = append(n.sessions, as)
	if n.sessionIdleUsec > 0 {
		n.Wheel.Schedule(clock.Now()+n.sessionIdleUsec, clock.KindSessionIdle, as.id)
	}
}

// NewNode builds a Node bound to local host/port listeners and pointed at a
// master. msgDBPath is accepted for constructor-shape parity with
// original_source's cRosNodeCreate but unused: message schema loading is an
// external collaborator concern this repository's scope excludes.
func NewNode(name, localHost, masterHost string, masterPort int, msgDBPath string) (*Node, error) {
	xmlrpcListener, err := ioreactor.Listen("tcp", localHost+":0")
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "listen xmlrpc", err)
	}
	tcprosListener, err := ioreactor.Listen("tcp", localHost+":0")
	if err != nil {
		xmlrpcListener.Close()
		return nil, errs.Wrap(errs.Transport, "listen tcpros", err)
	}

	log := logrus.New()
	wheel := clock.NewWheel()

	n := &Node{
		Name:           name,
		LocalHost:      localHost,
		MasterHost:     masterHost,
		MasterPort:     masterPort,
		Pid:            os.Getpid(),
		Registry:       registry.New(),
		Dispatcher:     apicall.NewDispatcher(wheel, 20, 5, 3),
		Wheel:          wheel,
		Control:        controlplane.NewServer(),
		Metrics:        metrics.NewCollector(),
		Log:            log,
		xmlrpcListener: xmlrpcListener,
		tcprosListener: tcprosListener,
		xmlrpcPort:      addrPort(xmlrpcListener),
		tcprosPort:      addrPort(tcprosListener),
		conns:           newConnPool(),
		attempts:        make(map[int]int),
		loopBudgetUsec:  config.Default().Timing.LoopBudgetUsec,
		sessionIdleUsec: config.Default().Timing.SessionIdleUsec,
	}
	n.registerControlPlaneHandlers()
	return n, nil
}

// NewNodeFromConfig builds a Node the way a host program driven by a YAML
// file would: cfg.Dispatcher tunes admission/retry, cfg.Timing.LoopBudgetUsec
// becomes the tick RunOnce is invoked with (see cmd/crosnoded), and the rest
// mirrors NewNode's four positional arguments.
func NewNodeFromConfig(cfg *config.NodeConfig) (*Node, error) {
	n, err := NewNode(cfg.Name, cfg.LocalHost, cfg.MasterHost, cfg.MasterPort, cfg.MsgDBPath)
	if err != nil {
		return nil, err
	}
	n.Dispatcher = apicall.NewDispatcher(n.Wheel, cfg.Dispatcher.AdmitRatePerSec, cfg.Dispatcher.AdmitBurst, cfg.Dispatcher.MaxRetry)
	n.loopBudgetUsec = cfg.Timing.LoopBudgetUsec
	n.sessionIdleUsec = cfg.Timing.SessionIdleUsec
	return n, nil
}

func addrPort(l *ioreactor.Listener) int {
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// XMLRPCURI is the node's advertised control-plane endpoint, handed to the
// master and peers as caller_api / publisher URIs.
func (n *Node) XMLRPCURI() string {
	return "http://" + n.LocalHost + ":" + itoa(n.xmlrpcPort) + "/"
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RegisterPublisher advertises a topic. The master registration RPC is
// enqueued immediately; its completion is otherwise fire-and-forget from the
// caller's perspective (spec.md §4.7's "atomically installs the slot,
// enqueues registerPublisher, and returns").
func (n *Node) RegisterPublisher(topic, typeName, md5sum, definition string, intervalUsec int64, onFire func() ([]byte, error)) int {
	idx := n.Registry.Publishers.Register(&registry.PublisherSlot{
		Topic:        topic,
		TypeName:     typeName,
		MD5Sum:       md5sum,
		Definition:   definition,
		IntervalUsec: intervalUsec,
		OnFire:       onFire,
		Subscribers:  make(map[int]*tcpros.Session),
	})
	if intervalUsec > 0 {
		n.Wheel.Schedule(clock.Now()+intervalUsec, clock.KindPublisherTick, idx)
	}
	n.submitRegisterPublisher(idx)
	return idx
}

// RegisterSubscriber advertises interest in a topic. On success the
// controlplane publisherUpdate handler (and the initial registerSubscriber
// response) drive opening TCPROS client sessions to each known publisher.
func (n *Node) RegisterSubscriber(topic, typeName, md5sum string, tcpNoDelay bool, onMessage func([]byte) error) int {
	idx := n.Registry.Subscribers.Register(&registry.SubscriberSlot{
		Topic:      topic,
		TypeName:   typeName,
		MD5Sum:     md5sum,
		OnMessage:  onMessage,
		TCPNoDelay: tcpNoDelay,
		Sessions:   make(map[string]*tcpros.Session),
	})
	n.submitRegisterSubscriber(idx)
	return idx
}

// RegisterServiceProvider advertises a named service. handle is wrapped
// through rpcreflect by the caller (or supplied already byte-shaped); see
// acceptServiceCall in node/engine.go for how inbound AwaitingRequest
// sessions get it.
func (n *Node) RegisterServiceProvider(service, typeName, md5sum, requestType, responseType string, handle func([]byte) ([]byte, error)) int {
	idx := n.Registry.ServiceProviders.Register(&registry.ServiceProviderSlot{
		Service:      service,
		TypeName:     typeName,
		MD5Sum:       md5sum,
		RequestType:  requestType,
		ResponseType: responseType,
		Handle: func(request []byte) ([]byte, error) {
			return handle(request)
		},
		Sessions: make(map[int]*tcpros.Session),
	})
	n.submitRegisterService(idx)
	return idx
}

// RegisterServiceCaller advertises intent to call a service, resolved
// lazily via lookupService on first CallService or periodic tick.
func (n *Node) RegisterServiceCaller(service, typeName, md5sum string, persistent bool, intervalUsec int64, onResponse func([]byte, error)) int {
	idx := n.Registry.ServiceCallers.Register(&registry.ServiceCallerSlot{
		Service:      service,
		TypeName:     typeName,
		MD5Sum:       md5sum,
		OnResponse:   onResponse,
		Persistent:   persistent,
		IntervalUsec: intervalUsec,
	})
	if intervalUsec > 0 {
		n.Wheel.Schedule(clock.Now()+intervalUsec, clock.KindServiceCallerTick, idx)
	}
	return idx
}

// PublisherMessage is the opaque payload handed to SendTopicMessage. Wire
// serialization of user message types is an external collaborator concern
// (spec.md §1); this repository treats the payload as already-encoded bytes.
type PublisherMessage struct {
	Payload []byte
}

// NewPublisherMessage returns an empty message buffer for pubIdx, mirroring
// original_source's create_publisher_message entry point.
func (n *Node) NewPublisherMessage(pubIdx int) (*PublisherMessage, error) {
	if _, ok := n.Registry.Publishers.Get(pubIdx); !ok {
		return nil, errs.New(errs.Usage, "invalid publisher slot")
	}
	return &PublisherMessage{}, nil
}

// SendTopicMessage appends msg's payload to every live subscriber session of
// pubIdx's topic, per spec.md §4.6's publisher Streaming state.
func (n *Node) SendTopicMessage(pubIdx int, msg *PublisherMessage) error {
	pub, ok := n.Registry.Publishers.Get(pubIdx)
	if !ok {
		return errs.New(errs.Usage, "invalid publisher slot")
	}
	for _, sess := range pub.Subscribers {
		if sess.State == tcpros.Streaming {
			sess.EnqueueMessage(msg.Payload)
		}
	}
	if n.Metrics != nil {
		n.Metrics.MessagesPublished.WithLabelValues(pub.Topic).Inc()
	}
	return nil
}

// closeDrainTicks/closeDrainTick bound how long Close spends trying to
// deliver the unregister RPCs enqueueUnregisterCalls submits before giving
// up and cancelling whatever is left — Close is a one-shot teardown a host
// program calls exactly once, not a per-tick operation competing with live
// sessions for engine time, so a short bounded wait here is acceptable even
// though the same pattern would be wrong inside RunOnce.
const closeDrainTicks = 50
const closeDrainTick = 20 * time.Millisecond

// Close drains the dispatcher by issuing the master unregister RPC for
// every still-live publisher/subscriber/service slot (spec.md §3's
// "destroying the node drains the queue by issuing the matching unregister
// RPCs"), gives those calls a bounded number of ticks to actually reach the
// master, then cancels anything still pending (e.g. an unreachable master)
// and closes every session and listener — spec.md's graceful-destroy
// property: every socket closed, every outstanding callback invoked.
func (n *Node) Close() error {
	n.enqueueUnregisterCalls()
	for i := 0; i < closeDrainTicks && n.Dispatcher.Len() > 0; i++ {
		n.admitOutboundCalls()
		n.stepOutboundCalls()
		time.Sleep(closeDrainTick)
	}
	n.Dispatcher.CancelAll()
	for _, as := range n.sessions {
		as.session.Conn.Close()
	}
	n.sessions = nil
	n.conns.closeAll()
	n.xmlrpcListener.Close()
	n.tcprosListener.Close()
	return nil
}

// enqueueUnregisterCalls submits the matching unregister RPC for every slot
// still live when Close is called.
func (n *Node) enqueueUnregisterCalls() {
	n.Registry.Publishers.Each(func(idx int, pub *registry.PublisherSlot) {
		n.submitUnregisterPublisher(pub.Topic, n.XMLRPCURI())
	})
	n.Registry.Subscribers.Each(func(idx int, sub *registry.SubscriberSlot) {
		n.submitUnregisterSubscriber(sub.Topic, n.XMLRPCURI())
	})
	n.Registry.ServiceProviders.Each(func(idx int, svc *registry.ServiceProviderSlot) {
		n.submitUnregisterService(svc.Service, tcprosURI(n.LocalHost, n.tcprosPort))
	})
}

// buildArgs converts a caller_id + plain values into the xmlrpc.Value vector
// apicall.CallRecord.Args carries as []any — each element already holds a
// concrete xmlrpc.Value rather than a Go primitive, since the node package is
// the only layer that knows how to project application values onto the wire
// codec's type set.
func buildArgs(values ...xmlrpc.Value) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func valuesOf(args []any) []xmlrpc.Value {
	vals := make([]xmlrpc.Value, len(args))
	for i, a := range args {
		vals[i] = a.(xmlrpc.Value)
	}
	return vals
}

// middlewareChain is the default onion applied to every inbound
// control-plane handler, per SPEC_FULL §4.5.1.
func (n *Node) middlewareChain() middleware.Middleware {
	return middleware.Chain(
		middleware.LoggingMiddleware(n.Log),
		middleware.RateLimitMiddleware(50, 20),
		middleware.TimeoutMiddleware(n.Log, 5000),
	)
}
