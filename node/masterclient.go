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

// callDeadline bounds sendCallSync's one-shot round trip. Dispatcher-queued
// calls no longer use this path — they are driven non-blockingly through
// node/outbound.go's outboundCall state machine, one Step per RunOnce, so a
// slow peer can't stall other live sessions. sendCallSync itself survives
// for callservice.go's resolveServiceCallerSync: CallService's
// immediate-resolve path is a deliberate, explicit one-shot call a host
// program blocks on synchronously, the same shape CallService's own TCPROS
// round trip already takes.
const callDeadline = 3 * time.Second

// sendCallSync performs one XML-RPC call against target and returns its
// decoded response params, or a classified error (errs.Transport,
// errs.Timeout, or errs.XmlrpcCodec). Used only by resolveServiceCallerSync;
// writeAllBlocking below is also used by
// callservice.go's own bounded blocking round trips.
func sendCallSync(target apicall.Endpoint, method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	addr := target.Host + ":" + strconv.Itoa(target.Port)
	conn, err := ioreactor.Dial("tcp", addr, callDeadline)
	if err != nil {
		if err == ioreactor.ErrTimeout {
			return nil, errs.Wrap(errs.Timeout, "dial "+addr, err)
		}
		return nil, errs.Wrap(errs.Transport, "dial "+addr, err)
	}
	defer conn.Close()

	request := xmlrpc.EncodeCall(method, args)
	if err := writeAllBlocking(conn, request, callDeadline); err != nil {
		return nil, errs.Wrap(errs.Transport, "write request", err)
	}

	params, fault, err := readResponseBlocking(conn, callDeadline)
	if err != nil {
		return nil, err
	}
	if fault != nil {
		return nil, errs.New(errs.XmlrpcCodec, fault.Error())
	}
	return params, nil
}

func writeAllBlocking(conn *ioreactor.Conn, buf []byte, deadline time.Duration) error {
	start := time.Now()
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		buf = buf[n:]
		if err != nil && err != ioreactor.ErrWouldBlock {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
		if time.Since(start) > deadline {
			return ioreactor.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// readResponseBlocking accumulates raw bytes off a non-blocking Conn,
// attempting a parse after every read — xmlrpc.DecodeResponse itself reports
// a malformed-request error for a still-truncated buffer, so a failed parse
// just means "keep reading," mirroring controlplane.Server.readRequest's own
// speculative-parse loop on the inbound side.
func readResponseBlocking(conn *ioreactor.Conn, deadline time.Duration) ([]xmlrpc.Value, *xmlrpc.Fault, error) {
	start := time.Now()
	var accumulated []byte
	for {
		var chunk [4096]byte
		n, err := conn.Read(chunk[:])
		if n > 0 {
			accumulated = append(accumulated, chunk[:n]...)
		}
		if len(accumulated) > 0 {
			params, fault, decErr := xmlrpc.DecodeResponse(bytes.NewReader(accumulated))
			if decErr == nil {
				return params, fault, nil
			}
		}
		if err != nil && err != ioreactor.ErrWouldBlock && err != ioreactor.ErrPeerClosed {
			return nil, nil, errs.Wrap(errs.Transport, "read response", err)
		}
		if err == ioreactor.ErrPeerClosed {
			return nil, nil, errs.New(errs.Transport, "peer closed before a complete response arrived")
		}
		if time.Since(start) > deadline {
			return nil, nil, errs.New(errs.Timeout, "timed out reading xmlrpc response")
		}
		time.Sleep(time.Millisecond)
	}
}

// submitRegisterPublisher enqueues the registerPublisher call for pubIdx.
func (n *Node) submitRegisterPublisher(pubIdx int) {
	pub, ok := n.Registry.Publishers.Get(pubIdx)
	if !ok {
		return
	}
	call := &apicall.CallRecord{
		Method:      apicall.RegisterPublisher,
		CallerID:    n.Name,
		Target:      apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		ProviderIdx: pubIdx,
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(pub.Topic),
			xmlrpc.Str(pub.TypeName),
			xmlrpc.Str(n.XMLRPCURI()),
		),
		FetchResult: fetchStatusOnly("registerPublisher"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("topic", pub.Topic).Warn("registerPublisher failed")
			}
		},
	}
	n.submit(call)
}

// submitRegisterSubscriber enqueues registerSubscriber and, on success,
// enqueues requestTopic for every returned publisher URI.
func (n *Node) submitRegisterSubscriber(subIdx int) {
	sub, ok := n.Registry.Subscribers.Get(subIdx)
	if !ok {
		return
	}
	call := &apicall.CallRecord{
		Method:      apicall.RegisterSubscriber,
		CallerID:    n.Name,
		Target:      apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		ProviderIdx: subIdx,
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(sub.Topic),
			xmlrpc.Str(sub.TypeName),
			xmlrpc.Str(n.XMLRPCURI()),
		),
		FetchResult: fetchURIList("registerSubscriber"),
		ResultCallback: func(id int, result any, context any) {
			uris, ok := result.([]string)
			if !ok {
				n.Log.WithField("topic", sub.Topic).Warn("registerSubscriber failed")
				return
			}
			n.openSubscriberSessions(subIdx, uris)
		},
	}
	n.submit(call)
}

// submitRegisterService enqueues registerService for a freshly registered
// provider slot.
func (n *Node) submitRegisterService(svcIdx int) {
	svc, ok := n.Registry.ServiceProviders.Get(svcIdx)
	if !ok {
		return
	}
	call := &apicall.CallRecord{
		Method:      apicall.RegisterService,
		CallerID:    n.Name,
		Target:      apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		ProviderIdx: svcIdx,
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(svc.Service),
			xmlrpc.Str(tcprosURI(n.LocalHost, n.tcprosPort)),
			xmlrpc.Str(n.XMLRPCURI()),
		),
		FetchResult: fetchStatusOnly("registerService"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("service", svc.Service).Warn("registerService failed")
			}
		},
	}
	n.submit(call)
}

// submitUnregisterPublisher enqueues the master's unregisterPublisher RPC
// for a slot about to be freed. Fire-and-forget, like
// submitRegisterPublisher: by the time any response arrives the slot is
// already gone from the registry, so there is nothing left to update on
// success or failure beyond a diagnostic log.
func (n *Node) submitUnregisterPublisher(topic, uri string) {
	call := &apicall.CallRecord{
		Method:   apicall.UnregisterPublisher,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(topic),
			xmlrpc.Str(uri),
		),
		FetchResult: fetchStatusOnly("unregisterPublisher"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("topic", topic).Warn("unregisterPublisher failed")
			}
		},
	}
	n.submit(call)
}

// submitUnregisterSubscriber enqueues the master's unregisterSubscriber RPC.
func (n *Node) submitUnregisterSubscriber(topic, uri string) {
	call := &apicall.CallRecord{
		Method:   apicall.UnregisterSubscriber,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(topic),
			xmlrpc.Str(uri),
		),
		FetchResult: fetchStatusOnly("unregisterSubscriber"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("topic", topic).Warn("unregisterSubscriber failed")
			}
		},
	}
	n.submit(call)
}

// submitUnregisterService enqueues the master's unregisterService RPC.
func (n *Node) submitUnregisterService(service, uri string) {
	call := &apicall.CallRecord{
		Method:   apicall.UnregisterService,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(service),
			xmlrpc.Str(uri),
		),
		FetchResult: fetchStatusOnly("unregisterService"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("service", service).Warn("unregisterService failed")
			}
		},
	}
	n.submit(call)
}

// submitLookupService enqueues lookupService for a caller slot, resolving
// its provider endpoint on completion.
func (n *Node) submitLookupService(callerIdx int) {
	caller, ok := n.Registry.ServiceCallers.Get(callerIdx)
	if !ok {
		return
	}
	call := &apicall.CallRecord{
		Method:      apicall.LookupService,
		CallerID:    n.Name,
		Target:      apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		ProviderIdx: callerIdx,
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(caller.Service),
		),
		FetchResult: fetchServiceURL(),
		ResultCallback: func(id int, result any, context any) {
			host, port, ok := result.(serviceURL).unpack()
			if !ok {
				n.Log.WithField("service", caller.Service).Warn("lookupService failed")
				return
			}
			caller.ProviderHost = host
			caller.ProviderPort = port
			caller.Resolved = true
			n.Registry.ServiceCallers.Set(callerIdx, caller)
		},
	}
	n.submit(call)
}

// submit assigns the call a method-keyed metric and hands it to the
// dispatcher's queue.
func (n *Node) submit(call *apicall.CallRecord) int {
	id := n.Dispatcher.Submit(call)
	if n.Metrics != nil {
		n.Metrics.ApiCallsEnqueued.WithLabelValues(call.Method.String()).Inc()
	}
	return id
}

func tcprosURI(host string, port int) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/"
}

// fetchStatusOnly builds a FetchResultFunc for methods whose response is
// just [code, statusMessage] with no payload beyond success/failure.
func fetchStatusOnly(method string) apicall.FetchResultFunc {
	return func(params []xmlrpc.Value) (any, error) {
		if len(params) < 2 {
			return nil, errs.New(errs.XmlrpcCodec, method+": malformed response")
		}
		code, err := params[0].AsInt()
		if err != nil {
			return nil, err
		}
		if code <= 0 {
			msg, _ := params[1].AsString()
			return nil, errs.New(errs.Registry, method+": "+msg)
		}
		return true, nil
	}
}

// fetchURIList builds a FetchResultFunc for [code, status, []uri] shaped
// responses (registerSubscriber, registerPublisher's subscriber list).
func fetchURIList(method string) apicall.FetchResultFunc {
	return func(params []xmlrpc.Value) (any, error) {
		if len(params) < 3 {
			return nil, errs.New(errs.XmlrpcCodec, method+": malformed response")
		}
		code, err := params[0].AsInt()
		if err != nil {
			return nil, err
		}
		if code <= 0 {
			msg, _ := params[1].AsString()
			return nil, errs.New(errs.Registry, method+": "+msg)
		}
		arr, err := params[2].AsArray()
		if err != nil {
			return nil, err
		}
		uris := make([]string, 0, len(arr))
		for _, v := range arr {
			s, err := v.AsString()
			if err != nil {
				return nil, err
			}
			uris = append(uris, s)
		}
		return uris, nil
	}
}

// serviceURL is the materialized lookupService result.
type serviceURL struct {
	host string
	port int
	ok   bool
}

func (s serviceURL) unpack() (string, int, bool) {
	return s.host, s.port, s.ok
}

func fetchServiceURL() apicall.FetchResultFunc {
	return func(params []xmlrpc.Value) (any, error) {
		if len(params) < 3 {
			return nil, errs.New(errs.XmlrpcCodec, "lookupService: malformed response")
		}
		code, err := params[0].AsInt()
		if err != nil {
			return nil, err
		}
		if code <= 0 {
			msg, _ := params[1].AsString()
			return nil, errs.New(errs.Registry, "lookupService: "+msg)
		}
		raw, err := params[2].AsString()
		if err != nil {
			return nil, err
		}
		host, port, err := parseHostPort(raw)
		if err != nil {
			return nil, err
		}
		return serviceURL{host: host, port: port, ok: true}, nil
	}
}

// parseHostPort extracts host/port from a "http://host:port/" style URI.
func parseHostPort(uri string) (string, int, error) {
	rest := uri
	if i := indexOf(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := indexOf(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	colon := lastIndexOf(rest, ":")
	if colon < 0 {
		return "", 0, errs.New(errs.XmlrpcCodec, "malformed endpoint uri: "+uri)
	}
	host := rest[:colon]
	port, err := strconv.Atoi(rest[colon+1:])
	if err != nil {
		return "", 0, errs.Wrap(errs.XmlrpcCodec, "malformed endpoint port in "+uri, err)
	}
	return host, port, nil
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func lastIndexOf(s, sub string) int {
	last := -1
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			last = i
		}
	}
	return last
}
