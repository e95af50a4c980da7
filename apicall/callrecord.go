// Package apicall implements the outbound RPC call queue and dispatcher from
// spec.md §3/§4.4: the per-call record, its FIFO, and the policy that
// serializes at most one in-flight call per (host, port) endpoint.
//
// Grounded directly on original_source/include/cros_api_call.h's RosApiCall /
// ApiCallNode / ApiCallQueue struct shapes — this package is an idiomatic-Go
// rendering of that C arena: CallRecord replaces the void* context/callback
// pointers with typed Go func values, and Queue replaces manual malloc/free
// with ordinary heap-allocated nodes freed by the garbage collector.
package apicall

import "crosnode/xmlrpc"

// Method enumerates the outbound RPC selectors named in spec.md §3 and §6.
type Method int

const (
	RegisterPublisher Method = iota
	UnregisterPublisher
	RegisterSubscriber
	UnregisterSubscriber
	RegisterService
	UnregisterService
	LookupService
	RequestTopic
	GetParam
	SetParam
	DeleteParam
	HasParam
)

func (m Method) String() string {
	switch m {
	case RegisterPublisher:
		return "registerPublisher"
	case UnregisterPublisher:
		return "unregisterPublisher"
	case RegisterSubscriber:
		return "registerSubscriber"
	case UnregisterSubscriber:
		return "unregisterSubscriber"
	case RegisterService:
		return "registerService"
	case UnregisterService:
		return "unregisterService"
	case LookupService:
		return "lookupService"
	case RequestTopic:
		return "requestTopic"
	case GetParam:
		return "getParam"
	case SetParam:
		return "setParam"
	case DeleteParam:
		return "deleteParam"
	case HasParam:
		return "hasParam"
	default:
		return "unknown"
	}
}

// Endpoint is the (host, port) pair a call targets — the master, or a peer
// node's XML-RPC server.
type Endpoint struct {
	Host string
	Port int
}

// ResultCallback is invoked exactly once per call record (spec.md's
// callback-once invariant), with result==nil on any failure path (Transport,
// Timeout, XmlrpcCodec, or Cancelled).
type ResultCallback func(callID int, result any, context any)

// FetchResultFunc materializes a typed result from a decoded XML-RPC
// response params vector; it is method-specific (e.g. registerSubscriber's
// fetch pulls out the publisher URI array).
type FetchResultFunc func(params []xmlrpc.Value) (any, error)

// FreeResultFunc releases any resources a materialized result holds. Most
// results are plain Go values with nothing to free; it exists to preserve
// the "free_result invoked exactly once if result non-nil" invariant from
// spec.md §3 for result kinds that do hold a resource (e.g. a provider
// endpoint cache entry).
type FreeResultFunc func(result any)

// CallRecord is the Go rendering of RosApiCall.
type CallRecord struct {
	ID             int
	Method         Method
	CallerID       string
	Args           []any
	Target         Endpoint
	ProviderIdx    int
	ResultCallback ResultCallback
	Context        any
	FetchResult    FetchResultFunc
	FreeResult     FreeResultFunc

	next *CallRecord
}

// complete invokes the record's callback-once contract: callback, then free.
// result arrives already materialized; FetchResult is not run here. It is safe to
// call with result==nil to signal a definitive failure.
func (c *CallRecord) complete(result any) {
	if c.ResultCallback != nil {
		c.ResultCallback(c.ID, result, c.Context)
	}
	if result != nil && c.FreeResult != nil {
		c.FreeResult(result)
	}
}
