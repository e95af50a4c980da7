// Typed convenience wrappers over the byte-in/byte-out service API, built on
// rpcreflect the way server/service.go's reflection-based method dispatch
// inspired it: a caller supplies an ordinary Go function and struct types
// instead of hand-rolling msgpack encode/decode at every call site.
package node

import "crosnode/rpcreflect"

// RegisterServiceProviderTyped wraps fn — func(args *ArgsType, reply
// *ReplyType) error — into the raw Handle signature RegisterServiceProvider
// expects, so a host program's service handler never touches the wire codec
// directly.
func (n *Node) RegisterServiceProviderTyped(service, typeName, md5sum, requestType, responseType string, fn any) (int, error) {
	handler, err := rpcreflect.Wrap(fn)
	if err != nil {
		return 0, err
	}
	idx := n.RegisterServiceProvider(service, typeName, md5sum, requestType, responseType, handler)
	return idx, nil
}

// CallServiceTyped performs one CallService round trip with args/reply as
// ordinary Go values rather than pre-encoded bytes.
func (n *Node) CallServiceTyped(callerIdx int, args, reply any) error {
	call := rpcreflect.Handler(func(request []byte) ([]byte, error) {
		return n.CallService(callerIdx, request)
	})
	return rpcreflect.Call(call, args, reply)
}

// RegisterServiceGroup scans rcvr's exported RPC-shaped methods — func
// (receiver) MethodName(args *ArgsType, reply *ReplyType) error — and
// registers one service per match, named "<prefix>/<MethodName>". Useful
// when a host program groups several related calls (e.g. a parameter
// server's Get/Set/Delete) on one receiver instead of registering each by
// hand. md5sum/typeName are shared across the group since this repository
// has no per-method IDL metadata to draw them from.
func (n *Node) RegisterServiceGroup(prefix string, rcvr any) (map[string]int, error) {
	handlers, err := rpcreflect.WrapBundle(rcvr)
	if err != nil {
		return nil, err
	}
	indices := make(map[string]int, len(handlers))
	for name, handler := range handlers {
		service := prefix + "/" + name
		indices[name] = n.RegisterServiceProvider(service, "", "*", "", "", handler)
	}
	return indices, nil
}
