// Parameter-server RPCs (spec.md §6): getParam, setParam, deleteParam,
// hasParam. Each is a thin pass-through to the dispatcher, the same
// fire-and-forget submit/callback shape the registration calls use — there
// is no local parameter cache in this repository's scope, every call goes
// to the master.
package node

import (
	"crosnode/apicall"
	"crosnode/errs"
	"crosnode/xmlrpc"
)

// GetParam enqueues getParam for key, invoking onResult with the decoded
// value on completion (ok is false on any failure).
func (n *Node) GetParam(key string, onResult func(value xmlrpc.Value, ok bool)) int {
	call := &apicall.CallRecord{
		Method:   apicall.GetParam,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(key),
		),
		FetchResult: fetchParamValue("getParam"),
		ResultCallback: func(id int, result any, context any) {
			if onResult == nil {
				return
			}
			v, ok := result.(xmlrpc.Value)
			if !ok {
				n.Log.WithField("param", key).Warn("getParam failed")
				onResult(xmlrpc.Value{}, false)
				return
			}
			onResult(v, true)
		},
	}
	return n.submit(call)
}

// SetParam enqueues setParam for key/value, invoking onResult with the
// outcome once the master responds.
func (n *Node) SetParam(key string, value xmlrpc.Value, onResult func(ok bool)) int {
	call := &apicall.CallRecord{
		Method:   apicall.SetParam,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(key),
			value,
		),
		FetchResult: fetchStatusOnly("setParam"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("param", key).Warn("setParam failed")
			}
			if onResult != nil {
				onResult(result != nil)
			}
		},
	}
	return n.submit(call)
}

// DeleteParam enqueues deleteParam for key.
func (n *Node) DeleteParam(key string, onResult func(ok bool)) int {
	call := &apicall.CallRecord{
		Method:   apicall.DeleteParam,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(key),
		),
		FetchResult: fetchStatusOnly("deleteParam"),
		ResultCallback: func(id int, result any, context any) {
			if result == nil {
				n.Log.WithField("param", key).Warn("deleteParam failed")
			}
			if onResult != nil {
				onResult(result != nil)
			}
		},
	}
	return n.submit(call)
}

// HasParam enqueues hasParam for key, invoking onResult with whether the
// master reports the key set (ok is false if the call itself failed).
func (n *Node) HasParam(key string, onResult func(has bool, ok bool)) int {
	call := &apicall.CallRecord{
		Method:   apicall.HasParam,
		CallerID: n.Name,
		Target:   apicall.Endpoint{Host: n.MasterHost, Port: n.MasterPort},
		Args: buildArgs(
			xmlrpc.Str(n.Name),
			xmlrpc.Str(key),
		),
		FetchResult: fetchParamBool("hasParam"),
		ResultCallback: func(id int, result any, context any) {
			if onResult == nil {
				return
			}
			has, ok := result.(bool)
			if !ok {
				n.Log.WithField("param", key).Warn("hasParam failed")
				onResult(false, false)
				return
			}
			onResult(has, true)
		},
	}
	return n.submit(call)
}

// fetchParamValue builds a FetchResultFunc for [code, status, value] shaped
// responses (getParam), returning the raw xmlrpc.Value since a parameter's
// type is opaque to this node.
func fetchParamValue(method string) apicall.FetchResultFunc {
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
		return params[2], nil
	}
}

// fetchParamBool builds a FetchResultFunc for [code, status, bool] shaped
// responses (hasParam).
func fetchParamBool(method string) apicall.FetchResultFunc {
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
		if params[2].Kind != xmlrpc.KindBool {
			return nil, errs.New(errs.XmlrpcCodec, method+": value is not a bool")
		}
		return params[2].Bool, nil
	}
}
