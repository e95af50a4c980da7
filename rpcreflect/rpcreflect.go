// Package rpcreflect adapts a user's typed Go service-provider function into
// the opaque byte-in/byte-out shape registry.ServiceProviderSlot.Handle and
// tcpros.Session.OnServiceRequest require, mirroring the teacher's
// server/service.go reflection convention
// (func (receiver) Method(args *ArgsType, reply *ReplyType) error) but
// wrapping a single free function rather than scanning a whole struct's
// method set, since spec.md's RegisterServiceProvider takes one handler per
// service rather than a bundle of RPC-exported methods. WrapBundle below
// restores the struct-scanning path for callers that do want to register a
// whole receiver's method set at once.
package rpcreflect

import (
	"reflect"

	"crosnode/codec"
	"crosnode/errs"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// defaultCodec is msgpack: a self-describing binary format standing in for
// the code-generated message marshalling a real ROS build produces from its
// .srv IDL files. This repository has no IDL compiler, so a self-describing
// codec lets any exported Go struct serve as a service's request/response
// shape without one.
var defaultCodec codec.Codec = &codec.MsgpackCodec{}

// Handler is the byte-in/byte-out shape a tcpros service session invokes on
// each request frame.
type Handler func(request []byte) (response []byte, err error)

// Wrap validates fn's signature — func(args *ArgsType, reply *ReplyType) error,
// both pointer types, exactly like the teacher's RegisterMethods filter — and
// returns a Handler that decodes the request frame into a fresh ArgsType,
// calls fn, and encodes the populated ReplyType back out using defaultCodec.
func Wrap(fn any) (Handler, error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()

	if ft.Kind() != reflect.Func {
		return nil, errs.New(errs.Usage, "rpcreflect: handler must be a function")
	}
	if ft.NumIn() != 2 || ft.NumOut() != 1 {
		return nil, errs.New(errs.Usage, "rpcreflect: handler must take (args, reply) and return error")
	}
	if ft.In(0).Kind() != reflect.Ptr || ft.In(1).Kind() != reflect.Ptr {
		return nil, errs.New(errs.Usage, "rpcreflect: both args and reply must be pointer types")
	}
	if ft.Out(0) != errorType {
		return nil, errs.New(errs.Usage, "rpcreflect: handler's single return value must be error")
	}

	argType := ft.In(0).Elem()
	replyType := ft.In(1).Elem()

	return func(request []byte) ([]byte, error) {
		argv := reflect.New(argType)
		if err := defaultCodec.Decode(request, argv.Interface()); err != nil {
			return nil, errs.Wrap(errs.Usage, "rpcreflect: decode request", err)
		}

		replyv := reflect.New(replyType)
		results := fv.Call([]reflect.Value{argv, replyv})
		if errVal := results[0]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}

		out, err := defaultCodec.Encode(replyv.Interface())
		if err != nil {
			return nil, errs.Wrap(errs.Usage, "rpcreflect: encode response", err)
		}
		return out, nil
	}, nil
}

// Call is a convenience for a caller-side invocation against an already
// matched Handler: it encodes args, invokes h, and decodes the response into
// reply.
func Call(h Handler, args, reply any) error {
	body, err := defaultCodec.Encode(args)
	if err != nil {
		return errs.Wrap(errs.Usage, "rpcreflect: encode call args", err)
	}
	response, err := h(body)
	if err != nil {
		return err
	}
	if err := defaultCodec.Decode(response, reply); err != nil {
		return errs.Wrap(errs.Usage, "rpcreflect: decode call response", err)
	}
	return nil
}
