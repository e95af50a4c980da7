package rpcreflect

import (
	"reflect"

	"crosnode/errs"
)

// WrapBundle scans rcvr's exported methods for the RPC-compatible signature
// func (receiver) MethodName(args *ArgsType, reply *ReplyType) error and
// returns one Handler per matching method, keyed by MethodName. Methods that
// don't match are silently skipped, exactly like the teacher's
// service.RegisterMethods did for a whole struct's method set; Wrap above
// covers the common case of a single free function instead.
func WrapBundle(rcvr any) (map[string]Handler, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errs.New(errs.Usage, "rpcreflect: bundle receiver must be a pointer")
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errs.New(errs.Usage, "rpcreflect: bundle receiver must point to a struct")
	}

	val := reflect.ValueOf(rcvr)
	handlers := make(map[string]Handler)

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type

		if mt.NumIn() != 3 || mt.NumOut() != 1 {
			continue
		}
		if mt.Out(0) != errorType {
			continue
		}
		if mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}

		argType := mt.In(1).Elem()
		replyType := mt.In(2).Elem()
		boundMethod := val.Method(i)

		handlers[method.Name] = func(request []byte) ([]byte, error) {
			argv := reflect.New(argType)
			if err := defaultCodec.Decode(request, argv.Interface()); err != nil {
				return nil, errs.Wrap(errs.Usage, "rpcreflect: decode request", err)
			}
			replyv := reflect.New(replyType)
			results := boundMethod.Call([]reflect.Value{argv, replyv})
			if errVal := results[0]; !errVal.IsNil() {
				return nil, errVal.Interface().(error)
			}
			out, err := defaultCodec.Encode(replyv.Interface())
			if err != nil {
				return nil, errs.Wrap(errs.Usage, "rpcreflect: encode response", err)
			}
			return out, nil
		}
	}

	if len(handlers) == 0 {
		return nil, errs.New(errs.Usage, "rpcreflect: no RPC-compatible methods found on bundle receiver")
	}
	return handlers, nil
}
