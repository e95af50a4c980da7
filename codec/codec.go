// Package codec provides the pluggable serialization strategy rpcreflect
// uses to turn a typed Go struct into the bytes a TCPROS frame carries.
//
// It defines a Codec interface with two implementations:
//   - JSONCodec:    encoding/json, human-readable, useful for debugging a
//     service call by eye.
//   - MsgpackCodec: github.com/hashicorp/go-msgpack/v2, compact and
//     self-describing, the default for wire traffic.
//
// Grounded on the teacher's codec package: same Strategy-pattern interface
// and factory, but the two implementations now serialize an arbitrary typed
// struct directly rather than a fixed RPCMessage envelope — rpcreflect
// supplies the envelope (service name, md5sum) via the TCPROS header, not
// the payload codec.
package codec

// CodecType identifies the serialization format.
type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

// Codec is the interface for serializing/deserializing a service's typed
// request or reply struct. Implementing this interface allows adding a new
// wire format without changing rpcreflect.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec is a factory function that returns the appropriate codec by type.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &MsgpackCodec{}
}
