package codec

import "github.com/hashicorp/go-msgpack/v2/codec"

var mh codec.MsgpackHandle

// MsgpackCodec is the compact, self-describing binary format used for
// service call payloads: it needs no generated marshalling code, so any
// exported Go struct can serve as a request/response shape without an IDL
// compiler, the same role the teacher's hand-rolled BinaryCodec's 9x
// speedup over JSON aimed at but without being tied to one fixed envelope
// struct.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, &mh)
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
