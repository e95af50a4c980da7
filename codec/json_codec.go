package codec

import "encoding/json"

// JSONCodec uses the standard library for serialization. Human-readable and
// cross-language; slower than MsgpackCodec due to field-name repetition.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
