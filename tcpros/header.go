package tcpros

import (
	"bytes"
	"fmt"
	"strings"

	"crosnode/errs"
)

// Field is one ordered key=value header entry.
type Field struct {
	Key   string
	Value string
}

// Header is an ordered list of fields — order is preserved on encode so the
// header round-trip testable property (spec.md §8) holds byte-for-byte, not
// just set-equal.
type Header []Field

// Get returns the value of the first field named key, if present.
func (h Header) Get(key string) (string, bool) {
	for _, f := range h {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// EncodeHeader serializes fields as the concatenation of individually
// length-prefixed "key=value" blocks, with no separating newline — the
// outer length prefix framing the whole header block is added by the
// caller via EncodeFrame, matching spec.md's two-level framing ("a header
// block" that itself "contains" length-prefixed fields).
func EncodeHeader(h Header) []byte {
	var buf bytes.Buffer
	for _, f := range h {
		buf.Write(EncodeFrame([]byte(f.Key + "=" + f.Value)))
	}
	return buf.Bytes()
}

// DecodeHeader parses a header block's raw bytes (already stripped of its
// own outer length prefix by the caller) into an ordered Header.
func DecodeHeader(block []byte) (Header, error) {
	r := bytes.NewReader(block)
	var h Header
	for r.Len() > 0 {
		field, err := ReadFrame(r)
		if err != nil {
			return nil, errs.Wrap(errs.ProtocolHeader, "malformed header field", err)
		}
		kv := string(field)
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, errs.New(errs.ProtocolHeader, fmt.Sprintf("header field missing '=': %q", kv))
		}
		h = append(h, Field{Key: kv[:eq], Value: kv[eq+1:]})
	}
	return h, nil
}

// ValidateTopicHeader checks md5sum first, then type, per spec.md §4.6's
// required validation order. A subscriber-supplied md5sum of "*" is a
// wildcard accepted unconditionally.
func ValidateTopicHeader(got Header, wantMD5, wantType string) error {
	gotMD5, _ := got.Get("md5sum")
	if gotMD5 != "*" && gotMD5 != wantMD5 {
		return errs.New(errs.ProtocolHeader,
			fmt.Sprintf("md5sum mismatch: got %s want %s", gotMD5, wantMD5))
	}
	gotType, _ := got.Get("type")
	if gotType != wantType {
		return errs.New(errs.ProtocolHeader,
			fmt.Sprintf("type mismatch: got %s want %s", gotType, wantType))
	}
	return nil
}
