// Package tcpros implements the data-plane wire format and per-session state
// machine from spec.md §4.6: a 32-bit little-endian length-prefixed framing
// shared by the header handshake and the streaming/request-response data
// phase, for all four session roles (topic-publisher, topic-subscriber,
// service-server, service-client).
//
// The length-prefix-then-body framing idea is the same shape as the
// teacher's protocol.Encode/Decode (protocol/protocol.go), but the byte
// order here is little-endian and fixed by the wire format this package
// must interoperate with — unlike the teacher's own big-endian framing,
// this is not a style choice this package is free to make.
package tcpros

import (
	"encoding/binary"
	"io"

	"crosnode/errs"
)

// ReadFrame reads one length-prefixed block: a uint32 little-endian length
// followed by that many bytes. It is used for both header blocks and data
// frames, per spec.md §4.6 ("repeated length-prefixed blocks").
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.Wrap(errs.ProtocolFrame, "reading frame length", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, errs.Wrap(errs.ProtocolFrame, "reading frame body", err)
		}
	}
	return body, nil
}

// EncodeFrame prefixes body with its little-endian uint32 length.
func EncodeFrame(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf
}
