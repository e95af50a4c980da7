package tcpros

import (
	"bytes"
	"time"

	"crosnode/ioreactor"
)

// ReadHeaderBlocking pulls one complete length-prefixed header frame off a
// freshly accepted connection and decodes it, bounded by deadline. This
// mirrors ioreactor.Dial's own justification for a short bounded blocking
// wait rather than a non-blocking poll step: the node's accept loop must
// learn which provider slot (topic or service name) a connection targets —
// and therefore which wantMD5/wantType a Session should be built with —
// before a Session can exist at all, since those fields are fixed at
// construction.
func ReadHeaderBlocking(conn *ioreactor.Conn, deadline time.Duration) (Header, error) {
	var buf bytes.Buffer
	start := time.Now()
	for {
		var chunk [4096]byte
		n, err := conn.Read(chunk[:])
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if frame, ok := tryPopFrame(&buf); ok {
			return DecodeHeader(frame)
		}
		if err != nil && err != ioreactor.ErrWouldBlock {
			return nil, err
		}
		if time.Since(start) > deadline {
			return nil, ioreactor.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// NewAcceptedSession builds a server-role Session for a connection whose peer
// header has already been read and decoded by ReadHeaderBlocking. Validation
// and the reply header write happen immediately — equivalent to what
// stepReadingHeader would have done had the Session existed during the read.
func NewAcceptedSession(role Role, conn *ioreactor.Conn, remote Header, wantMD5, wantType string, reply Header) (*Session, error) {
	if err := ValidateTopicHeader(remote, wantMD5, wantType); err != nil {
		_, _ = conn.Write(EncodeFrame(EncodeHeader(Header{{Key: "error", Value: err.Error()}})))
		return nil, err
	}
	s := &Session{
		Role:     role,
		Conn:     conn,
		State:    WritingHeader,
		wantMD5:  wantMD5,
		wantType: wantType,
	}
	s.outbound.Write(EncodeFrame(EncodeHeader(reply)))
	return s, nil
}
