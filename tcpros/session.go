package tcpros

import (
	"bytes"
	"encoding/binary"

	"crosnode/errs"
	"crosnode/ioreactor"
)

// Role identifies which of the four TCPROS session kinds a Session plays,
// per spec.md §4.6.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
	RoleServiceServer
	RoleServiceClient
)

// State is one row of spec.md §4.6's state table. The same set of states
// describes both client- and server-role sessions.
type State int

const (
	Connecting State = iota
	ReadingHeader
	WritingHeader
	Streaming
	AwaitingRequest
	WritingResponse
	AwaitingResponse
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case ReadingHeader:
		return "ReadingHeader"
	case WritingHeader:
		return "WritingHeader"
	case Streaming:
		return "Streaming"
	case AwaitingRequest:
		return "AwaitingRequest"
	case WritingResponse:
		return "WritingResponse"
	case AwaitingResponse:
		return "AwaitingResponse"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is a single TCPROS connection's state machine. One Session exists
// per connected peer socket; the node event engine advances it one
// non-blocking step at a time from RunOnce, never inside a goroutine of its
// own (spec.md §5).
type Session struct {
	Role        Role
	ProviderIdx int
	Conn        *ioreactor.Conn

	State            State
	LastActivityUsec int64
	Persistent       bool // AwaitingRequest/AwaitingResponse: stay open after one round trip

	localHeader Header
	wantMD5     string
	wantType    string

	inbound  bytes.Buffer
	outbound bytes.Buffer

	// OnHeaderValidated fires once the peer's header has passed md5sum/type
	// validation (subscriber or service-caller header on the server side;
	// publisher or service-server reply header on the client side).
	OnHeaderValidated func(remote Header) error
	// OnMessage fires once per complete topic data frame (subscriber role).
	OnMessage func(payload []byte) error
	// OnServiceRequest fires once per complete request frame (service-server
	// role) and returns the response payload, or a non-nil userErr to send
	// the user-error ok-byte-0 framing instead.
	OnServiceRequest func(payload []byte) (response []byte, userErr error)
	// OnServiceResponse fires once the response frame (service-client role)
	// has been read; userErr is non-nil if the peer reported ok-byte 0.
	OnServiceResponse func(payload []byte, userErr error)

	closeErr error
}

// NewServerSession wraps an accepted connection awaiting the peer's header.
func NewServerSession(role Role, conn *ioreactor.Conn, wantMD5, wantType string, reply Header) *Session {
	return &Session{
		Role:        role,
		Conn:        conn,
		State:       ReadingHeader,
		wantMD5:     wantMD5,
		wantType:    wantType,
		localHeader: reply,
	}
}

// NewClientSession wraps an already-dialed connection; ioreactor.Dial bounds
// the connect itself, so the Connecting state's single step is just writing
// the outbound header that was prepared by the caller.
func NewClientSession(role Role, conn *ioreactor.Conn, wantMD5, wantType string, request Header) *Session {
	s := &Session{
		Role:     role,
		Conn:     conn,
		State:    Connecting,
		wantMD5:  wantMD5,
		wantType: wantType,
	}
	s.outbound.Write(EncodeFrame(EncodeHeader(request)))
	s.State = WritingHeader
	return s
}

// EnqueueMessage appends a length-prefixed data frame to the outbound
// buffer (publisher role, fired on a tick or an explicit send).
func (s *Session) EnqueueMessage(payload []byte) {
	s.outbound.Write(EncodeFrame(payload))
}

// SendServiceRequest appends a length-prefixed request frame for a
// service-client session; valid once the session has reached
// AwaitingResponse after the initial handshake (including on a persistent
// session issuing its next call).
func (s *Session) SendServiceRequest(payload []byte) {
	s.outbound.Write(EncodeFrame(payload))
}

// IsClosed reports whether the session has reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.State == Closed
}

// Err returns the error that caused the session to close, if any.
func (s *Session) Err() error {
	return s.closeErr
}

// fail transitions to Closed and records the cause.
func (s *Session) fail(err error) error {
	s.State = Closed
	s.closeErr = err
	return err
}

// Step advances the session's state machine by one non-blocking unit of
// work. It returns ioreactor.ErrWouldBlock when there is nothing more to do
// this iteration (the common case); any other non-nil error means the
// session has transitioned to Closed.
func (s *Session) Step(now int64) error {
	s.LastActivityUsec = now

	// Any state with pending outbound bytes drains them first; a state with
	// nothing queued falls through to its read-side behavior.
	if s.outbound.Len() > 0 {
		if err := s.flush(); err != nil {
			return err
		}
		if s.outbound.Len() > 0 {
			return ioreactor.ErrWouldBlock
		}
		if err := s.afterDrain(); err != nil {
			return err
		}
	}

	switch s.State {
	case ReadingHeader:
		return s.stepReadingHeader()
	case Streaming:
		if s.Role == RoleSubscriber {
			return s.stepStreamingSubscriber()
		}
		return ioreactor.ErrWouldBlock // publisher: nothing to read, driven by EnqueueMessage
	case AwaitingRequest:
		return s.stepAwaitingRequest()
	case AwaitingResponse:
		return s.stepAwaitingResponse()
	case WritingHeader, WritingResponse, Connecting:
		return ioreactor.ErrWouldBlock // waiting for outbound to be queued or already draining above
	case Closed:
		return errs.New(errs.Usage, "step called on a closed session")
	default:
		return errs.New(errs.Usage, "unknown session state")
	}
}

// afterDrain transitions the state machine once a WritingHeader or
// WritingResponse buffer has been fully flushed.
func (s *Session) afterDrain() error {
	switch s.State {
	case WritingHeader:
		switch s.Role {
		case RolePublisher:
			s.State = Streaming
		case RoleServiceServer:
			s.State = AwaitingRequest
		case RoleSubscriber, RoleServiceClient:
			s.State = ReadingHeader // the peer's reply header comes next
		}
	case WritingResponse:
		if s.Persistent {
			s.State = AwaitingRequest
		} else {
			s.State = Closed
		}
	}
	return nil
}

// flush writes as much of the outbound buffer as the socket accepts right
// now; a partial write is not an error, just leftover work for next Step.
func (s *Session) flush() error {
	b := s.outbound.Bytes()
	n, err := s.Conn.Write(b)
	if n > 0 {
		s.outbound.Next(n)
	}
	if err != nil {
		if err == ioreactor.ErrWouldBlock {
			return nil
		}
		return s.fail(err)
	}
	return nil
}

// readAvailable drains whatever bytes the socket currently has into the
// inbound accumulator, tolerating WouldBlock as "nothing more right now."
func (s *Session) readAvailable() error {
	var buf [4096]byte
	for {
		n, err := s.Conn.Read(buf[:])
		if n > 0 {
			s.inbound.Write(buf[:n])
		}
		if err == nil {
			continue
		}
		if err == ioreactor.ErrWouldBlock {
			return nil
		}
		return s.fail(err)
	}
}

// tryPopFrame extracts one complete length-prefixed frame from inbound, or
// reports ok=false if fewer than a full frame's worth of bytes has arrived.
func tryPopFrame(buf *bytes.Buffer) (frame []byte, ok bool) {
	raw := buf.Bytes()
	if len(raw) < 4 {
		return nil, false
	}
	n := binary.LittleEndian.Uint32(raw[0:4])
	if uint32(len(raw)-4) < n {
		return nil, false
	}
	frame = make([]byte, n)
	copy(frame, raw[4:4+n])
	buf.Next(4 + int(n))
	return frame, true
}

func (s *Session) stepReadingHeader() error {
	if err := s.readAvailable(); err != nil {
		return err
	}
	block, ok := tryPopFrame(&s.inbound)
	if !ok {
		return ioreactor.ErrWouldBlock
	}
	remote, err := DecodeHeader(block)
	if err != nil {
		return s.fail(err)
	}
	client := s.Role == RoleSubscriber || s.Role == RoleServiceClient
	wantMD5 := s.wantMD5
	if client && wantMD5 == "*" {
		wantMD5, _ = remote.Get("md5sum")
	}
	if err := ValidateTopicHeader(remote, wantMD5, s.wantType); err != nil {
		if !client {
			s.outbound.Write(EncodeFrame(EncodeHeader(Header{{Key: "error", Value: err.Error()}})))
			_ = s.flush()
		}
		return s.fail(err)
	}
	if s.OnHeaderValidated != nil {
		if err := s.OnHeaderValidated(remote); err != nil {
			return s.fail(err)
		}
	}
	switch s.Role {
	case RoleSubscriber:
		s.State = Streaming
		return nil
	case RoleServiceClient:
		s.State = AwaitingResponse
		return nil
	}
	s.outbound.Write(EncodeFrame(EncodeHeader(s.localHeader)))
	s.State = WritingHeader
	return nil
}

func (s *Session) stepStreamingSubscriber() error {
	if err := s.readAvailable(); err != nil {
		return err
	}
	advanced := false
	for {
		frame, ok := tryPopFrame(&s.inbound)
		if !ok {
			break
		}
		advanced = true
		if s.OnMessage != nil {
			if err := s.OnMessage(frame); err != nil {
				return s.fail(err)
			}
		}
	}
	if !advanced {
		return ioreactor.ErrWouldBlock
	}
	return nil
}

func (s *Session) stepAwaitingRequest() error {
	if err := s.readAvailable(); err != nil {
		return err
	}
	frame, ok := tryPopFrame(&s.inbound)
	if !ok {
		return ioreactor.ErrWouldBlock
	}
	var response []byte
	var userErr error
	if s.OnServiceRequest != nil {
		response, userErr = s.OnServiceRequest(frame)
	}
	if userErr != nil {
		s.outbound.WriteByte(0)
		s.outbound.Write(EncodeFrame([]byte(userErr.Error())))
	} else {
		s.outbound.WriteByte(1)
		s.outbound.Write(EncodeFrame(response))
	}
	s.State = WritingResponse
	return nil
}

func (s *Session) stepAwaitingResponse() error {
	if err := s.readAvailable(); err != nil {
		return err
	}
	raw := s.inbound.Bytes()
	if len(raw) < 1 {
		return ioreactor.ErrWouldBlock
	}
	okByte := raw[0]
	rest := bytes.NewBuffer(append([]byte(nil), raw[1:]...))
	frame, ok := tryPopFrame(rest)
	if !ok {
		return ioreactor.ErrWouldBlock
	}
	s.inbound.Reset()
	s.inbound.Write(rest.Bytes())

	var userErr error
	if okByte == 0 {
		userErr = errs.New(errs.ServiceFailed, string(frame))
	}
	if s.OnServiceResponse != nil {
		s.OnServiceResponse(frame, userErr)
	}
	if s.Persistent {
		return nil // stays in AwaitingResponse; caller may SendServiceRequest again
	}
	s.State = Closed
	return nil
}
