package controlplane

import (
	"testing"
	"time"

	"crosnode/ioreactor"
	"crosnode/middleware"
	"crosnode/xmlrpc"
)

func dialPair(t *testing.T) (server, client *ioreactor.Conn, closeAll func()) {
	t.Helper()
	l, err := ioreactor.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	clientDone := make(chan *ioreactor.Conn, 1)
	go func() {
		c, err := ioreactor.Dial("tcp", l.Addr().String(), time.Second)
		if err == nil {
			clientDone <- c
		}
	}()

	deadline := time.Now().Add(time.Second)
	for server == nil {
		if time.Now().After(deadline) {
			t.Fatal("accept timed out")
		}
		c, err := l.Accept()
		if err == ioreactor.ErrWouldBlock {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		server = c
	}
	client = <-clientDone
	l.Close()
	return server, client, func() {
		server.Close()
		client.Close()
	}
}

func runUntilDone(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.calls) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never completed the call")
		}
		srv.Step()
		time.Sleep(time.Millisecond)
	}
}

func TestServerDispatchesKnownMethod(t *testing.T) {
	serverConn, clientConn, closeAll := dialPair(t)
	defer closeAll()

	srv := NewServer()
	srv.Handle("getPid", func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
		return []xmlrpc.Value{xmlrpc.Int32(1), xmlrpc.Str(""), xmlrpc.Int32(4242)}, nil
	})
	srv.Accept(serverConn)

	req := xmlrpc.EncodeCall("getPid", []xmlrpc.Value{xmlrpc.Str("/caller")})
	if _, err := clientConn.Raw().Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	runUntilDone(t, srv)

	params, fault, err := xmlrpc.DecodeResponse(clientConn.Raw())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fault != nil {
		t.Fatalf("expect no fault, got %v", fault)
	}
	if len(params) != 3 {
		t.Fatalf("expect 3 params, got %d", len(params))
	}
}

func TestServerFaultsUnknownMethod(t *testing.T) {
	serverConn, clientConn, closeAll := dialPair(t)
	defer closeAll()

	srv := NewServer()
	srv.Accept(serverConn)

	req := xmlrpc.EncodeCall("noSuchMethod", nil)
	if _, err := clientConn.Raw().Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	runUntilDone(t, srv)

	_, fault, err := xmlrpc.DecodeResponse(clientConn.Raw())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fault == nil || fault.Code != -1 {
		t.Fatalf("expect fault code -1, got %v", fault)
	}
}

func TestChainedHandlerStillDispatches(t *testing.T) {
	serverConn, clientConn, closeAll := dialPair(t)
	defer closeAll()

	srv := NewServer()
	base := middleware.HandlerFunc(func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
		return []xmlrpc.Value{xmlrpc.Int32(1)}, nil
	})
	chained := middleware.Chain()(base)
	srv.Handle("shutdown", chained)
	srv.Accept(serverConn)

	req := xmlrpc.EncodeCall("shutdown", []xmlrpc.Value{xmlrpc.Str("/caller"), xmlrpc.Str("bye")})
	if _, err := clientConn.Raw().Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	runUntilDone(t, srv)

	params, fault, err := xmlrpc.DecodeResponse(clientConn.Raw())
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if fault != nil {
		t.Fatalf("expect no fault, got %v", fault)
	}
	if len(params) != 1 {
		t.Fatalf("expect 1 param, got %d", len(params))
	}
}
