package node

import (
	"net"
	"testing"
	"time"

	"crosnode/ioreactor"
	"crosnode/registry"
	"crosnode/tcpros"
)

// TestEnginePublishToTopicSubscriber drives a full publisher-side round trip
// the way a real TCPROS subscriber would: dial the node's data-plane
// listener, send a subscriber header, let the engine accept and reply, then
// send one message with SendTopicMessage and read its data frame.
func TestEnginePublishToTopicSubscriber(t *testing.T) {
	n, err := NewNode("/talker", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	pubIdx := n.RegisterPublisher("/chatter", "std_msgs/String", "992ce8a1687cec8c8bd883ec73ca41d1", "", 0, func() ([]byte, error) {
		return []byte("hello"), nil
	})

	addr := n.tcprosListener.Addr().String()
	clientConn, err := ioreactor.Dial("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tcpros listener: %v", err)
	}
	defer clientConn.Close()

	reqHeader := tcpros.Header{
		{Key: "callerid", Value: "/listener"},
		{Key: "topic", Value: "/chatter"},
		{Key: "md5sum", Value: "992ce8a1687cec8c8bd883ec73ca41d1"},
		{Key: "type", Value: "std_msgs/String"},
	}
	if err := writeAllBlocking(clientConn, tcpros.EncodeFrame(tcpros.EncodeHeader(reqHeader)), 2*time.Second); err != nil {
		t.Fatalf("write subscriber header: %v", err)
	}

	e := NewEngine(n)
	ticked := false
	deadline := time.Now().Add(3 * time.Second)
	var accumulated []byte
	for time.Now().Before(deadline) {
		if err := e.RunOnce(10 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		pub, _ := n.Registry.Publishers.Get(pubIdx)
		if !ticked && len(pub.Subscribers) == 1 {
			ticked = true
			if err := n.SendTopicMessage(pubIdx, &PublisherMessage{Payload: []byte("hello")}); err != nil {
				t.Fatalf("SendTopicMessage: %v", err)
			}
		}
		var buf [4096]byte
		if got, rerr := clientConn.Read(buf[:]); got > 0 {
			accumulated = append(accumulated, buf[:got]...)
		} else if rerr != nil && rerr != ioreactor.ErrWouldBlock {
			t.Fatalf("client read: %v", rerr)
		}
		// Reply header frame arrives first, then (after the tick) the data
		// frame — two complete length-prefixed frames means both landed.
		if ticked && countFrames(accumulated) >= 2 {
			return
		}
	}
	t.Fatal("never received both the reply header and a topic data frame")
}

func countFrames(buf []byte) int {
	count := 0
	for len(buf) >= 4 {
		n := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		if uint32(len(buf)-4) < n {
			break
		}
		buf = buf[4+n:]
		count++
	}
	return count
}

func TestStepSessionsDetachesOnClose(t *testing.T) {
	n, err := NewNode("/node", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	subIdx := n.Registry.Subscribers.Register(&registry.SubscriberSlot{
		Topic:     "/chatter",
		TypeName:  "std_msgs/String",
		MD5Sum:    "*",
		OnMessage: func([]byte) error { return nil },
		Sessions:  make(map[string]*tcpros.Session),
	})

	serverNet, clientNet := net.Pipe()
	serverConn := ioreactor.NewConn(serverNet)
	sess := tcpros.NewClientSession(tcpros.RoleSubscriber, serverConn, "*", "std_msgs/String", tcpros.Header{})
	sess.ProviderIdx = subIdx
	sub, _ := n.Registry.Subscribers.Get(subIdx)
	sub.Sessions["peer:1"] = sess
	n.Registry.Subscribers.Set(subIdx, sub)
	n.sessions = append(n.sessions, &acceptedSession{session: sess, providerIdx: subIdx, kind: kindTopicClient})

	clientNet.Close()
	for i := 0; i < 50 && !sess.IsClosed(); i++ {
		n.stepSessions(0)
		time.Sleep(time.Millisecond)
	}

	sub, _ = n.Registry.Subscribers.Get(subIdx)
	if len(sub.Sessions) != 0 {
		t.Fatalf("expect detached session removed from registry map, got %d", len(sub.Sessions))
	}
	if len(n.sessions) != 0 {
		t.Fatalf("expect closed session pruned from n.sessions, got %d", len(n.sessions))
	}
}

func TestDetachSessionRemovesOnlyMatchingEntry(t *testing.T) {
	n, err := NewNode("/node", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	pubIdx := n.Registry.Publishers.Register(&registry.PublisherSlot{
		Topic:       "/chatter",
		TypeName:    "std_msgs/String",
		Subscribers: make(map[int]*tcpros.Session),
	})
	server1Net, client1Net := net.Pipe()
	server2Net, client2Net := net.Pipe()
	defer client1Net.Close()
	defer client2Net.Close()

	sess1 := tcpros.NewServerSession(tcpros.RolePublisher, ioreactor.NewConn(server1Net), "*", "std_msgs/String", tcpros.Header{})
	sess2 := tcpros.NewServerSession(tcpros.RolePublisher, ioreactor.NewConn(server2Net), "*", "std_msgs/String", tcpros.Header{})
	pub, _ := n.Registry.Publishers.Get(pubIdx)
	pub.Subscribers[0] = sess1
	pub.Subscribers[1] = sess2
	n.Registry.Publishers.Set(pubIdx, pub)

	n.detachSession(&acceptedSession{session: sess1, providerIdx: pubIdx, kind: kindPublisherSubscriber})

	pub, _ = n.Registry.Publishers.Get(pubIdx)
	if len(pub.Subscribers) != 1 {
		t.Fatalf("expect 1 remaining subscriber, got %d", len(pub.Subscribers))
	}
	if pub.Subscribers[1] != sess2 {
		t.Fatal("expect the untouched session to still be sess2")
	}
}

// TestAcceptTopicSubscriberAssignsDistinctSlotIDsAfterDeletion guards the
// free-list-less map keying in acceptTopicSubscriber: a second accepted
// connection must not silently overwrite a still-referenced earlier slot
// once the first has been detached.
func TestAcceptTopicSubscriberAssignsDistinctSlotIDsAfterDeletion(t *testing.T) {
	n, err := NewNode("/node", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	pubIdx := n.Registry.Publishers.Register(&registry.PublisherSlot{
		Topic:       "/chatter",
		TypeName:    "std_msgs/String",
		MD5Sum:      "*",
		Subscribers: make(map[int]*tcpros.Session),
	})

	addr := n.tcprosListener.Addr().String()
	conn1, err := ioreactor.Dial("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	reqHeader := tcpros.Header{{Key: "callerid", Value: "/a"}, {Key: "topic", Value: "/chatter"}, {Key: "md5sum", Value: "*"}, {Key: "type", Value: "std_msgs/String"}}
	if err := writeAllBlocking(conn1, tcpros.EncodeFrame(tcpros.EncodeHeader(reqHeader)), 2*time.Second); err != nil {
		t.Fatalf("write header: %v", err)
	}

	e := NewEngine(n)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.RunOnce(10 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if pub, _ := n.Registry.Publishers.Get(pubIdx); len(pub.Subscribers) == 1 {
			break
		}
	}
	pub, _ := n.Registry.Publishers.Get(pubIdx)
	if len(pub.Subscribers) != 1 {
		t.Fatal("expect first subscriber accepted")
	}
	var firstSlot int
	var firstSess *tcpros.Session
	for slot, sess := range pub.Subscribers {
		firstSlot, firstSess = slot, sess
	}
	conn1.Close()
	n.detachSession(&acceptedSession{session: firstSess, providerIdx: pubIdx, kind: kindPublisherSubscriber})

	conn2, err := ioreactor.Dial("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	reqHeader2 := tcpros.Header{{Key: "callerid", Value: "/b"}, {Key: "topic", Value: "/chatter"}, {Key: "md5sum", Value: "*"}, {Key: "type", Value: "std_msgs/String"}}
	if err := writeAllBlocking(conn2, tcpros.EncodeFrame(tcpros.EncodeHeader(reqHeader2)), 2*time.Second); err != nil {
		t.Fatalf("write header: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.RunOnce(10 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if pub, _ := n.Registry.Publishers.Get(pubIdx); len(pub.Subscribers) == 1 {
			break
		}
	}
	pub, _ = n.Registry.Publishers.Get(pubIdx)
	if len(pub.Subscribers) != 1 {
		t.Fatalf("expect exactly one live subscriber after reconnect, got %d", len(pub.Subscribers))
	}
	for slot := range pub.Subscribers {
		if slot == firstSlot {
			t.Fatalf("expect second accepted session to get a fresh slot id, reused %d", firstSlot)
		}
	}
}

func TestBeginShutdownClosesAllSessions(t *testing.T) {
	n, err := NewNode("/node", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	serverNet, clientNet := net.Pipe()
	defer clientNet.Close()
	sess := tcpros.NewServerSession(tcpros.RolePublisher, ioreactor.NewConn(serverNet), "*", "std_msgs/String", tcpros.Header{})
	n.sessions = append(n.sessions, &acceptedSession{session: sess, kind: kindPublisherSubscriber})

	n.beginShutdown()
	if len(n.sessions) != 0 {
		t.Fatalf("expect sessions cleared, got %d", len(n.sessions))
	}
	// beginShutdown closes the underlying socket directly; the peer should
	// observe that even though sess.State itself only updates on its next Step.
	var buf [16]byte
	client := ioreactor.NewConn(clientNet)
	if _, rerr := client.Read(buf[:]); rerr != ioreactor.ErrPeerClosed {
		t.Fatalf("expect peer to observe closed connection, got %v", rerr)
	}
}
