package node

import (
	"net"
	"testing"

	"crosnode/ioreactor"
	"crosnode/registry"
	"crosnode/tcpros"
	"crosnode/xmlrpc"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewNode("/tester", "127.0.0.1", "127.0.0.1", 11311, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	// registerControlPlaneHandlers already enqueued nothing; NewNode itself
	// performs no outbound calls, so the dispatcher starts empty.
	return n
}

func TestHandleRequestTopicUnknownTopic(t *testing.T) {
	n := newTestNode(t)
	resp, err := n.handleRequestTopic("requestTopic", []xmlrpc.Value{xmlrpc.Str("/caller"), xmlrpc.Str("/nope")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, _ := resp[0].AsInt()
	if code != 0 {
		t.Fatalf("expect code 0 for unknown topic, got %d", code)
	}
}

func TestHandleRequestTopicKnownTopic(t *testing.T) {
	n := newTestNode(t)
	n.Registry.Publishers.Register(&registry.PublisherSlot{
		Topic:       "/chatter",
		TypeName:    "std_msgs/String",
		MD5Sum:      "abc",
		Subscribers: make(map[int]*tcpros.Session),
	})

	resp, err := n.handleRequestTopic("requestTopic", []xmlrpc.Value{xmlrpc.Str("/caller"), xmlrpc.Str("/chatter")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, _ := resp[0].AsInt()
	if code != 1 {
		t.Fatalf("expect code 1, got %d", code)
	}
	proto, err := resp[2].AsArray()
	if err != nil || len(proto) != 3 {
		t.Fatalf("expect 3-element protocol tuple, got %v err=%v", proto, err)
	}
	protoName, _ := proto[0].AsString()
	if protoName != "TCPROS" {
		t.Fatalf("expect TCPROS, got %s", protoName)
	}
}

func TestHandleGetPid(t *testing.T) {
	n := newTestNode(t)
	resp, err := n.handleGetPid("getPid", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid, _ := resp[2].AsInt()
	if int(pid) != n.Pid {
		t.Fatalf("expect pid %d, got %d", n.Pid, pid)
	}
}

func TestHandleGetBusStatsEmptyArrays(t *testing.T) {
	n := newTestNode(t)
	resp, err := n.handleGetBusStats("getBusStats", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := resp[2].AsArray()
	if err != nil || len(stats) != 3 {
		t.Fatalf("expect 3 stat arrays, got %v err=%v", stats, err)
	}
}

func TestHandleShutdownSetsExitFlag(t *testing.T) {
	n := newTestNode(t)
	if n.exitRequested {
		t.Fatal("exitRequested should start false")
	}
	if _, err := n.handleShutdown("shutdown", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.exitRequested {
		t.Fatal("expect exitRequested true after shutdown")
	}
}

func TestHandleGetSubscriptionsAndPublications(t *testing.T) {
	n := newTestNode(t)
	n.Registry.Subscribers.Register(&registry.SubscriberSlot{
		Topic:    "/odom",
		TypeName: "nav_msgs/Odometry",
		Sessions: make(map[string]*tcpros.Session),
	})
	n.Registry.Publishers.Register(&registry.PublisherSlot{
		Topic:       "/scan",
		TypeName:    "sensor_msgs/LaserScan",
		Subscribers: make(map[int]*tcpros.Session),
	})

	subResp, err := n.handleGetSubscriptions("getSubscriptions", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subs, _ := subResp[2].AsArray()
	if len(subs) != 1 {
		t.Fatalf("expect 1 subscription, got %d", len(subs))
	}

	pubResp, err := n.handleGetPublications("getPublications", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pubs, _ := pubResp[2].AsArray()
	if len(pubs) != 1 {
		t.Fatalf("expect 1 publication, got %d", len(pubs))
	}
}

func TestHandlePublisherUpdateEnqueuesNewAndClosesDropped(t *testing.T) {
	n := newTestNode(t)
	subIdx := n.Registry.Subscribers.Register(&registry.SubscriberSlot{
		Topic:    "/chatter",
		TypeName: "std_msgs/String",
		Sessions: make(map[string]*tcpros.Session),
	})
	droppedNet, droppedPeer := net.Pipe()
	defer droppedPeer.Close()
	dropped := tcpros.NewClientSession(tcpros.RoleSubscriber, ioreactor.NewConn(droppedNet), "*", "std_msgs/String", tcpros.Header{})
	sub, _ := n.Registry.Subscribers.Get(subIdx)
	sub.Sessions["gone:1"] = dropped
	n.Registry.Subscribers.Set(subIdx, sub)

	before := n.Dispatcher.Len()
	_, err := n.handlePublisherUpdate("publisherUpdate", []xmlrpc.Value{
		xmlrpc.Str("/master"),
		xmlrpc.Str("/chatter"),
		xmlrpc.Arr(xmlrpc.Str("http://talker:9999/")),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := n.Dispatcher.Len()
	if after != before+1 {
		t.Fatalf("expect one requestTopic call enqueued, before=%d after=%d", before, after)
	}

	sub, _ = n.Registry.Subscribers.Get(subIdx)
	if len(sub.Sessions) != 0 {
		t.Fatalf("expect no live sessions yet (call still pending), got %d", len(sub.Sessions))
	}
	var buf [8]byte
	if _, rerr := ioreactor.NewConn(droppedPeer).Read(buf[:]); rerr != ioreactor.ErrPeerClosed {
		t.Fatalf("expect the dropped publisher's connection closed, got %v", rerr)
	}
}
