package node

import (
	"testing"
	"time"
)

// BenchmarkRunOnceIdle measures the cost of one idle engine tick — no
// pending connections, no due timers — the steady-state cost a host program
// pays every time it re-enters RunOnce on its own schedule.
func BenchmarkRunOnceIdle(b *testing.B) {
	n, err := NewNode("/bench", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		b.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	e := NewEngine(n)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.RunOnce(time.Millisecond); err != nil {
			b.Fatalf("RunOnce: %v", err)
		}
	}
}

// BenchmarkCallServiceOneShot measures one non-persistent service round trip
// end to end: dial, handshake, request, response, close.
func BenchmarkCallServiceOneShot(b *testing.B) {
	provider, err := NewNode("/provider", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		b.Fatalf("NewNode(provider): %v", err)
	}
	defer provider.Close()
	if _, err := provider.RegisterServiceProviderTyped("/echo", "test/Echo", "*", "", "", func(args *echoArgs, reply *echoReply) error {
		reply.Out = args.In
		return nil
	}); err != nil {
		b.Fatalf("RegisterServiceProviderTyped: %v", err)
	}

	e := NewEngine(provider)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				e.RunOnce(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	caller, err := NewNode("/caller", "127.0.0.1", "127.0.0.1", 1, "")
	if err != nil {
		b.Fatalf("NewNode(caller): %v", err)
	}
	defer caller.Close()

	callerIdx := caller.RegisterServiceCaller("/echo", "test/Echo", "*", false, 0, nil)
	cs, _ := caller.Registry.ServiceCallers.Get(callerIdx)
	cs.Resolved = true
	cs.ProviderHost = "127.0.0.1"
	cs.ProviderPort = provider.tcprosPort
	caller.Registry.ServiceCallers.Set(callerIdx, cs)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var reply echoReply
		if err := caller.CallServiceTyped(callerIdx, &echoArgs{In: "x"}, &reply); err != nil {
			b.Fatalf("CallServiceTyped: %v", err)
		}
	}
}
