package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestEngineSurvivesUnreachableMaster exercises spec.md §8 scenario 5: the
// master is unreachable, so registerPublisher dials and fails with
// errs.Transport instead of blocking the engine for the full call deadline.
// RunOnce must keep returning promptly, and the exit flag must still stop
// Start within roughly one tick.
func TestEngineSurvivesUnreachableMaster(t *testing.T) {
	// Find a port nothing is listening on: dial against it fails immediately
	// with "connection refused" rather than timing out.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find a free port: %v", err)
	}
	masterAddr := probe.Addr().(*net.TCPAddr)
	probe.Close()

	n, err := NewNode("/talker", "127.0.0.1", masterAddr.IP.String(), masterAddr.Port, "")
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Close()

	n.RegisterPublisher("/chatter", "std_msgs/String", "992ce8a1687cec8c8bd883ec73ca41d1", "", 0, func() ([]byte, error) {
		return []byte("hello"), nil
	})

	e := NewEngine(n)
	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := e.RunOnce(10 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("engine stalled against an unreachable master: 20 ticks took %v", elapsed)
	}
	if got := testutil.ToFloat64(n.Metrics.ApiCallsFailed.WithLabelValues("registerPublisher", "Transport")); got < 1 {
		t.Fatalf("expect at least one transport failure recorded for registerPublisher, got %v", got)
	}

	exitFlag := true
	done := make(chan error, 1)
	go func() {
		done <- n.Start(context.Background(), 0, &exitFlag)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the exit flag was set")
	}
}
