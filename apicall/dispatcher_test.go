package apicall

import (
	"testing"

	"crosnode/clock"
	"crosnode/errs"
)

func newDispatcherForTest() *Dispatcher {
	// A generous admission rate/burst so tests exercise endpoint serialization,
	// not the token bucket itself.
	return NewDispatcher(clock.NewWheel(), 1000, 1000, 3)
}

func TestDispatcherSerializesPerEndpoint(t *testing.T) {
	d := newDispatcherForTest()
	ep := Endpoint{Host: "peer", Port: 1234}

	var calledA, calledB int
	a := &CallRecord{Target: ep, ResultCallback: func(id int, result, ctx any) { calledA++ }}
	b := &CallRecord{Target: ep, ResultCallback: func(id int, result, ctx any) { calledB++ }}
	d.Submit(a)
	d.Submit(b)

	ready := d.PollReady()
	if ready != a {
		t.Fatalf("expect a admitted first, got %v", ready)
	}
	// b targets the same endpoint, which is now busy — must not be admitted.
	if second := d.PollReady(); second != nil {
		t.Fatalf("expect no second admission while endpoint busy, got %v", second)
	}

	d.Complete(ready, "ok")
	if calledA != 1 {
		t.Fatalf("expect a's callback fired once, got %d", calledA)
	}

	readyB := d.PollReady()
	if readyB != b {
		t.Fatalf("expect b admitted once endpoint freed, got %v", readyB)
	}
	d.Complete(readyB, "ok")
	if calledB != 1 {
		t.Fatalf("expect b's callback fired once, got %d", calledB)
	}
}

func TestDispatcherAllowsDistinctEndpointsConcurrently(t *testing.T) {
	d := newDispatcherForTest()
	a := &CallRecord{Target: Endpoint{"host1", 1}}
	b := &CallRecord{Target: Endpoint{"host2", 1}}
	d.Submit(a)
	d.Submit(b)

	first := d.PollReady()
	second := d.PollReady()
	if first == nil || second == nil || first == second {
		t.Fatalf("expect both calls admitted since endpoints differ, got %v %v", first, second)
	}
}

func TestDispatcherCallbackFiresExactlyOnce(t *testing.T) {
	d := newDispatcherForTest()
	calls := 0
	rec := &CallRecord{
		Target:         Endpoint{"h", 1},
		ResultCallback: func(id int, result, ctx any) { calls++ },
	}
	d.Submit(rec)
	ready := d.PollReady()
	d.Complete(ready, "result")

	if calls != 1 {
		t.Fatalf("expect callback exactly once, got %d", calls)
	}
}

func TestDispatcherRetriesTransportFailureThenGivesUp(t *testing.T) {
	d := newDispatcherForTest()
	calls := 0
	rec := &CallRecord{
		Target:         Endpoint{"h", 1},
		ResultCallback: func(id int, result, ctx any) { calls++ },
	}
	d.Submit(rec)

	transportErr := errs.New(errs.Transport, "connection refused")

	for attempt := 0; attempt < 3; attempt++ {
		ready := d.PollReady()
		if ready == nil {
			t.Fatalf("attempt %d: expect call re-admitted after retry", attempt)
		}
		d.Fail(ready, transportErr, attempt, int64(attempt)*1000)
		if calls != 0 {
			t.Fatalf("attempt %d: callback must not fire while retries remain", attempt)
		}
	}

	// Final attempt (3) exceeds maxRetry (3), so this failure is terminal.
	ready := d.PollReady()
	if ready == nil {
		t.Fatal("expect final retry admitted")
	}
	d.Fail(ready, transportErr, 3, 4000)
	if calls != 1 {
		t.Fatalf("expect terminal failure to fire callback exactly once, got %d", calls)
	}
}

func TestDispatcherDoesNotRetryUsageErrors(t *testing.T) {
	d := newDispatcherForTest()
	calls := 0
	rec := &CallRecord{
		Target:         Endpoint{"h", 1},
		ResultCallback: func(id int, result, ctx any) { calls++ },
	}
	d.Submit(rec)
	ready := d.PollReady()
	d.Fail(ready, errs.New(errs.Usage, "bad args"), 0, 0)

	if calls != 1 {
		t.Fatalf("expect immediate terminal callback for a Usage error, got %d", calls)
	}
	if again := d.PollReady(); again != nil {
		t.Fatal("expect a Usage failure not re-queued for retry")
	}
}

func TestDispatcherCancelAllDrainsQueueAndInFlight(t *testing.T) {
	d := newDispatcherForTest()
	var calls int
	cb := func(id int, result, ctx any) { calls++ }

	first := &CallRecord{Target: Endpoint{"h", 1}, ResultCallback: cb}
	second := &CallRecord{Target: Endpoint{"h", 2}, ResultCallback: cb}
	d.Submit(first)
	d.Submit(second)
	got := d.PollReady()
	if got != first {
		t.Fatalf("expect first call admitted (leaving second still queued), got %v", got)
	}

	d.CancelAll()
	if calls != 2 {
		t.Fatalf("expect both queued and in-flight calls cancelled, got %d callbacks", calls)
	}
	if d.Len() != 0 {
		t.Fatalf("expect dispatcher empty after CancelAll, got len %d", d.Len())
	}
}
