package middleware

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"crosnode/errs"
	"crosnode/xmlrpc"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func echoHandler(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
	return args, nil
}

func failingHandler(kind errs.Kind) HandlerFunc {
	return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
		return nil, errs.New(kind, "simulated failure")
	}
}

func TestLoggingPassesThroughResult(t *testing.T) {
	handler := LoggingMiddleware(testLogger())(echoHandler)
	result, err := handler("getPid", []xmlrpc.Value{xmlrpc.Str("/caller")})
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expect passthrough result, got %v", result)
	}
}

func TestRateLimitAllowsBurstThenRejects(t *testing.T) {
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler("getPid", nil); err != nil {
			t.Fatalf("request %d should pass within burst, got %v", i, err)
		}
	}
	if _, err := handler("getPid", nil); !errs.Is(err, errs.Usage) {
		t.Fatalf("expect 3rd request rate limited with Usage kind, got %v", err)
	}
}

func TestTimeoutMiddlewareLogsWithoutAborting(t *testing.T) {
	handler := TimeoutMiddleware(testLogger(), 1)(echoHandler)
	result, err := handler("getPid", []xmlrpc.Value{xmlrpc.Str("/caller")})
	if err != nil {
		t.Fatalf("expect handler to still complete normally, got %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expect passthrough result even past budget, got %v", result)
	}
}

func TestRetryMiddlewareReschedulesTransportFailure(t *testing.T) {
	var rescheduledAttempt int
	var rescheduledAt int64
	reschedule := func(method string, args []xmlrpc.Value, attempt int, at int64) int64 {
		rescheduledAttempt = attempt
		rescheduledAt = at
		return 1
	}
	handler := RetryMiddleware(3, 10*time.Millisecond, 0, reschedule)(failingHandler(errs.Transport))

	_, err := handler("registerSubscriber", nil)
	if err == nil {
		t.Fatal("expect the original failure to still be returned immediately")
	}
	if rescheduledAttempt != 1 {
		t.Fatalf("expect reschedule called with attempt 1, got %d", rescheduledAttempt)
	}
	if rescheduledAt <= 0 {
		t.Fatal("expect a future deadline to be armed")
	}
}

func TestRetryMiddlewareDoesNotRescheduleUsageErrors(t *testing.T) {
	called := false
	reschedule := func(method string, args []xmlrpc.Value, attempt int, at int64) int64 {
		called = true
		return 0
	}
	handler := RetryMiddleware(3, 10*time.Millisecond, 0, reschedule)(failingHandler(errs.Usage))

	if _, err := handler("getParam", nil); err == nil {
		t.Fatal("expect the usage error to propagate")
	}
	if called {
		t.Fatal("expect no reschedule for a non-retryable error kind")
	}
}

func TestChainPreservesOuterToInnerOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
				order = append(order, name+":before")
				result, err := next(method, args)
				order = append(order, name+":after")
				return result, err
			}
		}
	}
	chained := Chain(trace("A"), trace("B"))
	handler := chained(echoHandler)

	if _, err := handler("getPid", nil); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	want := []string{"A:before", "B:before", "B:after", "A:after"}
	if len(order) != len(want) {
		t.Fatalf("expect order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect order %v, got %v", want, order)
		}
	}
}
