package apicall

import (
	"time"

	"golang.org/x/time/rate"

	"crosnode/clock"
	"crosnode/errs"
)

// Sender performs the actual XML-RPC round trip for an admitted call. The
// dispatcher itself never touches a socket; TransportSend is supplied by the
// node package, backed by the non-blocking tcpros/ioreactor transport.
type Sender func(call *CallRecord) (result any, err error)

// Dispatcher enforces spec.md §4.4's admission policy: at most one in-flight
// call per (host, port) endpoint, queued calls otherwise preserving arrival
// order, with transport failures retried on a bounded backoff schedule
// instead of the teacher's blocking time.Sleep (middleware/retry_middleware.go)
// — here retries are re-enqueued onto clock.Wheel and the engine re-admits
// them on its own schedule, never parking a goroutine.
type Dispatcher struct {
	queue    *Queue
	inFlight map[Endpoint]*CallRecord
	limiter  *rate.Limiter
	wheel    *clock.Wheel
	nextID   int
	maxRetry int

	pendingRetry map[int]*CallRecord // callID -> record, armed in wheel under KindRetry
}

// NewDispatcher builds a Dispatcher. admitRate/admitBurst bound how many new
// calls may be admitted (start of round trip) per second across all
// endpoints combined, the same token-bucket shape as the teacher's
// RateLimitMiddleware — here applied to outbound admission rather than
// inbound request acceptance, since this node is usually the one placing the
// bursty side of the traffic (e.g. many registerPublisher calls on startup).
func NewDispatcher(wheel *clock.Wheel, admitRate float64, admitBurst int, maxRetry int) *Dispatcher {
	return &Dispatcher{
		queue:        NewQueue(),
		inFlight:     make(map[Endpoint]*CallRecord),
		limiter:      rate.NewLimiter(rate.Limit(admitRate), admitBurst),
		wheel:        wheel,
		maxRetry:     maxRetry,
		pendingRetry: make(map[int]*CallRecord),
	}
}

// Submit enqueues a new outbound call and assigns it a call id. It never
// blocks: the call is appended to the tail of the FIFO and admitted later by
// PollReady once its endpoint is free and the admission limiter allows it.
func (d *Dispatcher) Submit(call *CallRecord) int {
	d.nextID++
	call.ID = d.nextID
	d.queue.Enqueue(call)
	return call.ID
}

// PollReady admits at most one call whose endpoint is currently idle and
// returns it for the caller to actually send, or nil if nothing is
// admissible right now (queue empty, all target endpoints busy, or the
// admission limiter has no tokens). Calling code marks the endpoint busy by
// virtue of calling PollReady — Complete or Fail must eventually be called to
// free it.
func (d *Dispatcher) PollReady() *CallRecord {
	if !d.limiter.Allow() {
		return nil
	}
	call := d.queue.RemoveMatch(func(c *CallRecord) bool {
		_, busy := d.inFlight[c.Target]
		return !busy
	})
	if call == nil {
		return nil
	}
	d.inFlight[call.Target] = call
	return call
}

// Complete finishes a call successfully with a result the caller has
// already materialized (node/outbound.go runs FetchResult before calling
// Complete): it invokes the callback-once contract, frees the endpoint for
// the next queued call to that target, and frees the result.
func (d *Dispatcher) Complete(call *CallRecord, rawResult any) {
	delete(d.inFlight, call.Target)
	delete(d.pendingRetry, call.ID)
	call.complete(rawResult)
}

// Fail finishes a call that could not complete. Transport and Timeout
// failures are retried up to maxRetry times on a schedule placed in the
// clock.Wheel (spec.md's "bounded retry with backoff" for RequestTopic /
// registration calls against a transiently unreachable peer); all other
// Kinds (ProtocolHeader, XmlrpcCodec, Usage, ServiceFailed, Cancelled) are
// terminal and invoke the callback-once contract with result=nil
// immediately.
func (d *Dispatcher) Fail(call *CallRecord, cause error, attempt int, now int64) {
	delete(d.inFlight, call.Target)

	kind, _ := errs.KindOf(cause)
	retryable := (kind == errs.Transport || kind == errs.Timeout) && attempt < d.maxRetry
	if retryable {
		backoff := backoffFor(attempt)
		d.wheel.Schedule(now+backoff.Microseconds(), clock.KindRetry, call.ID)
		d.pendingRetry[call.ID] = call
		d.queue.Enqueue(call)
		return
	}

	delete(d.pendingRetry, call.ID)
	call.complete(nil)
}

// backoffFor returns an exponential backoff duration for the given zero-based
// retry attempt, capped at 8 seconds — the same doubling schedule the
// teacher's RetryMiddleware used, minus the blocking time.Sleep: the engine
// schedules the wakeup on clock.Wheel instead of parking a goroutine.
func backoffFor(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base << attempt
	if d > 8*time.Second || d <= 0 {
		return 8 * time.Second
	}
	return d
}

// Len reports the total number of calls still queued or in flight.
func (d *Dispatcher) Len() int {
	return d.queue.Len() + len(d.inFlight)
}

// CancelAll drains every queued and in-flight call with a Cancelled failure,
// for graceful shutdown (spec.md §4.8): each call's callback fires exactly
// once with result=nil, then the queue and in-flight table are cleared.
func (d *Dispatcher) CancelAll() {
	for {
		call := d.queue.Dequeue()
		if call == nil {
			break
		}
		call.complete(nil)
	}
	for ep, call := range d.inFlight {
		call.complete(nil)
		delete(d.inFlight, ep)
	}
	d.pendingRetry = make(map[int]*CallRecord)
}
