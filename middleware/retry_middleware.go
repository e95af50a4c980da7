package middleware

import (
	"time"

	"crosnode/clock"
	"crosnode/errs"
	"crosnode/xmlrpc"
)

// Rescheduler arms a later retry of method/args at absolute instant at and
// returns a clock.Wheel handle, without blocking the calling goroutine — the
// engine later fires it from its own Due() scan. attempt is the zero-based
// retry count so far, letting the caller track how many attempts remain.
type Rescheduler func(method string, args []xmlrpc.Value, attempt int, at int64) (handle int64)

// RetryMiddleware is a redesign, not a port, of the teacher's
// RetryMiddleware (middleware/retry_middleware.go in the reference
// corpus): that version retries synchronously, blocking the calling
// goroutine on time.Sleep between attempts. spec.md §5 forbids any
// callback from blocking, so this version never sleeps and never calls
// next() a second time itself. Instead, on a retryable failure
// (errs.Transport or errs.Timeout) it computes the next exponential-backoff
// deadline and hands it to reschedule, which the engine turns into a
// clock.Wheel entry; the original failure is still returned immediately so
// the caller (the control-plane response writer) is never blocked waiting
// on a retry that hasn't happened yet. attempt starts at 0 and the caller
// is expected to invoke this middleware again (via its own retry path) with
// an incremented attempt once the rescheduled call itself fails.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, attempt int, reschedule Rescheduler) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
			result, err := next(method, args)
			if err == nil {
				return result, nil
			}
			kind, ok := errs.KindOf(err)
			if !ok || (kind != errs.Transport && kind != errs.Timeout) || attempt >= maxRetries {
				return result, err
			}
			backoff := baseDelay * time.Duration(1<<attempt)
			at := clock.Now() + backoff.Microseconds()
			reschedule(method, args, attempt+1, at)
			return result, err
		}
	}
}
