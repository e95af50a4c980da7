package middleware

import (
	"github.com/sirupsen/logrus"

	"crosnode/clock"
	"crosnode/xmlrpc"
)

// TimeoutMiddleware is a redesign, not a port, of the teacher's
// TimeOutMiddleware (middleware/timeout_middleware.go): that version races
// next() in a goroutine against context.WithTimeout and returns an error the
// instant the timer fires, abandoning the still-running handler goroutine.
// Control-plane handlers here do no I/O of their own (they are synchronous
// registry mutations — apicall/tcpros own the only blocking-shaped work,
// and neither blocks the engine either), so there is nothing to race: a slow
// handler already ran to completion by the time this middleware sees it.
// Instead this records, after the fact, whether the call's wall-clock cost
// (measured via clock.Now(), consistent with the engine's injectable clock
// rather than time.Now()) exceeded budget and logs a warning — a diagnostic
// for "something in this handler is unexpectedly slow," not an abort.
func TimeoutMiddleware(log *logrus.Logger, budgetUsec int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
			start := clock.Now()
			result, err := next(method, args)
			elapsed := clock.Now() - start
			if elapsed > budgetUsec {
				log.WithFields(logrus.Fields{
					"method":       method,
					"elapsed_usec": elapsed,
					"budget_usec":  budgetUsec,
				}).Warn("control-plane handler exceeded its time budget")
			}
			return result, err
		}
	}
}
