package middleware

import (
	"golang.org/x/time/rate"

	"crosnode/errs"
	"crosnode/xmlrpc"
)

// RateLimitMiddleware guards the inbound control-plane server against a
// misbehaving peer hammering publisherUpdate/requestTopic, using the same
// token-bucket shape as the teacher's RateLimitMiddleware: tokens refill at
// r per second up to burst, and an empty bucket rejects immediately rather
// than queueing — a short-circuit, not a wait, since this engine has
// nowhere to park a blocked caller.
//
// The limiter is constructed once in the outer closure, shared across every
// call through this middleware instance, exactly as in the teacher's
// version — a limiter built per-call would hand every request a fresh full
// bucket and rate limiting would have no effect.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
			if !limiter.Allow() {
				return nil, errs.New(errs.Usage, "rate limit exceeded")
			}
			return next(method, args)
		}
	}
}
