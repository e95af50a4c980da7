package middleware

import (
	"github.com/sirupsen/logrus"

	"crosnode/clock"
	"crosnode/xmlrpc"
)

// LoggingMiddleware records the method name, duration, and any error for
// each inbound control-plane call, via clock.Now() deltas rather than
// time.Since so its notion of elapsed time matches the engine's injectable
// clock rather than the wall clock — important for deterministic tests that
// drive a fake clock.Source.
func LoggingMiddleware(log *logrus.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(method string, args []xmlrpc.Value) ([]xmlrpc.Value, error) {
			start := clock.Now()
			result, err := next(method, args)
			elapsedUsec := clock.Now() - start

			entry := log.WithFields(logrus.Fields{
				"method":       method,
				"elapsed_usec": elapsedUsec,
			})
			if err != nil {
				entry.WithError(err).Warn("control-plane call failed")
			} else {
				entry.Debug("control-plane call completed")
			}
			return result, err
		}
	}
}
