// fairStart adapts the teacher's loadbalance.RoundRobinBalancer (an atomic
// counter rotating across service instances) into a rotation across this
// iteration's ready sockets: without it, sessions early in n.sessions would
// always get serviced before later ones whenever more are ready than the
// loop has budget for, starving the tail across iterations. The engine has
// exactly one goroutine touching n.fairCounter, so the atomic is dropped —
// same arithmetic, ordinary int64.
package node

// fairStart returns the index to begin this iteration's session scan at,
// and advances the counter for next time. Returns 0 for an empty set.
func fairStart(n int, counter *int64) int {
	if n == 0 {
		return 0
	}
	start := int(*counter % int64(n))
	*counter++
	return start
}
