// Package reliability guards broker I/O.
//
// A CircuitBreaker sheds request publishes while the broker keeps failing, so
// callers fail fast with ErrCircuitOpen instead of queueing behind a dead
// connection. Retry with an ExponentialBackoff drives reconnects; wrap an
// error with Permanent to stop retrying it.
//
//	cb := NewCircuitBreaker(WithFailureThreshold(5), WithTimeout(30*time.Second))
//	err := cb.Execute(ctx, func() error {
//		return transport.Publish(ctx, destination, env)
//	})
package reliability
