// Package interceptors wraps a responder's request handling in a chain of
// interceptors.
//
// Interceptors run in the order they were added; each decides whether to call
// the next one. A request an interceptor does not pass on is consumed without
// a reply, so its caller sees a timeout:
//
//	chain := interceptors.NewChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(interceptors.HeaderEquals("tenant", "a"), interceptors.SkipSilently)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second))
package interceptors
