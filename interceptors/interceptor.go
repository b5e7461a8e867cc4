package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
)

// Handler handles one request
type Handler interface {
	Handle(ctx context.Context, request *contracts.Envelope) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, request *contracts.Envelope) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, request *contracts.Envelope) error {
	return f(ctx, request)
}

// Interceptor processes a request and decides whether to call next
type Interceptor interface {
	Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, request *contracts.Envelope, next Handler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, request *contracts.Envelope, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	return i.fn(ctx, request, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors. It is not safe to Add while
// Execute runs.
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Execute runs request through the interceptors and then final
func (c *Chain) Execute(ctx context.Context, request *contracts.Envelope, final Handler) error {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor, next := c.interceptors[i], handler
		handler = HandlerFunc(func(ctx context.Context, request *contracts.Envelope) error {
			return interceptor.Intercept(ctx, request, next)
		})
	}
	return handler.Handle(ctx, request)
}

// LoggingInterceptor logs every request and its outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	start := time.Now()
	i.logger.Debug("handling request",
		"messageId", request.ID,
		"correlationId", request.CorrelationID,
		"replyTo", request.ReplyTo)

	err := next.Handle(ctx, request)
	if err != nil {
		i.logger.Error("request failed",
			"messageId", request.ID,
			"duration", time.Since(start),
			"error", err)
		return err
	}
	i.logger.Debug("request handled", "messageId", request.ID, "duration", time.Since(start))
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the rest of the chain. A handler still running at
// the deadline keeps running with a cancelled context; its result is dropped.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(ctx, request)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("request %s not handled within %v: %w", request.ID, i.timeout, ctx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker is satisfied by reliability.CircuitBreaker
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor stops handling requests while the breaker is open
type CircuitBreakerInterceptor struct {
	breaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(breaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) error {
	return i.breaker.Execute(ctx, func() error {
		return next.Handle(ctx, request)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// RecoveryInterceptor turns a panic further down the chain into an error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, request *contracts.Envelope, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("request handler panicked",
				"messageId", request.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic handling request %s: %v", request.ID, r)
		}
	}()
	return next.Handle(ctx, request)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
