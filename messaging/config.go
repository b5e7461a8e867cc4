package messaging

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-reqreply/internal/reliability"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConcurrentListeners = 1
	DefaultRequestTimeout      = 20 * time.Second
	DefaultPurgeSweepInterval  = time.Second
)

// GatewayConfig configures a request gateway
type GatewayConfig struct {
	// Destination receives the requests
	Destination string
	// ConcurrentListeners is the number of reply workers per reply subscription
	ConcurrentListeners int
	// RequestTimeout bounds every call unless overridden per call
	RequestTimeout time.Duration
	// PurgeSweepInterval is how often expired entries are swept
	PurgeSweepInterval time.Duration
	// Correlation decides how replies are matched to requests
	Correlation CorrelationStrategy
	// ReplyTo decides where replies are delivered
	ReplyTo ReplyDestination
}

// DefaultGatewayConfig returns a config for destination with default settings
func DefaultGatewayConfig(destination string) GatewayConfig {
	return GatewayConfig{
		Destination:         destination,
		ConcurrentListeners: DefaultConcurrentListeners,
		RequestTimeout:      DefaultRequestTimeout,
		PurgeSweepInterval:  DefaultPurgeSweepInterval,
		Correlation:         CorrelationIDStrategy{},
		ReplyTo:             SharedTemporaryReplies(),
	}
}

// withDefaults fills zero fields with defaults
func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.ConcurrentListeners == 0 {
		c.ConcurrentListeners = DefaultConcurrentListeners
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.PurgeSweepInterval == 0 {
		c.PurgeSweepInterval = DefaultPurgeSweepInterval
	}
	if c.Correlation == nil {
		c.Correlation = CorrelationIDStrategy{}
	}
	if c.ReplyTo.Kind == 0 {
		c.ReplyTo = SharedTemporaryReplies()
	}
	return c
}

// Validate checks the config
func (c GatewayConfig) Validate() error {
	if c.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidConfig)
	}
	if c.ConcurrentListeners < 1 {
		return fmt.Errorf("%w: concurrent listeners must be positive, got %d", ErrInvalidConfig, c.ConcurrentListeners)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be positive, got %v", ErrInvalidConfig, c.RequestTimeout)
	}
	if c.PurgeSweepInterval <= 0 {
		return fmt.Errorf("%w: purge sweep interval must be positive, got %v", ErrInvalidConfig, c.PurgeSweepInterval)
	}
	if c.Correlation == nil {
		return fmt.Errorf("%w: correlation strategy is required", ErrInvalidConfig)
	}
	return c.ReplyTo.validate()
}

// MessageIDCorrelation returns the strategy keying replies on the request's transport id
func MessageIDCorrelation() CorrelationStrategy {
	return MessageIDStrategy{}
}

// ClientCorrelation returns the strategy keying replies on gateway generated ids
func ClientCorrelation() CorrelationStrategy {
	return CorrelationIDStrategy{}
}

// gatewayOptions holds the collaborators of a gateway
type gatewayOptions struct {
	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer
	breaker    *reliability.CircuitBreaker
	instanceID string
}

// GatewayOption configures a gateway
type GatewayOption func(*gatewayOptions)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(o *gatewayOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) GatewayOption {
	return func(o *gatewayOptions) {
		o.metrics = metrics
	}
}

// WithTracer sets the tracer used for call spans
func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(o *gatewayOptions) {
		o.tracer = tracer
	}
}

// WithCircuitBreaker guards request publishing with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) GatewayOption {
	return func(o *gatewayOptions) {
		o.breaker = cb
	}
}

// WithInstanceID overrides the generated instance id. The id prefixes
// generated keys and is the selector value for persistent reply destinations.
func WithInstanceID(id string) GatewayOption {
	return func(o *gatewayOptions) {
		o.instanceID = id
	}
}

// CallOption configures a single call
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	headers map[string]string
}

// WithCallTimeout overrides the gateway's request timeout for one call
func WithCallTimeout(timeout time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = timeout
	}
}

// WithCallHeaders adds headers to the request
func WithCallHeaders(headers map[string]string) CallOption {
	return func(o *callOptions) {
		o.headers = headers
	}
}
