package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-reqreply/internal/rabbitmq"
	"github.com/glimte/mmate-reqreply/internal/reliability"
)

// Connected is implemented by transports that know their connection state
type Connected interface {
	IsConnected() bool
}

// TransportChecker checks that a transport is connected
type TransportChecker struct {
	name      string
	transport Connected
}

// NewTransportChecker creates a checker reporting under name
func NewTransportChecker(name string, transport Connected) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Status: StatusHealthy, Message: "connected"}
	if !c.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// ChannelPoolChecker borrows and returns a channel
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"pool_size": c.pool.Size()},
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Pending is implemented by gateways
type Pending interface {
	Pending() int
	Destination() string
}

// GatewayChecker reports a gateway degraded once its outstanding calls reach
// a threshold
type GatewayChecker struct {
	gateway   Pending
	threshold int
}

// NewGatewayChecker creates a gateway checker. A threshold of zero never
// degrades.
func NewGatewayChecker(gateway Pending, threshold int) *GatewayChecker {
	return &GatewayChecker{gateway: gateway, threshold: threshold}
}

func (c *GatewayChecker) Name() string {
	return "gateway:" + c.gateway.Destination()
}

func (c *GatewayChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.gateway.Pending()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "gateway is healthy",
		Details:   map[string]any{"pending": pending},
	}
	if c.threshold > 0 && pending >= c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d calls awaiting replies", pending)
	}
	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker reports an open breaker as degraded
type CircuitBreakerChecker struct {
	name    string
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a breaker checker reporting under name
func NewCircuitBreakerChecker(name string, breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{name: name, breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return c.name
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "circuit " + state.String(),
		Details:   map[string]any{"state": state.String()},
	}
	if state != reliability.StateClosed {
		result.Status = StatusDegraded
	}
	result.Duration = time.Since(start)
	return result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a checker from fn
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	result := c.fn(ctx)
	result.Name = c.name
	return result
}
