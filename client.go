// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-reqreply/health"
	"github.com/glimte/mmate-reqreply/messaging"
	natsTransport "github.com/glimte/mmate-reqreply/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-reqreply/transports/rabbitmq"
	"go.opentelemetry.io/otel/trace"
)

// ErrClientClosed is returned when creating components on a closed client
var ErrClientClosed = errors.New("mmate: client closed")

// Client owns a transport and the gateways and responders built on it
type Client struct {
	transport messaging.Transport
	owned     io.Closer
	health    *health.Registry
	cfg       *clientConfig

	mu         sync.Mutex
	closed     bool
	gateways   []*messaging.Gateway
	responders []*messaging.Responder
}

// NewClient connects to RabbitMQ
func NewClient(ctx context.Context, connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := append([]rabbitmqTransport.TransportOption{rabbitmqTransport.WithLogger(cfg.logger)}, cfg.rabbitmqOptions...)

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	c := newClient(transport, transport, cfg)
	c.health.Register(health.NewChannelPoolChecker(transport.Pool()))
	return c, nil
}

// NewNATSClient connects to NATS
func NewNATSClient(url string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	natsOpts := append([]natsTransport.Option{natsTransport.WithLogger(cfg.logger)}, cfg.natsOptions...)
	transport, err := natsTransport.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return newClient(transport, transport, cfg), nil
}

// NewClientWithTransport builds a client on a caller-owned transport. Close
// leaves the transport open.
func NewClientWithTransport(transport messaging.Transport, options ...ClientOption) *Client {
	return newClient(transport, nil, newClientConfig(options))
}

func newClient(transport messaging.Transport, owned io.Closer, cfg *clientConfig) *Client {
	c := &Client{
		transport: transport,
		owned:     owned,
		health:    health.NewRegistry(),
		cfg:       cfg,
	}
	if connected, ok := transport.(health.Connected); ok {
		c.health.Register(health.NewTransportChecker("transport", connected))
	}
	return c
}

// Gateway creates a gateway sending requests to cfg.Destination. The
// client's logger, metrics and tracer apply unless opts override them.
func (c *Client) Gateway(ctx context.Context, cfg messaging.GatewayConfig, opts ...messaging.GatewayOption) (*messaging.Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	gatewayOpts := []messaging.GatewayOption{messaging.WithLogger(c.cfg.logger)}
	if c.cfg.metrics != nil {
		gatewayOpts = append(gatewayOpts, messaging.WithMetrics(c.cfg.metrics))
	}
	if c.cfg.tracer != nil {
		gatewayOpts = append(gatewayOpts, messaging.WithTracer(c.cfg.tracer))
	}

	gw, err := messaging.NewGateway(ctx, c.transport, cfg, append(gatewayOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	c.gateways = append(c.gateways, gw)
	c.health.Register(health.NewGatewayChecker(gw, c.cfg.pendingThreshold))
	return gw, nil
}

// Responder creates a responder consuming cfg.Destination
func (c *Client) Responder(ctx context.Context, cfg messaging.ResponderConfig, opts ...messaging.ResponderOption) (*messaging.Responder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	responderOpts := []messaging.ResponderOption{messaging.WithResponderLogger(c.cfg.logger)}
	if c.cfg.tracer != nil {
		responderOpts = append(responderOpts, messaging.WithResponderTracer(c.cfg.tracer))
	}

	r, err := messaging.NewResponder(ctx, c.transport, cfg, append(responderOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	c.responders = append(c.responders, r)
	return r, nil
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Health returns the registry holding the transport and gateway checks
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close stops responders first, then gateways, then the owned transport
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	responders, gateways := c.responders, c.gateways
	c.responders, c.gateways = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, r := range responders {
		errs = append(errs, r.Close())
	}
	for _, gw := range gateways {
		errs = append(errs, gw.Close())
	}
	if c.owned != nil {
		errs = append(errs, c.owned.Close())
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	metrics          messaging.MetricsCollector
	tracer           trace.Tracer
	pendingThreshold int
	rabbitmqOptions  []rabbitmqTransport.TransportOption
	natsOptions      []natsTransport.Option
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics records every gateway's calls on metrics
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTracer sets the tracer for gateways and responders
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithPendingThreshold reports a gateway degraded once this many calls await
// replies
func WithPendingThreshold(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.pendingThreshold = n
	}
}

// WithRabbitMQOptions passes options to the RabbitMQ transport
func WithRabbitMQOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rabbitmqOptions = append(cfg.rabbitmqOptions, opts...)
	}
}

// WithNATSOptions passes options to the NATS transport
func WithNATSOptions(opts ...natsTransport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.natsOptions = append(cfg.natsOptions, opts...)
	}
}
