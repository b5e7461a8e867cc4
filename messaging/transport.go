package messaging

import (
	"context"

	"github.com/glimte/mmate-reqreply/contracts"
)

// Transport is the broker contract consumed by gateways and responders
type Transport interface {
	// Publish sends an envelope to a destination. The transport assigns env.ID
	// (and env.Timestamp when zero) before the message becomes visible to any
	// consumer.
	Publish(ctx context.Context, destination string, env *contracts.Envelope, opts ...PublishOption) error

	// Subscribe consumes a destination. A non-zero selector restricts the
	// subscription to messages whose selector header matches.
	Subscribe(ctx context.Context, destination string, selector contracts.Selector) (Subscription, error)

	// CreateTemporaryDestination creates an ephemeral destination
	CreateTemporaryDestination(ctx context.Context) (string, error)

	// DeleteDestination removes a temporary destination
	DeleteDestination(ctx context.Context, destination string) error
}

// Subscription is a lazy, non-restartable sequence of deliveries
type Subscription interface {
	// Deliveries is closed when the subscription ends
	Deliveries() <-chan Delivery

	// Close cancels the subscription
	Close() error
}

// Delivery represents a message delivery from the transport
type Delivery interface {
	// Envelope decodes the delivery. Undecodable messages return a *contracts.DecodeError.
	Envelope() (*contracts.Envelope, error)

	// Acknowledge marks the message as consumed
	Acknowledge() error
}

// PublishOptions holds per-publish settings for transports
type PublishOptions struct {
	// OnAssign is called with the transport assigned id before the message is
	// visible to consumers. A non-nil error aborts the publish.
	OnAssign func(id string) error
}

// PublishOption configures a publish
type PublishOption func(*PublishOptions)

// WithAssignedID registers a callback receiving the transport assigned id
func WithAssignedID(fn func(id string) error) PublishOption {
	return func(o *PublishOptions) {
		o.OnAssign = fn
	}
}

// ApplyPublishOptions resolves publish options; transports call it from Publish
func ApplyPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Assign runs the OnAssign callback, if any
func (o PublishOptions) Assign(id string) error {
	if o.OnAssign == nil {
		return nil
	}
	return o.OnAssign(id)
}
