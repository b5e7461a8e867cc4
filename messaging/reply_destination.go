package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-reqreply/contracts"
)

// ReplyKind selects where replies are delivered
type ReplyKind int

const (
	// PerCallTemporary creates a temporary destination for every call
	PerCallTemporary ReplyKind = iota + 1
	// PerGatewayTemporary shares one temporary destination across all calls of a gateway
	PerGatewayTemporary
	// PersistentShared uses a named destination, optionally shared with other gateways
	PersistentShared
)

func (k ReplyKind) String() string {
	switch k {
	case PerCallTemporary:
		return "per-call-temporary"
	case PerGatewayTemporary:
		return "per-gateway-temporary"
	case PersistentShared:
		return "persistent-shared"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ReplyDestination describes a gateway's reply channel
type ReplyDestination struct {
	Kind ReplyKind
	// Name of the persistent destination
	Name string
	// SelectorHeader is stamped with the gateway instance id on every request
	// so gateways sharing Name only receive their own replies. Empty means
	// contracts.HeaderReplyInstance.
	SelectorHeader string
}

// PerCallTemporaryReplies delivers each reply on its own temporary destination
func PerCallTemporaryReplies() ReplyDestination {
	return ReplyDestination{Kind: PerCallTemporary}
}

// SharedTemporaryReplies delivers replies on one temporary destination per gateway
func SharedTemporaryReplies() ReplyDestination {
	return ReplyDestination{Kind: PerGatewayTemporary}
}

// PersistentReplies delivers replies on the named destination. Each gateway
// subscribes with a selector on its instance id, so any number of gateways
// may share name.
func PersistentReplies(name, selectorHeader string) ReplyDestination {
	return ReplyDestination{Kind: PersistentShared, Name: name, SelectorHeader: selectorHeader}
}

func (d ReplyDestination) validate() error {
	switch d.Kind {
	case PerCallTemporary, PerGatewayTemporary:
		return nil
	case PersistentShared:
		if d.Name == "" {
			return fmt.Errorf("%w: persistent reply destination needs a name", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrUnknownReplyKind, d.Kind)
	}
}

// outboundReply is what a single call needs to receive its reply
type outboundReply struct {
	replyTo string
	headers map[string]string
	// sub is set for per-call destinations
	sub     Subscription
	release func()
}

// replyRoute manages the reply destination for one gateway
type replyRoute struct {
	dest       ReplyDestination
	transport  Transport
	instanceID string
	logger     *slog.Logger

	// shared is the gateway level destination; empty for per-call
	shared    string
	temporary bool
}

func newReplyRoute(dest ReplyDestination, transport Transport, instanceID string, logger *slog.Logger) *replyRoute {
	return &replyRoute{
		dest:       dest,
		transport:  transport,
		instanceID: instanceID,
		logger:     logger,
	}
}

// open prepares the gateway level destination and subscribes to it.
// Per-call routes return no subscription.
func (r *replyRoute) open(ctx context.Context) (Subscription, error) {
	switch r.dest.Kind {
	case PerCallTemporary:
		return nil, nil

	case PerGatewayTemporary:
		name, err := r.transport.CreateTemporaryDestination(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create reply destination: %w", err)
		}
		r.shared = name
		r.temporary = true

		sub, err := r.transport.Subscribe(ctx, name, contracts.Selector{})
		if err != nil {
			r.deleteShared(ctx)
			return nil, fmt.Errorf("failed to subscribe to reply destination %s: %w", name, err)
		}
		return sub, nil

	case PersistentShared:
		r.shared = r.dest.Name
		sub, err := r.transport.Subscribe(ctx, r.dest.Name, r.selector())
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to reply destination %s: %w", r.dest.Name, err)
		}
		return sub, nil

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownReplyKind, r.dest.Kind)
	}
}

func (r *replyRoute) selector() contracts.Selector {
	if r.dest.Kind != PersistentShared {
		return contracts.Selector{}
	}
	header := r.dest.SelectorHeader
	if header == "" {
		header = contracts.HeaderReplyInstance
	}
	return contracts.Selector{Header: header, Value: r.instanceID}
}

// prepare returns the reply-to address for one call. For per-call routes the
// subscription is live before prepare returns, so no reply can be missed.
func (r *replyRoute) prepare(ctx context.Context) (outboundReply, error) {
	if r.dest.Kind != PerCallTemporary {
		out := outboundReply{replyTo: r.shared, release: func() {}}
		if sel := r.selector(); !sel.IsZero() {
			out.headers = map[string]string{
				sel.Header:                    sel.Value,
				contracts.HeaderReplySelector: sel.Header,
			}
		}
		return out, nil
	}

	name, err := r.transport.CreateTemporaryDestination(ctx)
	if err != nil {
		return outboundReply{}, fmt.Errorf("failed to create reply destination: %w", err)
	}
	sub, err := r.transport.Subscribe(ctx, name, contracts.Selector{})
	if err != nil {
		r.delete(context.WithoutCancel(ctx), name)
		return outboundReply{}, fmt.Errorf("failed to subscribe to reply destination %s: %w", name, err)
	}

	return outboundReply{
		replyTo: name,
		sub:     sub,
		release: func() {
			if err := sub.Close(); err != nil {
				r.logger.Debug("failed to close reply subscription", "destination", name, "error", err)
			}
			r.delete(context.WithoutCancel(ctx), name)
		},
	}, nil
}

func (r *replyRoute) delete(ctx context.Context, name string) {
	if err := r.transport.DeleteDestination(ctx, name); err != nil {
		r.logger.Warn("failed to delete reply destination", "destination", name, "error", err)
	}
}

func (r *replyRoute) deleteShared(ctx context.Context) {
	if r.temporary && r.shared != "" {
		r.delete(ctx, r.shared)
		r.shared = ""
	}
}

// close deletes the gateway level temporary destination, if any
func (r *replyRoute) close(ctx context.Context) {
	r.deleteShared(ctx)
}
