// Package nats implements messaging.Transport over core NATS.
//
// A destination is a subject. Plain subscriptions join a queue group, so
// competing consumers share the messages of a destination. Selector
// subscriptions are ordinary subscriptions filtered on the client: NATS
// hands every such subscription its own copy, so one instance's filter never
// takes a message from another. Temporary destinations are inboxes.
//
// Core NATS is at-most-once: a message published while nobody subscribes is
// dropped, and the caller sees a timeout instead of a send failure.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultQueueGroup = "mmate"
	defaultBufferSize = 256
)

// Transport implements messaging.Transport for NATS
type Transport struct {
	conn       *nats.Conn
	owned      bool
	queueGroup string
	bufferSize int
	logger     *slog.Logger
}

// Option configures a Transport
type Option func(*Transport)

// WithQueueGroup sets the queue group plain subscriptions join
func WithQueueGroup(group string) Option {
	return func(t *Transport) {
		t.queueGroup = group
	}
}

// WithBufferSize sets the per-subscription message buffer
func WithBufferSize(size int) Option {
	return func(t *Transport) {
		t.bufferSize = size
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport wraps an existing connection. Close leaves conn open.
func NewTransport(conn *nats.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:       conn,
		queueGroup: defaultQueueGroup,
		bufferSize: defaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials url with reconnection enabled and owns the connection
func Connect(url string, opts ...Option) (*Transport, error) {
	t := NewTransport(nil, opts...)

	conn, err := nats.Connect(url,
		nats.Name("mmate-reqreply"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ReconnectHandler(t.handleReconnect),
		nats.ErrorHandler(t.handleError),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	t.conn = conn
	t.owned = true
	return t, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, destination string, env *contracts.Envelope, opts ...messaging.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("nats: envelope cannot be nil")
	}
	o := messaging.ApplyPublishOptions(opts...)

	env.ID = uuid.NewString()
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := o.Assign(env.ID); err != nil {
		return err
	}

	if err := t.conn.PublishMsg(toMsg(destination, env)); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", destination, err)
	}
	return nil
}

// Subscribe implements messaging.Transport. The subscription ends when ctx
// is done or Close is called.
func (t *Transport) Subscribe(ctx context.Context, destination string, selector contracts.Selector) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make(chan *nats.Msg, t.bufferSize)
	var (
		sub *nats.Subscription
		err error
	)
	if selector.IsZero() {
		sub, err = t.conn.ChanQueueSubscribe(destination, t.queueGroup, in)
	} else {
		sub, err = t.conn.ChanSubscribe(destination, in)
	}
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe to %s: %w", destination, err)
	}

	s := &subscription{
		destination: destination,
		selector:    selector,
		sub:         sub,
		in:          in,
		out:         make(chan messaging.Delivery),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
		logger:      t.logger,
	}
	go s.pump(ctx)
	return s, nil
}

// CreateTemporaryDestination implements messaging.Transport
func (t *Transport) CreateTemporaryDestination(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return nats.NewInbox(), nil
}

// DeleteDestination implements messaging.Transport. Inboxes hold no server
// state, so ending their subscriptions is all there is to delete.
func (t *Transport) DeleteDestination(ctx context.Context, destination string) error {
	return nil
}

// IsConnected reports whether the connection is currently usable
func (t *Transport) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// Flush waits until the server has processed everything published so far
func (t *Transport) Flush(ctx context.Context) error {
	return t.conn.FlushWithContext(ctx)
}

// Close drains and closes a connection opened by Connect
func (t *Transport) Close() error {
	if !t.owned {
		return nil
	}
	return t.conn.Drain()
}

func (t *Transport) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		t.logger.Warn("nats disconnected", "error", err)
	}
}

func (t *Transport) handleReconnect(conn *nats.Conn) {
	t.logger.Info("nats reconnected", "url", conn.ConnectedUrlRedacted())
}

func (t *Transport) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		t.logger.Error("nats subscription error", "subject", sub.Subject, "error", err)
		return
	}
	t.logger.Error("nats error", "error", err)
}

// subscription adapts a channel subscription to messaging.Subscription
type subscription struct {
	destination string
	selector    contracts.Selector
	sub         *nats.Subscription
	in          chan *nats.Msg
	out         chan messaging.Delivery
	done        chan struct{}
	pumpDone    chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

func (s *subscription) Deliveries() <-chan messaging.Delivery {
	return s.out
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.pumpDone)
	defer close(s.out)
	defer func() {
		if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			s.logger.Debug("nats unsubscribe failed", "subject", s.destination, "error", err)
		}
	}()

	for {
		select {
		case msg := <-s.in:
			if !matches(s.selector, msg.Header) {
				continue
			}
			select {
			case s.out <- &delivery{msg: msg, source: s.destination}:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.pumpDone
	return nil
}

// delivery adapts *nats.Msg to messaging.Delivery. Core NATS has no
// acknowledgments, so Acknowledge only satisfies the interface.
type delivery struct {
	msg    *nats.Msg
	source string
}

func (d *delivery) Envelope() (*contracts.Envelope, error) {
	return fromMsg(d.source, d.msg)
}

func (d *delivery) Acknowledge() error {
	return nil
}
