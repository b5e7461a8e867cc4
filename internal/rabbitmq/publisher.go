package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes mandatory, broker-confirmed messages
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for the broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker to confirm it. A message no queue
// accepts is reported as ErrUnroutable.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.enableConfirms(); err != nil {
		p.pool.Discard(ch)
		return &ChannelError{
			Op:        "enable confirms",
			ChannelID: ch.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	err = p.publish(ctx, ch, exchange, routingKey, msg)
	switch {
	case err == nil, errors.Is(err, ErrUnroutable), errors.Is(err, ErrPublishNotConfirmed):
		p.pool.Put(ch)
	default:
		// a late confirm or return would be misattributed to the next publish
		p.pool.Discard(ch)
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, ch *PooledChannel, exchange, routingKey string, msg amqp.Publishing) error {
	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx, exchange, routingKey, true, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := confirm.WaitContext(confirmCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPublishTimeout
	}
	if !acked {
		return ErrPublishNotConfirmed
	}

	// the broker sends basic.return ahead of the ack for the same message
	for {
		select {
		case ret, ok := <-ch.returns:
			if !ok {
				return nil
			}
			if ret.MessageId == msg.MessageId {
				p.logger.Debug("message returned",
					"messageId", ret.MessageId,
					"replyCode", ret.ReplyCode,
					"replyText", ret.ReplyText)
				return fmt.Errorf("%w: %s", ErrUnroutable, ret.ReplyText)
			}
		default:
			return nil
		}
	}
}
