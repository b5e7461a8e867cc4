package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer starts manual-ack consumptions, each on its own channel
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
	active        sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consumption is one active basic.consume
type Consumption struct {
	Queue       string
	ConsumerTag string

	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	consumer   *Consumer
	cancelOnce sync.Once
}

// Deliveries is closed when the consumer is cancelled or the channel closes
func (c *Consumption) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Cancel stops the consumption and closes its channel
func (c *Consumption) Cancel() error {
	var err error
	c.cancelOnce.Do(func() {
		c.consumer.active.Delete(c.ConsumerTag)
		if !c.channel.IsClosed() {
			if cancelErr := c.channel.Cancel(c.ConsumerTag, false); cancelErr != nil {
				err = cancelErr
			}
			c.channel.Close()
		}
		c.consumer.logger.Debug("consumer stopped", "queue", c.Queue, "consumerTag", c.ConsumerTag)
	})
	return err
}

// Consume starts consuming queue with manual acknowledgments
func (c *Consumer) Consume(ctx context.Context, queue string) (*Consumption, error) {
	tag := "mmate-" + uuid.New().String()

	fail := func(op string, err error) (*Consumption, error) {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ctx.Err(); err != nil {
		return fail("subscribe", err)
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return fail("subscribe", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fail("qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fail("consume", err)
	}

	consumption := &Consumption{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		deliveries:  deliveries,
		consumer:    c,
	}
	c.active.Store(tag, consumption)

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return consumption, nil
}

// Active returns the number of running consumptions
func (c *Consumer) Active() int {
	n := 0
	c.active.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CancelAll stops every running consumption
func (c *Consumer) CancelAll() {
	c.active.Range(func(_, value any) bool {
		if err := value.(*Consumption).Cancel(); err != nil {
			c.logger.Warn("failed to cancel consumer", "error", err)
		}
		return true
	})
}
