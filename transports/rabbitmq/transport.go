package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-reqreply/contracts"
	"github.com/glimte/mmate-reqreply/internal/rabbitmq"
	"github.com/glimte/mmate-reqreply/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport implements messaging.Transport for RabbitMQ.
//
// Every message is published to the rabbitmq.DestinationExchange headers
// exchange. A plain subscription consumes the durable queue named after its
// destination; a selector subscription gets its own exclusive queue bound on
// the destination and the selector header. Publishes are mandatory, so a
// destination nobody has subscribed to yet fails the publish.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	mu        sync.Mutex
	temporary map[string]struct{}
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and its AMQP plumbing
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

var _ messaging.Transport = (*Transport)(nil)

// NewTransport connects to the broker and declares the destination exchange
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:  rabbitmq.NewConsumer(manager, consOpts...),
		topology:  rabbitmq.NewTopologyManager(pool),
		logger:    cfg.Logger,
		temporary: make(map[string]struct{}),
	}

	if err := t.topology.DeclareTopology(ctx, rabbitmq.DefaultTopology()); err != nil {
		pool.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	manager.AddStateListener(t)
	return t, nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, destination string, env *contracts.Envelope, opts ...messaging.PublishOption) error {
	if env == nil {
		return fmt.Errorf("rabbitmq: envelope cannot be nil")
	}
	o := messaging.ApplyPublishOptions(opts...)

	env.ID = uuid.NewString()
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if err := o.Assign(env.ID); err != nil {
		return err
	}

	if err := t.publisher.Publish(ctx, rabbitmq.DestinationExchange, "", toPublishing(destination, env)); err != nil {
		return &rabbitmq.PublishError{
			Exchange:    rabbitmq.DestinationExchange,
			Destination: destination,
			MessageID:   env.ID,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return nil
}

// Subscribe implements messaging.Transport. The subscription ends when ctx
// is done, Close is called or the connection drops.
func (t *Transport) Subscribe(ctx context.Context, destination string, selector contracts.Selector) (messaging.Subscription, error) {
	queue, cleanup, err := t.queueFor(ctx, destination, selector)
	if err != nil {
		return nil, err
	}

	consumption, err := t.consumer.Consume(ctx, queue)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	s := &subscription{
		destination: destination,
		consumption: consumption,
		out:         make(chan messaging.Delivery),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
		cleanup:     cleanup,
		logger:      t.logger,
	}
	go s.pump(ctx)
	return s, nil
}

// queueFor declares the queue a subscription consumes. cleanup, when
// non-nil, removes a queue owned by the subscription.
func (t *Transport) queueFor(ctx context.Context, destination string, selector contracts.Selector) (string, func(), error) {
	if selector.IsZero() {
		if t.isTemporary(destination) {
			return destination, nil, nil
		}
		_, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
			Name:    destination,
			Durable: true,
		})
		if err != nil {
			return "", nil, err
		}
		if err := t.topology.BindQueue(ctx, rabbitmq.DestinationBinding(destination, destination, nil)); err != nil {
			return "", nil, err
		}
		return destination, nil, nil
	}

	q, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := t.topology.DeleteQueue(context.Background(), q.Name); err != nil {
			t.logger.Debug("failed to delete selector queue", "queue", q.Name, "error", err)
		}
	}

	binding := rabbitmq.DestinationBinding(q.Name, destination, map[string]string{selector.Header: selector.Value})
	if err := t.topology.BindQueue(ctx, binding); err != nil {
		cleanup()
		return "", nil, err
	}
	return q.Name, cleanup, nil
}

// CreateTemporaryDestination implements messaging.Transport with a
// broker-named exclusive queue, removed by DeleteDestination or when the
// connection closes
func (t *Transport) CreateTemporaryDestination(ctx context.Context) (string, error) {
	q, err := t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Exclusive: true})
	if err != nil {
		return "", err
	}
	if err := t.topology.BindQueue(ctx, rabbitmq.DestinationBinding(q.Name, q.Name, nil)); err != nil {
		_ = t.topology.DeleteQueue(context.WithoutCancel(ctx), q.Name)
		return "", err
	}

	t.mu.Lock()
	t.temporary[q.Name] = struct{}{}
	t.mu.Unlock()
	return q.Name, nil
}

// DeleteDestination implements messaging.Transport. Only temporary
// destinations are deleted; durable destination queues outlive their consumers.
func (t *Transport) DeleteDestination(ctx context.Context, destination string) error {
	t.mu.Lock()
	_, ok := t.temporary[destination]
	delete(t.temporary, destination)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("rabbitmq: %s is not a temporary destination", destination)
	}
	return t.topology.DeleteQueue(ctx, destination)
}

func (t *Transport) isTemporary(destination string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.temporary[destination]
	return ok
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Pool returns the channel pool publishes and topology changes run on
func (t *Transport) Pool() *rabbitmq.ChannelPool {
	return t.pool
}

// Close stops all consumers and closes the connection
func (t *Transport) Close() error {
	t.manager.RemoveStateListener(t)
	t.consumer.CancelAll()
	t.pool.Close()
	return t.manager.Close()
}

// OnConnected redeclares the destination exchange after a reconnect
func (t *Transport) OnConnected() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.topology.DeclareTopology(ctx, rabbitmq.DefaultTopology()); err != nil {
		t.logger.Error("failed to redeclare topology", "error", err)
	}
}

// OnDisconnected drops temporary destinations, which die with the connection
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	n := len(t.temporary)
	clear(t.temporary)
	t.mu.Unlock()
	t.logger.Warn("rabbitmq transport disconnected", "error", err, "temporaryDestinationsLost", n)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("rabbitmq transport reconnecting", "attempt", attempt)
}

// subscription adapts a consumption to messaging.Subscription
type subscription struct {
	destination string
	consumption *rabbitmq.Consumption
	out         chan messaging.Delivery
	done        chan struct{}
	pumpDone    chan struct{}
	closeOnce   sync.Once
	cleanup     func()
	logger      *slog.Logger
}

func (s *subscription) Deliveries() <-chan messaging.Delivery {
	return s.out
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.pumpDone)
	defer close(s.out)
	defer s.stop()

	for {
		select {
		case d, ok := <-s.consumption.Deliveries():
			if !ok {
				select {
				case <-s.done:
				default:
					s.logger.Warn("subscription ended by broker", "destination", s.destination)
				}
				return
			}
			select {
			case s.out <- &delivery{raw: d, source: s.destination}:
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

// stop cancels the consumer; unacknowledged messages return to the queue
func (s *subscription) stop() {
	if err := s.consumption.Cancel(); err != nil {
		s.logger.Debug("consumer cancel failed", "destination", s.destination, "error", err)
	}
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.pumpDone
	return nil
}

// delivery adapts amqp.Delivery to messaging.Delivery
type delivery struct {
	raw    amqp.Delivery
	source string
}

func (d *delivery) Envelope() (*contracts.Envelope, error) {
	return fromDelivery(d.source, d.raw)
}

func (d *delivery) Acknowledge() error {
	return d.raw.Ack(false)
}
