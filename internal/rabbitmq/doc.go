// Package rabbitmq provides the AMQP 0-9-1 plumbing under the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects with exponential backoff
//   - ChannelPool: pools channels for publishing and topology work
//   - Publisher: mandatory publishes awaited on broker confirms
//   - Consumer: manual-ack consumptions, one channel each
//   - TopologyManager: exchanges, queues and bindings
//
// Every message goes through the headers exchange DestinationExchange and is
// routed on its HeaderDestination header, so a queue can be bound to a
// destination alone or to a destination plus selector headers.
package rabbitmq
