// Package rabbitmq provides the AMQP plumbing the RabbitMQ transport is
// built on: a connection manager with automatic reconnection, a channel
// pool for topology operations and sends, and queue declaration helpers.
//
// Nothing in this package knows about envelopes or endpoints; it deals in
// connections, channels, and queue names only. The transport in
// transports/rabbitmq composes these pieces into the QueueTransport
// contract.
package rabbitmq
