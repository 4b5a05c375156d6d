// Package messaging implements the message endpoint: the public facade
// (Send, SendControlCommand, Subscribe, Start, Stop, Close), the
// command-keyed handler registry, the envelope builder, and the
// notify-peek-receive-dispatch-requeue engine that drives one endpoint's
// inbound queue.
//
// The package is transport-agnostic. It talks to a durable, transactional
// queue service through the QueueTransport collaborator contract;
// transports/rabbitmq and transports/inmem provide implementations.
//
// Concurrency model: one endpoint runs one receive loop. Envelopes are
// dispatched strictly in receive order with no concurrent dispatch within
// an endpoint; sends use the transport independently and never suspend
// the loop. Send errors propagate to the caller; receive and dispatch
// errors are recovered by diverting the envelope to the endpoint's
// <queue>_errors queue and resuming the loop.
package messaging
