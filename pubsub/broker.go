// Package pubsub implements the reference control protocol on top of the
// endpoint facade: command 1 subscribes an endpoint, command 2
// unsubscribes it, and every plain application message the broker
// receives is republished to all current subscribers.
//
// The messaging core stays agnostic to these command codes; everything
// here goes through the public Endpoint surface.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
)

const (
	// CommandSubscribe registers the envelope's reply-to endpoint as a
	// subscriber.
	CommandSubscribe = 1
	// CommandUnsubscribe removes the envelope's reply-to endpoint from
	// the subscriber set.
	CommandUnsubscribe = 2
)

// Descriptors used by the reference protocol.
const (
	DescriptorSubscribe   = "Subscribe"
	DescriptorUnsubscribe = "Unsubscribe"
)

// Broker fans plain messages received on one endpoint out to every
// subscribed endpoint. Subscribers announce themselves with
// CommandSubscribe control envelopes carrying their own address in
// reply-to.
type Broker struct {
	endpoint  *messaging.Endpoint
	transport messaging.QueueTransport
	logger    *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*messaging.Endpoint
}

// BrokerOption configures the Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker wires the protocol handlers onto endpoint. The endpoint is
// not started; call Start.
func NewBroker(endpoint *messaging.Endpoint, transport messaging.QueueTransport, options ...BrokerOption) (*Broker, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint cannot be nil: %w", contracts.ErrInvalidArgument)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil: %w", contracts.ErrInvalidArgument)
	}

	b := &Broker{
		endpoint:    endpoint,
		transport:   transport,
		logger:      slog.Default(),
		subscribers: make(map[string]*messaging.Endpoint),
	}

	for _, opt := range options {
		opt(b)
	}

	if err := endpoint.SubscribeFunc(CommandSubscribe, b.handleSubscribe); err != nil {
		return nil, err
	}
	if err := endpoint.SubscribeFunc(CommandUnsubscribe, b.handleUnsubscribe); err != nil {
		return nil, err
	}
	if err := endpoint.SubscribeFunc(contracts.CommandApplicationMessage, b.handlePublish); err != nil {
		return nil, err
	}

	return b, nil
}

// Start starts the broker's receive loop.
func (b *Broker) Start(ctx context.Context) error {
	return b.endpoint.Start(ctx)
}

// Stop halts the broker's receive loop.
func (b *Broker) Stop() {
	b.endpoint.Stop()
}

// Close stops the broker and releases the subscriber endpoints it
// created.
func (b *Broker) Close() error {
	b.Stop()

	b.mu.Lock()
	subscribers := b.subscribers
	b.subscribers = make(map[string]*messaging.Endpoint)
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subscribers {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.endpoint.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Subscribers returns the addresses of the current subscribers.
func (b *Broker) Subscribers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	addrs := make([]string, 0, len(b.subscribers))
	for addr := range b.subscribers {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (b *Broker) handleSubscribe(ctx context.Context, env *contracts.Envelope, _ interface{}) error {
	uri, ok, err := env.ReplyURI()
	if err != nil {
		return fmt.Errorf("subscribe with invalid reply-to: %w", err)
	}
	if !ok {
		return fmt.Errorf("subscribe without reply-to: %w", contracts.ErrInvalidArgument)
	}

	key := uri.String()

	b.mu.Lock()
	_, exists := b.subscribers[key]
	b.mu.Unlock()
	if exists {
		return nil
	}

	sub, err := messaging.NewEndpoint(b.transport, uri,
		messaging.WithFormatter(b.endpoint.Formatter()),
		messaging.WithEndpointLogger(b.logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create subscriber endpoint %s: %w", key, err)
	}

	b.mu.Lock()
	b.subscribers[key] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Info("subscriber added", "subscriber", key, "subscriberCount", count)
	return nil
}

func (b *Broker) handleUnsubscribe(ctx context.Context, env *contracts.Envelope, _ interface{}) error {
	uri, ok, err := env.ReplyURI()
	if err != nil {
		return fmt.Errorf("unsubscribe with invalid reply-to: %w", err)
	}
	if !ok {
		return fmt.Errorf("unsubscribe without reply-to: %w", contracts.ErrInvalidArgument)
	}

	key := uri.String()

	b.mu.Lock()
	sub, exists := b.subscribers[key]
	delete(b.subscribers, key)
	count := len(b.subscribers)
	b.mu.Unlock()

	if !exists {
		return nil
	}

	b.logger.Info("subscriber removed", "subscriber", key, "subscriberCount", count)
	return sub.Close()
}

// handlePublish republishes the decoded message to every subscriber. A
// failing subscriber does not stop delivery to the rest; the first
// failure is reported after all deliveries were attempted.
func (b *Broker) handlePublish(ctx context.Context, env *contracts.Envelope, body interface{}) error {
	if body == nil {
		return nil
	}

	b.mu.Lock()
	subscribers := make([]*messaging.Endpoint, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subscribers {
		if err := sub.Send(ctx, body); err != nil {
			b.logger.Error("failed to republish to subscriber",
				"subscriber", sub.URI().String(),
				"envelopeId", env.ID,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Subscribe announces self as a subscriber to the broker endpoint. The
// control envelope carries no payload; the broker reads the subscriber
// address from reply-to.
func Subscribe(ctx context.Context, broker, self *messaging.Endpoint) error {
	return broker.SendControlCommand(ctx, CommandSubscribe, DescriptorSubscribe, nil,
		messaging.WithReplyTo(self))
}

// Unsubscribe withdraws self from the broker endpoint's subscriber set.
func Unsubscribe(ctx context.Context, broker, self *messaging.Endpoint) error {
	return broker.SendControlCommand(ctx, CommandUnsubscribe, DescriptorUnsubscribe, nil,
		messaging.WithReplyTo(self))
}
