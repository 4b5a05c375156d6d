package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/serialization"
)

// SendOption configures one send.
type SendOption func(*sendOptions)

type sendOptions struct {
	replyTo *Endpoint
	ttl     time.Duration
}

// WithReplyTo addresses replies at the given endpoint. The reply endpoint
// must belong to the same transport kind as the sender; mismatched kinds
// fail the send with contracts.ErrUnsupportedPeer before anything is
// enqueued.
func WithReplyTo(endpoint *Endpoint) SendOption {
	return func(o *sendOptions) {
		o.replyTo = endpoint
	}
}

// WithTimeToLive bounds the envelope's lifetime. An expired, undelivered
// envelope is discarded by the transport before it reaches any receive
// loop. Zero means transport-default (unbounded) lifetime.
func WithTimeToLive(ttl time.Duration) SendOption {
	return func(o *sendOptions) {
		o.ttl = ttl
	}
}

// envelopeBuilder constructs transport envelopes for one sending endpoint.
type envelopeBuilder struct {
	sender    contracts.EndpointURI
	formatter serialization.BodyFormatter
}

// build assembles an envelope from a command code, descriptor, optional
// body, and send options. The body is serialized through a fresh clone of
// the endpoint's formatter so concurrent sends never share serializer
// state. Durability is unconditional.
func (b *envelopeBuilder) build(command int, descriptor string, body interface{}, opts ...SendOption) (*contracts.Envelope, error) {
	options := sendOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	env := &contracts.Envelope{
		ID:         uuid.New().String(),
		Command:    command,
		Descriptor: descriptor,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Durable:    true,
	}

	if options.replyTo != nil {
		replyURI := options.replyTo.URI()
		if !b.sender.SameFamily(replyURI) {
			return nil, fmt.Errorf("reply endpoint %s for sender %s: %w",
				replyURI, b.sender, contracts.ErrUnsupportedPeer)
		}
		env.ReplyTo = replyURI.String()
	}

	if options.ttl > 0 {
		env.TimeToLive = options.ttl
	}

	if body != nil {
		if err := b.formatter.Clone().Write(env, body); err != nil {
			return nil, fmt.Errorf("failed to write envelope body: %w", err)
		}
	}

	return env, nil
}
