package rabbitmq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qpost/qpost-go/contracts"
)

// commandHeader carries the command code at the AMQP level so brokers and
// monitoring tools can see it without decoding the body.
const commandHeader = "x-qpost-command"

// ToPublishing maps an envelope to an AMQP publishing. The full envelope
// travels as the JSON body; command, descriptor, reply-to, and TTL are
// mirrored into AMQP fields. Delivery mode is always persistent.
func ToPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("amqp: failed to encode envelope: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Type:         env.Descriptor,
		ReplyTo:      env.ReplyTo,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers: amqp.Table{
			commandHeader: int32(env.Command),
		},
	}

	if env.TimeToLive > 0 {
		pub.Expiration = strconv.FormatInt(env.TimeToLive.Milliseconds(), 10)
	}

	return pub, nil
}

// FromDelivery maps an AMQP delivery back to an envelope. A body that is
// not a valid envelope is wrapped raw into a synthetic one, so the
// receive loop's decode step fails on it and quarantines it instead of
// the transport dropping it silently.
func FromDelivery(d amqp.Delivery) *contracts.Envelope {
	var env contracts.Envelope
	if err := json.Unmarshal(d.Body, &env); err == nil && env.ID != "" {
		return &env
	}

	command := 0
	if v, ok := d.Headers[commandHeader]; ok {
		switch c := v.(type) {
		case int32:
			command = int(c)
		case int64:
			command = int(c)
		}
	}

	return &contracts.Envelope{
		ID:         d.MessageId,
		Command:    command,
		Descriptor: d.Type,
		ReplyTo:    d.ReplyTo,
		Durable:    true,
		Body:       d.Body,
	}
}
