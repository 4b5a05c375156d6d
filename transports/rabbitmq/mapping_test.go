package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpost/qpost-go/contracts"
)

func TestToPublishing(t *testing.T) {
	t.Run("mirrors envelope metadata into AMQP fields", func(t *testing.T) {
		env := &contracts.Envelope{
			ID:         "m1",
			Command:    3,
			Descriptor: "OrderPlaced",
			ReplyTo:    "amqp://replies",
			Durable:    true,
			Body:       json.RawMessage(`{"x":1}`),
		}

		pub, err := ToPublishing(env)

		require.NoError(t, err)
		assert.Equal(t, "m1", pub.MessageId)
		assert.Equal(t, "OrderPlaced", pub.Type)
		assert.Equal(t, "amqp://replies", pub.ReplyTo)
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, int32(3), pub.Headers[commandHeader])
		assert.Empty(t, pub.Expiration)

		var decoded contracts.Envelope
		require.NoError(t, json.Unmarshal(pub.Body, &decoded))
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, env.Body, decoded.Body)
	})

	t.Run("time-to-live maps to per-message expiration in milliseconds", func(t *testing.T) {
		env := &contracts.Envelope{ID: "m1", TimeToLive: 90 * time.Second}

		pub, err := ToPublishing(env)

		require.NoError(t, err)
		assert.Equal(t, "90000", pub.Expiration)
	})
}

func TestFromDelivery(t *testing.T) {
	t.Run("round-trips a published envelope", func(t *testing.T) {
		env := &contracts.Envelope{
			ID:         "m1",
			Command:    1,
			Descriptor: "Subscribe",
			ReplyTo:    "amqp://replies",
			Durable:    true,
		}
		pub, err := ToPublishing(env)
		require.NoError(t, err)

		got := FromDelivery(amqp.Delivery{
			Body:      pub.Body,
			MessageId: pub.MessageId,
			Type:      pub.Type,
			ReplyTo:   pub.ReplyTo,
			Headers:   pub.Headers,
		})

		assert.Equal(t, env, got)
	})

	t.Run("foreign body is wrapped raw with AMQP metadata", func(t *testing.T) {
		got := FromDelivery(amqp.Delivery{
			Body:      []byte("not an envelope"),
			MessageId: "alien-1",
			Type:      "Alien",
			Headers:   amqp.Table{commandHeader: int32(7)},
		})

		assert.Equal(t, "alien-1", got.ID)
		assert.Equal(t, 7, got.Command)
		assert.Equal(t, "Alien", got.Descriptor)
		assert.True(t, got.Durable)
		assert.Equal(t, json.RawMessage("not an envelope"), got.Body)
	})
}

func TestValidAddress(t *testing.T) {
	t.Run("accepts local queue names", func(t *testing.T) {
		assert.NoError(t, validAddress("orders"))
		assert.NoError(t, validAddress("orders_errors"))
	})

	t.Run("rejects empty names", func(t *testing.T) {
		assert.ErrorIs(t, validAddress(""), contracts.ErrInvalidArgument)
	})

	t.Run("rejects host-qualified addresses", func(t *testing.T) {
		assert.ErrorIs(t, validAddress("orders@broker2"), contracts.ErrUnsupportedPeer)
	})
}
