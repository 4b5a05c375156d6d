package pubsub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
	"github.com/qpost/qpost-go/pubsub"
	"github.com/qpost/qpost-go/serialization"
	"github.com/qpost/qpost-go/transports/inmem"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type alert struct {
	Text string `json:"text"`
}

type fixture struct {
	transport *inmem.Transport
	formatter *serialization.JSONBodyFormatter
	broker    *pubsub.Broker
	sender    *messaging.Endpoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	transport := inmem.NewTransport()
	formatter := serialization.NewJSONBodyFormatter()
	require.NoError(t, formatter.Registry().RegisterType(&alert{}))

	brokerEndpoint, err := messaging.NewEndpointFromURI(transport, "inmem://hub",
		messaging.WithFormatter(formatter))
	require.NoError(t, err)

	broker, err := pubsub.NewBroker(brokerEndpoint, transport)
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })
	require.NoError(t, broker.Start(context.Background()))

	sender, err := messaging.NewEndpointFromURI(transport, "inmem://hub",
		messaging.WithFormatter(formatter))
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	return &fixture{
		transport: transport,
		formatter: formatter,
		broker:    broker,
		sender:    sender,
	}
}

// listener is a started endpoint collecting plain messages.
func (f *fixture) listener(t *testing.T, rawURI string) (*messaging.Endpoint, func() []alert) {
	t.Helper()

	ep, err := messaging.NewEndpointFromURI(f.transport, rawURI,
		messaging.WithFormatter(f.formatter))
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	var mu sync.Mutex
	var got []alert
	require.NoError(t, ep.SubscribeFunc(contracts.CommandApplicationMessage,
		func(ctx context.Context, env *contracts.Envelope, body interface{}) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, *body.(*alert))
			return nil
		}))
	require.NoError(t, ep.Start(context.Background()))

	return ep, func() []alert {
		mu.Lock()
		defer mu.Unlock()
		return append([]alert(nil), got...)
	}
}

func TestBrokerSubscribe(t *testing.T) {
	t.Run("subscribe command registers the reply endpoint", func(t *testing.T) {
		f := newFixture(t)
		inbox, _ := f.listener(t, "inmem://inbox1")

		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox))

		require.Eventually(t, func() bool {
			return len(f.broker.Subscribers()) == 1
		}, waitFor, tick)
		assert.Equal(t, []string{"inmem://inbox1"}, f.broker.Subscribers())
	})

	t.Run("duplicate subscribe is ignored", func(t *testing.T) {
		f := newFixture(t)
		inbox, _ := f.listener(t, "inmem://inbox1")

		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox))
		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox))

		require.Eventually(t, func() bool {
			return len(f.broker.Subscribers()) == 1
		}, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Len(t, f.broker.Subscribers(), 1)
	})
}

func TestBrokerFanOut(t *testing.T) {
	t.Run("plain messages reach every subscriber", func(t *testing.T) {
		f := newFixture(t)
		inbox1, got1 := f.listener(t, "inmem://inbox1")
		inbox2, got2 := f.listener(t, "inmem://inbox2")

		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox1))
		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox2))
		require.Eventually(t, func() bool {
			return len(f.broker.Subscribers()) == 2
		}, waitFor, tick)

		require.NoError(t, f.sender.Send(context.Background(), &alert{Text: "Hello world!"}))

		require.Eventually(t, func() bool {
			return len(got1()) == 1 && len(got2()) == 1
		}, waitFor, tick)
		assert.Equal(t, alert{Text: "Hello world!"}, got1()[0])
		assert.Equal(t, alert{Text: "Hello world!"}, got2()[0])
	})

	t.Run("messages published before any subscription go nowhere", func(t *testing.T) {
		f := newFixture(t)

		require.NoError(t, f.sender.Send(context.Background(), &alert{Text: "lost"}))

		inbox, got := f.listener(t, "inmem://inbox1")
		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox))
		require.NoError(t, f.sender.Send(context.Background(), &alert{Text: "kept"}))

		require.Eventually(t, func() bool { return len(got()) == 1 }, waitFor, tick)
		assert.Equal(t, alert{Text: "kept"}, got()[0])
	})
}

func TestBrokerUnsubscribe(t *testing.T) {
	t.Run("unsubscribed endpoints stop receiving", func(t *testing.T) {
		f := newFixture(t)
		inbox1, got1 := f.listener(t, "inmem://inbox1")
		inbox2, got2 := f.listener(t, "inmem://inbox2")

		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox1))
		require.NoError(t, pubsub.Subscribe(context.Background(), f.sender, inbox2))
		require.Eventually(t, func() bool {
			return len(f.broker.Subscribers()) == 2
		}, waitFor, tick)

		require.NoError(t, pubsub.Unsubscribe(context.Background(), f.sender, inbox2))
		require.Eventually(t, func() bool {
			return len(f.broker.Subscribers()) == 1
		}, waitFor, tick)

		require.NoError(t, f.sender.Send(context.Background(), &alert{Text: "after"}))

		require.Eventually(t, func() bool { return len(got1()) == 1 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, got2())
	})

	t.Run("unsubscribe of an unknown endpoint is ignored", func(t *testing.T) {
		f := newFixture(t)
		inbox, _ := f.listener(t, "inmem://inbox1")

		require.NoError(t, pubsub.Unsubscribe(context.Background(), f.sender, inbox))

		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, f.broker.Subscribers())
	})
}
