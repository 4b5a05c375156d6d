package messaging_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
	"github.com/qpost/qpost-go/serialization"
	"github.com/qpost/qpost-go/transports/inmem"
)

type testNote struct {
	Text string `json:"text"`
}

// depther is implemented by the inmem queue handle.
type depther interface {
	Depth() int
}

func newTestEndpoint(t *testing.T, transport *inmem.Transport, rawURI string) *messaging.Endpoint {
	t.Helper()

	formatter := serialization.NewJSONBodyFormatter()
	require.NoError(t, formatter.Registry().RegisterType(&testNote{}))

	ep, err := messaging.NewEndpointFromURI(transport, rawURI,
		messaging.WithFormatter(formatter))
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// drain receives one envelope directly off the endpoint's queue.
func drain(t *testing.T, transport *inmem.Transport, uri contracts.EndpointURI) *contracts.Envelope {
	t.Helper()

	handle, err := transport.Open(context.Background(), uri.QueueAddress())
	require.NoError(t, err)
	defer handle.Close()

	env, err := handle.Receive(context.Background())
	require.NoError(t, err)
	return env
}

func TestNewEndpoint(t *testing.T) {
	t.Run("rejects URI scheme foreign to the transport", func(t *testing.T) {
		transport := inmem.NewTransport()

		_, err := messaging.NewEndpointFromURI(transport, "amqp://orders")

		assert.ErrorIs(t, err, contracts.ErrUnsupportedPeer)
	})

	t.Run("rejects nil transport", func(t *testing.T) {
		_, err := messaging.NewEndpoint(nil, contracts.MustParseEndpointURI("inmem://orders"))

		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})
}

func TestEndpointOpen(t *testing.T) {
	t.Run("creates the queue and its error queue", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.Open(context.Background()))

		for _, name := range []string{"orders", "orders_errors"} {
			exists, err := transport.Exists(context.Background(), name)
			require.NoError(t, err)
			assert.True(t, exists, name)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.Open(context.Background()))
		assert.NoError(t, ep.Open(context.Background()))
	})
}

func TestEndpointSend(t *testing.T) {
	t.Run("enqueues a durable command-0 envelope with the type name descriptor", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.Send(context.Background(), &testNote{Text: "Hello world!"}))

		env := drain(t, transport, ep.URI())
		assert.Equal(t, contracts.CommandApplicationMessage, env.Command)
		assert.Equal(t, "testNote", env.Descriptor)
		assert.True(t, env.Durable)
		assert.NotEmpty(t, env.ID)
		assert.True(t, env.HasBody())

		decoded, err := ep.Formatter().Clone().Read(env)
		require.NoError(t, err)
		assert.Equal(t, &testNote{Text: "Hello world!"}, decoded)
	})

	t.Run("nil message fails with ErrInvalidArgument", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		err := ep.Send(context.Background(), nil)

		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("attaches time-to-live when given", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.Send(context.Background(), &testNote{Text: "x"},
			messaging.WithTimeToLive(time.Minute)))

		env := drain(t, transport, ep.URI())
		assert.Equal(t, time.Minute, env.TimeToLive)
	})

	t.Run("omits time-to-live by default", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.Send(context.Background(), &testNote{Text: "x"}))

		env := drain(t, transport, ep.URI())
		assert.Zero(t, env.TimeToLive)
	})
}

func TestEndpointSendControlCommand(t *testing.T) {
	t.Run("payload-free command keeps body empty", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		require.NoError(t, ep.SendControlCommand(context.Background(), 1, "Subscribe", nil))

		env := drain(t, transport, ep.URI())
		assert.Equal(t, 1, env.Command)
		assert.Equal(t, "Subscribe", env.Descriptor)
		assert.False(t, env.HasBody())
	})

	t.Run("carries the reply endpoint address", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")
		reply := newTestEndpoint(t, transport, "inmem://replies")

		require.NoError(t, ep.SendControlCommand(context.Background(), 1, "Subscribe", nil,
			messaging.WithReplyTo(reply)))

		env := drain(t, transport, ep.URI())
		assert.Equal(t, "inmem://replies", env.ReplyTo)
	})
}

func TestEndpointReplyFamilyValidation(t *testing.T) {
	t.Run("foreign-family reply endpoint fails before any enqueue", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")
		require.NoError(t, ep.Open(context.Background()))

		foreign := &foreignKindTransport{Transport: inmem.NewTransport()}
		reply, err := messaging.NewEndpointFromURI(foreign, "queue://replies")
		require.NoError(t, err)
		defer reply.Close()

		err = ep.Send(context.Background(), &testNote{Text: "x"},
			messaging.WithReplyTo(reply))

		assert.ErrorIs(t, err, contracts.ErrUnsupportedPeer)

		handle, err := transport.Open(context.Background(), "orders")
		require.NoError(t, err)
		defer handle.Close()
		assert.Zero(t, handle.(depther).Depth())
	})
}

// foreignKindTransport masquerades as a different transport family.
type foreignKindTransport struct {
	*inmem.Transport
}

func (f *foreignKindTransport) Kind() string {
	return "queue"
}

func TestEndpointClose(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")
		require.NoError(t, ep.Open(context.Background()))

		assert.NoError(t, ep.Close())
		assert.NoError(t, ep.Close())
	})

	t.Run("releases nothing when the queue was never created", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")

		assert.NoError(t, ep.Close())

		exists, err := transport.Exists(context.Background(), "orders")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("sends fail after close", func(t *testing.T) {
		transport := inmem.NewTransport()
		ep := newTestEndpoint(t, transport, "inmem://orders")
		require.NoError(t, ep.Close())

		err := ep.Send(context.Background(), &testNote{Text: "x"})

		assert.Error(t, err)
	})
}

// mockTransport fails transactions on demand so send-path propagation can
// be asserted.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Kind() string {
	return "inmem"
}

func (m *mockTransport) Exists(ctx context.Context, name string) (bool, error) {
	args := m.Called(ctx, name)
	return args.Bool(0), args.Error(1)
}

func (m *mockTransport) Create(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *mockTransport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(messaging.QueueHandle), args.Error(1)
}

func (m *mockTransport) BeginTx(ctx context.Context) (messaging.TransportTransaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(messaging.TransportTransaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

type mockTx struct {
	mock.Mock
}

func (m *mockTx) Commit() error {
	return m.Called().Error(0)
}

func (m *mockTx) Rollback() error {
	return m.Called().Error(0)
}

type mockHandle struct {
	mock.Mock
	name string
}

func (m *mockHandle) Name() string { return m.name }

func (m *mockHandle) BeginPeek(ctx context.Context) (<-chan struct{}, error) {
	args := m.Called(ctx)
	return args.Get(0).(<-chan struct{}), args.Error(1)
}

func (m *mockHandle) Receive(ctx context.Context) (*contracts.Envelope, error) {
	args := m.Called(ctx)
	if env := args.Get(0); env != nil {
		return env.(*contracts.Envelope), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockHandle) Send(ctx context.Context, env *contracts.Envelope, tx messaging.TransportTransaction) error {
	return m.Called(ctx, env, tx).Error(0)
}

func (m *mockHandle) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockHandle) Close() error {
	return m.Called().Error(0)
}

func TestEndpointSendErrorPropagation(t *testing.T) {
	newMockedEndpoint := func(t *testing.T) (*messaging.Endpoint, *mockTransport, *mockHandle) {
		transport := &mockTransport{}
		queue := &mockHandle{name: "orders"}
		errQueue := &mockHandle{name: "orders_errors"}

		transport.On("Exists", mock.Anything, "orders").Return(true, nil)
		transport.On("Exists", mock.Anything, "orders_errors").Return(true, nil)
		transport.On("Open", mock.Anything, "orders").Return(queue, nil)
		transport.On("Open", mock.Anything, "orders_errors").Return(errQueue, nil)

		ep, err := messaging.NewEndpointFromURI(transport, "inmem://orders")
		require.NoError(t, err)
		return ep, transport, queue
	}

	t.Run("failed BeginTx surfaces to the caller", func(t *testing.T) {
		ep, transport, _ := newMockedEndpoint(t)
		transport.On("BeginTx", mock.Anything).Return(nil, assert.AnError)

		err := ep.Send(context.Background(), &testNote{Text: "x"})

		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("failed enqueue rolls back and surfaces", func(t *testing.T) {
		ep, transport, queue := newMockedEndpoint(t)
		tx := &mockTx{}
		transport.On("BeginTx", mock.Anything).Return(tx, nil)
		queue.On("Send", mock.Anything, mock.Anything, tx).Return(assert.AnError)
		tx.On("Rollback").Return(nil)

		err := ep.Send(context.Background(), &testNote{Text: "x"})

		assert.ErrorIs(t, err, assert.AnError)
		tx.AssertCalled(t, "Rollback")
		tx.AssertNotCalled(t, "Commit")
	})

	t.Run("failed commit surfaces", func(t *testing.T) {
		ep, transport, queue := newMockedEndpoint(t)
		tx := &mockTx{}
		transport.On("BeginTx", mock.Anything).Return(tx, nil)
		queue.On("Send", mock.Anything, mock.Anything, tx).Return(nil)
		tx.On("Commit").Return(assert.AnError)

		err := ep.Send(context.Background(), &testNote{Text: "x"})

		assert.ErrorIs(t, err, assert.AnError)
	})
}
