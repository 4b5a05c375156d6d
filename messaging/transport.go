package messaging

import (
	"context"

	"github.com/qpost/qpost-go/contracts"
)

// QueueTransport is the durable, transactional queue collaborator an
// endpoint is built on. Implementations own connection management,
// durability, and transaction semantics; the messaging layer only assumes
// the operations below exist and are reliable.
//
// Queue names passed here are transport addresses as produced by
// contracts.EndpointURI.QueueAddress, not raw URIs.
type QueueTransport interface {
	// Kind returns the transport's URI scheme, e.g. "amqp" or "inmem".
	// Endpoints interoperate only within one kind.
	Kind() string

	// Exists reports whether the named queue exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Create creates the named queue as durable and transactional.
	// Creating a queue that already exists is not an error.
	Create(ctx context.Context, name string) error

	// Open returns a handle on the named queue. The handle is exclusively
	// owned by the caller until closed.
	Open(ctx context.Context, name string) (QueueHandle, error)

	// BeginTx starts a transport transaction. Sends performed inside the
	// transaction become visible atomically on Commit and are discarded
	// on Rollback.
	BeginTx(ctx context.Context) (TransportTransaction, error)

	// Close releases the transport's shared resources. Handles opened
	// from the transport become unusable.
	Close() error
}

// QueueHandle is an open handle on one queue.
type QueueHandle interface {
	// Name returns the queue address the handle is bound to.
	Name() string

	// BeginPeek arms a one-shot notification that fires when an envelope
	// becomes observable on the queue. The returned channel delivers at
	// most one value; the caller re-arms by calling BeginPeek again. The
	// channel is closed without a value when the handle or transport is
	// closed. Cancelling ctx does not fire the channel; callers select on
	// ctx.Done() alongside it.
	BeginPeek(ctx context.Context) (<-chan struct{}, error)

	// Receive removes and returns exactly one envelope. It returns
	// contracts.ErrEmptyReceive when the queue holds no envelope.
	Receive(ctx context.Context) (*contracts.Envelope, error)

	// Send enqueues the envelope. A nil tx sends immediately; a non-nil
	// tx stages the send until the transaction commits.
	Send(ctx context.Context, env *contracts.Envelope, tx TransportTransaction) error

	// Refresh re-checks the handle's binding to the underlying queue,
	// re-establishing transport state lost since Open.
	Refresh(ctx context.Context) error

	// Close releases the handle. Closing an already closed handle is a
	// no-op.
	Close() error
}

// TransportTransaction scopes one or more sends into an atomic unit.
type TransportTransaction interface {
	// Commit atomically publishes every send staged in the transaction.
	Commit() error

	// Rollback discards every staged send. Rolling back after Commit is
	// an error; rolling back twice is not.
	Rollback() error
}
