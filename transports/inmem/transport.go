// Package inmem provides an in-process QueueTransport for tests and
// standalone demos. Queues are FIFO slices guarded by a mutex, peek
// notifications are one-shot channels, and transactions stage sends until
// commit. Durability here means "survives until the process exits";
// everything else matches the contract the AMQP transport implements.
package inmem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
)

// Kind is the transport's URI scheme.
const Kind = "inmem"

// Transport is an in-process messaging.QueueTransport.
type Transport struct {
	mu     sync.Mutex
	queues map[string]*queue
	logger *slog.Logger
	closed bool
}

// TransportOption configures the Transport.
type TransportOption func(*Transport)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates an empty in-memory transport.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		queues: make(map[string]*queue),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Kind implements messaging.QueueTransport.
func (t *Transport) Kind() string {
	return Kind
}

// Exists implements messaging.QueueTransport.
func (t *Transport) Exists(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, fmt.Errorf("inmem: transport is closed")
	}
	_, ok := t.queues[name]
	return ok, nil
}

// Create implements messaging.QueueTransport. Creating an existing queue
// is a no-op.
func (t *Transport) Create(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("inmem: queue name cannot be empty: %w", contracts.ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("inmem: transport is closed")
	}
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = newQueue(name)
		t.logger.Debug("queue created", "queue", name)
	}
	return nil
}

// Open implements messaging.QueueTransport. The queue must exist.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("inmem: transport is closed")
	}
	q, ok := t.queues[name]
	if !ok {
		return nil, fmt.Errorf("inmem: queue %s does not exist", name)
	}
	return &handle{queue: q}, nil
}

// BeginTx implements messaging.QueueTransport.
func (t *Transport) BeginTx(ctx context.Context) (messaging.TransportTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("inmem: transport is closed")
	}
	return &transaction{}, nil
}

// Close implements messaging.QueueTransport. Armed peeks on all queues
// are released.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, q := range t.queues {
		q.release()
	}
	return nil
}

// queue is one FIFO queue. Envelopes carry their enqueue time so expired
// ones can be discarded before they reach a receiver.
type queue struct {
	name string

	mu      sync.Mutex
	items   []item
	waiters []chan struct{}
	closed  bool
}

type item struct {
	env      *contracts.Envelope
	enqueued time.Time
}

func newQueue(name string) *queue {
	return &queue{name: name}
}

// push appends a copy of env and fires every armed peek.
func (q *queue) push(env *contracts.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("inmem: queue %s is closed", q.name)
	}

	clone := *env
	q.items = append(q.items, item{env: &clone, enqueued: time.Now()})

	for _, w := range q.waiters {
		w <- struct{}{}
	}
	q.waiters = nil
	return nil
}

// pop removes the oldest live envelope, discarding expired ones first.
func (q *queue) pop() (*contracts.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropExpiredLocked()
	if len(q.items) == 0 {
		return nil, contracts.ErrEmptyReceive
	}

	env := q.items[0].env
	q.items = q.items[1:]
	return env, nil
}

// arm registers a one-shot peek notification. When the queue already
// holds a live envelope the notification fires immediately.
func (q *queue) arm(ctx context.Context) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("inmem: queue %s is closed", q.name)
	}

	notify := make(chan struct{}, 1)
	q.dropExpiredLocked()
	if len(q.items) > 0 {
		notify <- struct{}{}
		return notify, nil
	}

	q.waiters = append(q.waiters, notify)
	return notify, nil
}

func (q *queue) dropExpiredLocked() {
	now := time.Now()
	live := q.items[:0]
	for _, it := range q.items {
		if it.env.TimeToLive > 0 && now.Sub(it.enqueued) > it.env.TimeToLive {
			continue
		}
		live = append(live, it)
	}
	q.items = live
}

func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// depth returns the number of live envelopes currently queued.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropExpiredLocked()
	return len(q.items)
}

// handle is an open handle on one in-memory queue.
type handle struct {
	queue *queue

	mu     sync.Mutex
	closed bool
}

// Name implements messaging.QueueHandle.
func (h *handle) Name() string {
	return h.queue.name
}

// BeginPeek implements messaging.QueueHandle.
func (h *handle) BeginPeek(ctx context.Context) (<-chan struct{}, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("inmem: handle on %s is closed", h.queue.name)
	}
	return h.queue.arm(ctx)
}

// Receive implements messaging.QueueHandle.
func (h *handle) Receive(ctx context.Context) (*contracts.Envelope, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("inmem: handle on %s is closed", h.queue.name)
	}
	return h.queue.pop()
}

// Send implements messaging.QueueHandle. A nil tx enqueues immediately;
// otherwise the send is staged until the transaction commits.
func (h *handle) Send(ctx context.Context, env *contracts.Envelope, tx messaging.TransportTransaction) error {
	if env == nil {
		return fmt.Errorf("inmem: envelope cannot be nil: %w", contracts.ErrInvalidArgument)
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()

	if closed {
		return fmt.Errorf("inmem: handle on %s is closed", h.queue.name)
	}

	if tx == nil {
		return h.queue.push(env)
	}

	memTx, ok := tx.(*transaction)
	if !ok {
		return fmt.Errorf("inmem: foreign transaction %T", tx)
	}
	return memTx.stage(h.queue, env)
}

// Refresh implements messaging.QueueHandle. In-memory handles have no
// transport state to re-establish.
func (h *handle) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("inmem: handle on %s is closed", h.queue.name)
	}
	return nil
}

// Depth returns the number of live envelopes on the handle's queue.
func (h *handle) Depth() int {
	return h.queue.depth()
}

// Close implements messaging.QueueHandle.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	return nil
}

// transaction stages sends and applies them atomically on Commit.
type transaction struct {
	mu         sync.Mutex
	staged     []stagedSend
	committed  bool
	rolledBack bool
}

type stagedSend struct {
	queue *queue
	env   *contracts.Envelope
}

func (tx *transaction) stage(q *queue, env *contracts.Envelope) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("inmem: transaction already committed")
	}
	if tx.rolledBack {
		return fmt.Errorf("inmem: transaction already rolled back")
	}

	tx.staged = append(tx.staged, stagedSend{queue: q, env: env})
	return nil
}

// Commit implements messaging.TransportTransaction.
func (tx *transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("inmem: transaction already committed")
	}
	if tx.rolledBack {
		return fmt.Errorf("inmem: transaction already rolled back")
	}

	for _, s := range tx.staged {
		if err := s.queue.push(s.env); err != nil {
			return fmt.Errorf("inmem: commit failed on %s: %w", s.queue.name, err)
		}
	}

	tx.committed = true
	tx.staged = nil
	return nil
}

// Rollback implements messaging.TransportTransaction.
func (tx *transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("inmem: transaction already committed")
	}
	if tx.rolledBack {
		return nil
	}

	tx.rolledBack = true
	tx.staged = nil
	return nil
}
