// Package rabbitmq implements the QueueTransport contract over AMQP
// 0-9-1. Queues are durable broker queues, peeks ride a single-prefetch
// consumer that buffers at most one unacknowledged delivery per handle,
// and transactional sends use AMQP channel transactions scoped to one
// commit.
//
// The transport does not route between brokers: endpoint URIs must be
// local (no host segment), since the broker itself is addressed by the
// connection URL.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/internal/rabbitmq"
	"github.com/qpost/qpost-go/messaging"
)

// Kind is the transport's URI scheme.
const Kind = "amqp"

// Transport implements messaging.QueueTransport for RabbitMQ.
type Transport struct {
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// TransportConfig holds configuration for the transport.
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	Logger            *slog.Logger
}

// TransportOption configures the transport.
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection manager options.
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options.
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker at connectionString and returns a
// transport ready to serve endpoints.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithConnectionLogger(cfg.Logger),
	}, cfg.ConnectionOptions...)

	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.PoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager:  manager,
		pool:     pool,
		topology: rabbitmq.NewTopologyManager(manager, pool),
		logger:   cfg.Logger,
	}, nil
}

// Kind implements messaging.QueueTransport.
func (t *Transport) Kind() string {
	return Kind
}

// Exists implements messaging.QueueTransport.
func (t *Transport) Exists(ctx context.Context, name string) (bool, error) {
	if err := validAddress(name); err != nil {
		return false, err
	}
	return t.topology.QueueExists(ctx, name)
}

// Create implements messaging.QueueTransport. Queues are always declared
// durable.
func (t *Transport) Create(ctx context.Context, name string) error {
	if err := validAddress(name); err != nil {
		return err
	}
	return t.topology.EnsureQueue(ctx, name)
}

// Open implements messaging.QueueTransport. The handle owns a dedicated
// consumer channel with prefetch 1.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	if err := validAddress(name); err != nil {
		return nil, err
	}

	h := &queueHandle{
		name:      name,
		transport: t,
		logger:    t.logger,
	}
	if err := h.startConsumer(); err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
	}
	return h, nil
}

// BeginTx implements messaging.QueueTransport. Each transaction runs on a
// dedicated channel in AMQP transactional mode; the channel is closed
// when the transaction ends, because a channel never leaves tx mode once
// selected.
func (t *Transport) BeginTx(ctx context.Context) (messaging.TransportTransaction, error) {
	ch, err := t.manager.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction channel: %w", err)
	}
	if err := ch.Tx(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to select transactional mode: %w", err)
	}
	return &transaction{ch: ch}, nil
}

// Close implements messaging.QueueTransport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.pool.Close()
	return t.manager.Close()
}

// IsConnected reports whether the broker connection is live.
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// validAddress rejects host-qualified queue addresses: this transport
// reaches exactly one broker, the one in the connection URL.
func validAddress(name string) error {
	if name == "" {
		return fmt.Errorf("amqp: queue name cannot be empty: %w", contracts.ErrInvalidArgument)
	}
	if strings.Contains(name, "@") {
		return fmt.Errorf("amqp: remote queue address %q: %w", name, contracts.ErrUnsupportedPeer)
	}
	return nil
}

// transaction is an AMQP channel transaction scoping one or more
// publishes.
type transaction struct {
	mu         sync.Mutex
	ch         *amqp.Channel
	committed  bool
	rolledBack bool
}

func (tx *transaction) publish(ctx context.Context, routingKey string, pub amqp.Publishing) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("amqp: transaction already committed")
	}
	if tx.rolledBack {
		return fmt.Errorf("amqp: transaction already rolled back")
	}

	return tx.ch.PublishWithContext(ctx, "", routingKey, false, false, pub)
}

// Commit implements messaging.TransportTransaction.
func (tx *transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("amqp: transaction already committed")
	}
	if tx.rolledBack {
		return fmt.Errorf("amqp: transaction already rolled back")
	}

	if err := tx.ch.TxCommit(); err != nil {
		return fmt.Errorf("amqp: commit failed: %w", err)
	}
	tx.committed = true
	return tx.ch.Close()
}

// Rollback implements messaging.TransportTransaction.
func (tx *transaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("amqp: transaction already committed")
	}
	if tx.rolledBack {
		return nil
	}

	tx.rolledBack = true
	if err := tx.ch.TxRollback(); err != nil {
		tx.ch.Close()
		return fmt.Errorf("amqp: rollback failed: %w", err)
	}
	return tx.ch.Close()
}
