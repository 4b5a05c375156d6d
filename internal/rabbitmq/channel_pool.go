package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels for short-lived operations such as
// queue declarations and sends. Channels invalidated by a connection loss
// are detected on Get and replaced transparently.
type ChannelPool struct {
	manager *ConnectionManager

	mu          sync.Mutex
	channels    chan *PooledChannel
	maxSize     int
	activeCount int
	closed      bool
}

// PooledChannel wraps an AMQP channel with pool metadata.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum number of pooled channels.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a channel pool over the given connection
// manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager cannot be nil", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, creating one when none is idle
// and the pool is under its limit.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.retire()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	under := cp.activeCount < cp.maxSize
	cp.mu.Unlock()
	if under {
		return cp.create()
	}

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.retire()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil

	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}

	case <-time.After(5 * time.Second):
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}
}

// Put returns a channel to the pool. Closed channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.retire()
		ch.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		cp.retire()
		ch.Close()
	}
}

// Discard removes a channel from the pool permanently, e.g. after moving
// it into transactional mode.
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	cp.retire()
	ch.Close()
}

// Execute runs fn with a pooled channel, returning the channel
// afterwards. A failure is reported as a ChannelError identifying the
// channel it happened on.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	pooled, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(pooled)

	if err := fn(pooled.Channel); err != nil {
		return &ChannelError{
			Op:        "execute",
			ChannelID: pooled.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Close closes every pooled channel. Get fails afterwards.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		if ch != nil && !ch.IsClosed() {
			ch.Channel.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "pool",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) retire() {
	cp.mu.Lock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
	cp.mu.Unlock()
}
