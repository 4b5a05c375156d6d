package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/messaging"
)

// queueHandle is an open handle on one broker queue. A dedicated consumer
// channel with prefetch 1 feeds it; at most one delivery sits
// unacknowledged in the handle until Receive takes and acks it, which
// gives the handle its peek-then-receive shape.
type queueHandle struct {
	name      string
	transport *Transport
	logger    *slog.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	consumerID string
	pending    *amqp.Delivery
	closed     bool
}

// startConsumer opens the consumer channel and starts consuming with
// manual acknowledgments.
func (h *queueHandle) startConsumer() error {
	ch, err := h.transport.manager.Channel()
	if err != nil {
		return err
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	consumerID := fmt.Sprintf("qpost-%s", h.name)
	deliveries, err := ch.Consume(
		h.name,
		consumerID,
		false, // autoAck: the handle acks on Receive
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	h.mu.Lock()
	h.ch = ch
	h.deliveries = deliveries
	h.consumerID = consumerID
	h.mu.Unlock()

	return nil
}

// Name implements messaging.QueueHandle.
func (h *queueHandle) Name() string {
	return h.name
}

// BeginPeek implements messaging.QueueHandle.
func (h *queueHandle) BeginPeek(ctx context.Context) (<-chan struct{}, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("amqp: handle on %s is closed", h.name)
	}

	notify := make(chan struct{}, 1)
	if h.pending != nil {
		h.mu.Unlock()
		notify <- struct{}{}
		return notify, nil
	}
	deliveries := h.deliveries
	h.mu.Unlock()

	go func() {
		select {
		case d, ok := <-deliveries:
			if !ok {
				close(notify)
				return
			}
			h.mu.Lock()
			h.pending = &d
			h.mu.Unlock()
			notify <- struct{}{}
		case <-ctx.Done():
		}
	}()

	return notify, nil
}

// Receive implements messaging.QueueHandle. The buffered delivery is
// acknowledged to the broker before the envelope is handed out, so a
// received envelope is gone from the queue either way.
func (h *queueHandle) Receive(ctx context.Context) (*contracts.Envelope, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("amqp: handle on %s is closed", h.name)
	}

	d := h.pending
	h.pending = nil
	if d == nil {
		// Peek may have fired on a delivery still in flight; try a
		// non-blocking take before reporting empty.
		select {
		case fresh, ok := <-h.deliveries:
			if ok {
				d = &fresh
			}
		default:
		}
	}
	h.mu.Unlock()

	if d == nil {
		return nil, contracts.ErrEmptyReceive
	}

	if err := d.Ack(false); err != nil {
		return nil, fmt.Errorf("amqp: failed to ack delivery on %s: %w", h.name, err)
	}

	return FromDelivery(*d), nil
}

// Send implements messaging.QueueHandle. Publishes go to the default
// exchange with the queue name as routing key.
func (h *queueHandle) Send(ctx context.Context, env *contracts.Envelope, tx messaging.TransportTransaction) error {
	if env == nil {
		return fmt.Errorf("amqp: envelope cannot be nil: %w", contracts.ErrInvalidArgument)
	}

	pub, err := ToPublishing(env)
	if err != nil {
		return err
	}

	if tx == nil {
		return h.transport.pool.Execute(ctx, func(ch *amqp.Channel) error {
			return ch.PublishWithContext(ctx, "", h.name, false, false, pub)
		})
	}

	amqpTx, ok := tx.(*transaction)
	if !ok {
		return fmt.Errorf("amqp: foreign transaction %T", tx)
	}
	return amqpTx.publish(ctx, h.name, pub)
}

// Refresh implements messaging.QueueHandle. It re-checks the queue with a
// passive declare and restarts the consumer if the channel died with the
// connection.
func (h *queueHandle) Refresh(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("amqp: handle on %s is closed", h.name)
	}
	ch := h.ch
	h.mu.Unlock()

	exists, err := h.transport.topology.QueueExists(ctx, h.name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("amqp: queue %s no longer exists", h.name)
	}

	if ch == nil || ch.IsClosed() {
		h.logger.Info("restarting consumer after connection loss", "queue", h.name)
		return h.startConsumer()
	}
	return nil
}

// Close implements messaging.QueueHandle.
func (h *queueHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.ch != nil && !h.ch.IsClosed() {
		h.ch.Cancel(h.consumerID, false)
		return h.ch.Close()
	}
	return nil
}
