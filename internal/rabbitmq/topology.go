package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares and inspects the queues an endpoint needs.
type TopologyManager struct {
	manager *ConnectionManager
	pool    *ChannelPool
}

// NewTopologyManager creates a topology manager.
func NewTopologyManager(manager *ConnectionManager, pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		manager: manager,
		pool:    pool,
	}
}

// EnsureQueue declares the named queue as durable. Declaring an existing
// queue with the same properties is a no-op on the broker.
func (tm *TopologyManager) EnsureQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		)
		return err
	})
	if err != nil {
		return &TopologyError{
			Queue:     name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// QueueExists checks for the named queue with a passive declare. The
// probe uses a throwaway channel because a failed passive declare closes
// the channel it ran on.
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	ch, err := tm.manager.Channel()
	if err != nil {
		return false, &TopologyError{
			Queue:     name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	defer ch.Close()

	_, err = ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return false, nil
		}
		return false, &TopologyError{
			Queue:     name,
			Op:        "inspect",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return true, nil
}
