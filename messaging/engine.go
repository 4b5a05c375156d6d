package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/serialization"
)

// EngineState is the receive loop's lifecycle state.
type EngineState int32

const (
	// StateStopped means no peek is armed and no dispatch is running.
	StateStopped EngineState = iota
	// StatePeeking means the loop is waiting for the next peek
	// notification.
	StatePeeking
	// StateDispatching means the loop is processing one envelope.
	StateDispatching
)

// String returns the state name.
func (s EngineState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePeeking:
		return "peeking"
	case StateDispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// receiveEngine runs the notify-peek-receive-dispatch-requeue cycle for
// one endpoint. Envelopes are processed strictly one at a time in receive
// order; failures during decode or dispatch divert the envelope to the
// error queue and the loop continues.
type receiveEngine struct {
	queue      QueueHandle
	errorQueue QueueHandle
	transport  QueueTransport
	registry   *HandlerRegistry
	formatter  serialization.BodyFormatter
	logger     *slog.Logger

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newReceiveEngine(queue, errorQueue QueueHandle, transport QueueTransport, registry *HandlerRegistry, formatter serialization.BodyFormatter, logger *slog.Logger) *receiveEngine {
	return &receiveEngine{
		queue:      queue,
		errorQueue: errorQueue,
		transport:  transport,
		registry:   registry,
		formatter:  formatter,
		logger:     logger,
	}
}

// State returns the engine's current lifecycle state.
func (e *receiveEngine) State() EngineState {
	return EngineState(e.state.Load())
}

// Start arms the first peek and launches the loop. Starting a running
// engine is a no-op.
func (e *receiveEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return nil
	}
	if e.done != nil {
		// A previous loop may still be draining after Stop cleared
		// cancel. Join it so two loops never coexist.
		<-e.done
		e.done = nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	notify, err := e.queue.BeginPeek(loopCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to arm peek on %s: %w", e.queue.Name(), err)
	}

	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	e.state.Store(int32(StatePeeking))

	e.logger.Info("receive loop started", "queue", e.queue.Name())

	go e.run(loopCtx, notify, done)
	return nil
}

// Stop detaches the peek notification and waits for any in-flight
// dispatch to finish. No new peek is armed afterward. Idempotent.
func (e *receiveEngine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	e.logger.Info("receive loop stopped", "queue", e.queue.Name())
}

func (e *receiveEngine) run(ctx context.Context, notify <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer e.state.Store(int32(StateStopped))

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
		}

		e.state.Store(int32(StateDispatching))
		e.dispatchOne(ctx)

		if ctx.Err() != nil {
			return
		}

		var err error
		notify, err = e.queue.BeginPeek(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("failed to re-arm peek, receive loop halting",
					"queue", e.queue.Name(),
					"error", err,
				)
			}
			return
		}
		e.state.Store(int32(StatePeeking))
	}
}

// dispatchOne runs one receive-dispatch cycle. All failures are recovered
// here; the loop itself never sees an error from a cycle.
func (e *receiveEngine) dispatchOne(ctx context.Context) {
	env, err := e.queue.Receive(ctx)
	if err != nil {
		if errors.Is(err, contracts.ErrEmptyReceive) {
			// Peek fired but the queue was empty by the time we
			// received. Not fatal; the next peek covers it.
			e.logger.Warn("empty receive", "queue", e.queue.Name())
		} else if ctx.Err() == nil {
			e.logger.Error("receive failed",
				"queue", e.queue.Name(),
				"error", err,
			)
		}
		return
	}

	e.logger.Debug("envelope received",
		"queue", e.queue.Name(),
		"envelopeId", env.ID,
		"command", env.Command,
		"descriptor", env.Descriptor,
	)

	var body interface{}
	if !env.IsControlCommand() {
		body, err = e.formatter.Clone().Read(env)
		if err != nil {
			e.quarantine(ctx, env, fmt.Errorf("failed to decode body: %w", err))
			return
		}
	}

	handlers := e.registry.Resolve(env.Command)
	e.logger.Debug("dispatching envelope",
		"envelopeId", env.ID,
		"command", env.Command,
		"handlerCount", e.registry.Count(env.Command),
	)

	for i, handler := range handlers {
		if err := e.invoke(ctx, handler, env, body); err != nil {
			// Remaining handlers for this envelope are skipped; the
			// next envelope is dispatched to all of them again.
			e.quarantine(ctx, env, &contracts.HandlerError{
				Command: env.Command,
				Index:   i,
				Err:     err,
			})
			return
		}
	}
}

// invoke runs one handler, converting a panic into an error so a broken
// subscriber cannot take down the loop.
func (e *receiveEngine) invoke(ctx context.Context, handler Handler, env *contracts.Envelope, body interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler.Handle(ctx, env, body)
}

// quarantine forwards the failed envelope verbatim to the error queue in
// its own transaction. A failure here is logged and the envelope is lost;
// the loop continues either way.
func (e *receiveEngine) quarantine(ctx context.Context, env *contracts.Envelope, cause error) {
	e.logger.Error("dispatch failed, forwarding envelope to error queue",
		"queue", e.queue.Name(),
		"errorQueue", e.errorQueue.Name(),
		"envelopeId", env.ID,
		"command", env.Command,
		"descriptor", env.Descriptor,
		"error", cause,
	)

	tx, err := e.transport.BeginTx(ctx)
	if err != nil {
		e.logger.Error("failed to begin error-queue transaction, envelope dropped",
			"envelopeId", env.ID,
			"error", err,
		)
		return
	}

	if err := e.errorQueue.Send(ctx, env, tx); err != nil {
		tx.Rollback()
		e.logger.Error("failed to forward envelope to error queue",
			"envelopeId", env.ID,
			"error", err,
		)
		return
	}

	if err := tx.Commit(); err != nil {
		e.logger.Error("failed to commit error-queue transaction",
			"envelopeId", env.ID,
			"error", err,
		)
	}
}
