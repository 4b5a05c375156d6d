package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/serialization"
)

// Endpoint is a message endpoint bound to one queue address. Sending
// enqueues on the endpoint's queue; Start consumes from it. Construction
// is cheap: the queue handle and its paired error queue are created by an
// explicit Open (which Start and the first Send perform on demand).
type Endpoint struct {
	uri       contracts.EndpointURI
	transport QueueTransport
	formatter serialization.BodyFormatter
	registry  *HandlerRegistry
	builder   *envelopeBuilder
	logger    *slog.Logger

	mu         sync.Mutex
	queue      QueueHandle
	errorQueue QueueHandle
	engine     *receiveEngine
	closed     bool
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithFormatter sets the body formatter. The endpoint clones it per
// message; the instance given here is never used for an envelope
// directly.
func WithFormatter(formatter serialization.BodyFormatter) EndpointOption {
	return func(ep *Endpoint) {
		ep.formatter = formatter
	}
}

// WithEndpointLogger sets the logger for the endpoint and its receive
// loop.
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(ep *Endpoint) {
		ep.logger = logger
	}
}

// NewEndpoint creates an endpoint for the given URI on the given
// transport. The URI's scheme must name the transport's kind.
func NewEndpoint(transport QueueTransport, uri contracts.EndpointURI, options ...EndpointOption) (*Endpoint, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil: %w", contracts.ErrInvalidArgument)
	}
	if uri.Scheme != transport.Kind() {
		return nil, fmt.Errorf("endpoint %s on %s transport: %w",
			uri, transport.Kind(), contracts.ErrUnsupportedPeer)
	}

	ep := &Endpoint{
		uri:       uri,
		transport: transport,
		formatter: serialization.NewJSONBodyFormatter(),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(ep)
	}

	ep.registry = NewHandlerRegistry(WithRegistryLogger(ep.logger))
	ep.builder = &envelopeBuilder{sender: uri, formatter: ep.formatter}

	return ep, nil
}

// NewEndpointFromURI is like NewEndpoint but parses the raw URI first.
func NewEndpointFromURI(transport QueueTransport, rawURI string, options ...EndpointOption) (*Endpoint, error) {
	uri, err := contracts.ParseEndpointURI(rawURI)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(transport, uri, options...)
}

// URI returns the endpoint's address.
func (ep *Endpoint) URI() contracts.EndpointURI {
	return ep.uri
}

// Formatter returns the endpoint's body formatter.
func (ep *Endpoint) Formatter() serialization.BodyFormatter {
	return ep.formatter
}

// Open creates the endpoint's queue and its paired error queue if absent
// and opens handles on both. Idempotent; Start and the first Send call it
// on demand, but calling it explicitly surfaces setup failures early.
func (ep *Endpoint) Open(ctx context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.ensureOpenLocked(ctx)
}

func (ep *Endpoint) ensureOpenLocked(ctx context.Context) error {
	if ep.closed {
		return fmt.Errorf("endpoint %s is closed", ep.uri)
	}
	if ep.queue != nil {
		return nil
	}

	queueName := ep.uri.QueueAddress()
	errorName := ep.uri.ErrorQueueAddress()

	for _, name := range []string{queueName, errorName} {
		exists, err := ep.transport.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check queue %s: %w", name, err)
		}
		if !exists {
			if err := ep.transport.Create(ctx, name); err != nil {
				return fmt.Errorf("failed to create queue %s: %w", name, err)
			}
		}
	}

	queue, err := ep.transport.Open(ctx, queueName)
	if err != nil {
		return fmt.Errorf("failed to open queue %s: %w", queueName, err)
	}

	errorQueue, err := ep.transport.Open(ctx, errorName)
	if err != nil {
		queue.Close()
		return fmt.Errorf("failed to open error queue %s: %w", errorName, err)
	}

	ep.queue = queue
	ep.errorQueue = errorQueue
	ep.engine = newReceiveEngine(queue, errorQueue, ep.transport, ep.registry, ep.formatter, ep.logger)

	return nil
}

// Send builds a plain application message envelope (command 0) from the
// message and enqueues it on the endpoint's queue inside a transaction
// scoped to exactly this one enqueue. The descriptor defaults to the
// message's type name. Send failures propagate to the caller.
func (ep *Endpoint) Send(ctx context.Context, message interface{}, opts ...SendOption) error {
	if message == nil {
		return fmt.Errorf("message cannot be nil: %w", contracts.ErrInvalidArgument)
	}
	return ep.SendControlCommand(ctx, contracts.CommandApplicationMessage, serialization.TypeNameOf(message), message, opts...)
}

// SendControlCommand enqueues an envelope with an explicit command code
// and descriptor, with the same single-enqueue transactional guarantee as
// Send. body may be nil for payload-free commands.
func (ep *Endpoint) SendControlCommand(ctx context.Context, command int, descriptor string, body interface{}, opts ...SendOption) error {
	env, err := ep.builder.build(command, descriptor, body, opts...)
	if err != nil {
		return err
	}

	ep.mu.Lock()
	if err := ep.ensureOpenLocked(ctx); err != nil {
		ep.mu.Unlock()
		return err
	}
	queue := ep.queue
	ep.mu.Unlock()

	tx, err := ep.transport.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin send transaction: %w", err)
	}

	if err := queue.Send(ctx, env, tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to send to %s: %w", ep.uri, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send to %s: %w", ep.uri, err)
	}

	ep.logger.Debug("message sent",
		"endpoint", ep.uri.String(),
		"envelopeId", env.ID,
		"command", env.Command,
		"descriptor", env.Descriptor,
	)

	return nil
}

// Subscribe registers handler for the given command code. Callable before
// or after Start; the subscription lives as long as the endpoint.
func (ep *Endpoint) Subscribe(command int, handler Handler) error {
	return ep.registry.Subscribe(command, handler)
}

// SubscribeFunc registers a function handler for the given command code.
func (ep *Endpoint) SubscribeFunc(command int, handler HandlerFunc) error {
	return ep.registry.Subscribe(command, handler)
}

// Start opens the endpoint if needed and starts its receive loop.
// Starting a started endpoint is a no-op.
func (ep *Endpoint) Start(ctx context.Context) error {
	ep.mu.Lock()
	if err := ep.ensureOpenLocked(ctx); err != nil {
		ep.mu.Unlock()
		return err
	}
	engine := ep.engine
	ep.mu.Unlock()

	return engine.Start(ctx)
}

// Stop halts the receive loop. In-flight dispatch finishes; no new peek
// is armed. Idempotent; Start may be called again afterward.
func (ep *Endpoint) Stop() {
	ep.mu.Lock()
	engine := ep.engine
	ep.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
}

// State returns the receive loop's current state.
func (ep *Endpoint) State() EngineState {
	ep.mu.Lock()
	engine := ep.engine
	ep.mu.Unlock()

	if engine == nil {
		return StateStopped
	}
	return engine.State()
}

// Close stops the receive loop and releases the queue handles if they
// were created. Safe to call multiple times.
func (ep *Endpoint) Close() error {
	ep.Stop()

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.closed {
		return nil
	}
	ep.closed = true

	var firstErr error
	for _, handle := range []QueueHandle{ep.queue, ep.errorQueue} {
		if handle == nil {
			continue
		}
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ep.queue = nil
	ep.errorQueue = nil
	ep.engine = nil

	return firstErr
}
