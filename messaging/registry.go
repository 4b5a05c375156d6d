package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qpost/qpost-go/contracts"
)

// Handler processes one inbound envelope.
//
// For plain application messages (command 0) body is the decoded payload
// and the envelope is supplied for metadata. For control commands body is
// nil and handlers inspect the envelope directly.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope, body interface{}) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, env *contracts.Envelope, body interface{}) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope, body interface{}) error {
	return f(ctx, env, body)
}

// HandlerRegistry maps command codes to subscriber callbacks. It is
// append-only: registrations accumulate for the lifetime of the endpoint
// and are never removed. One concurrent writer (Subscribe) and one
// concurrent reader (the dispatch cycle) are safe; Resolve snapshots the
// handler slice so a subscription landing mid-dispatch cannot tear the
// iteration.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[int][]Handler
	logger   *slog.Logger
}

// RegistryOption configures the HandlerRegistry.
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger used for dispatch diagnostics.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[int][]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Subscribe appends handler for the given command code. Multiple handlers
// per command are permitted and run in registration order.
func (r *HandlerRegistry) Subscribe(command int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil: %w", contracts.ErrInvalidArgument)
	}

	r.mu.Lock()
	r.handlers[command] = append(r.handlers[command], handler)
	count := len(r.handlers[command])
	r.mu.Unlock()

	r.logger.Debug("subscribed handler",
		"command", command,
		"handlerCount", count,
	)

	return nil
}

// Resolve returns a snapshot of the handlers registered for command, in
// registration order. When no handler is registered it returns a single
// synthetic fallback that records a diagnostic and discards the envelope.
func (r *HandlerRegistry) Resolve(command int) []Handler {
	r.mu.RLock()
	handlers := r.handlers[command]
	snapshot := make([]Handler, len(handlers))
	copy(snapshot, handlers)
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return []Handler{noSubscriberHandler{logger: r.logger}}
	}
	return snapshot
}

// Count returns the number of handlers registered for command.
func (r *HandlerRegistry) Count(command int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers[command])
}

// Commands returns all command codes that have at least one handler.
func (r *HandlerRegistry) Commands() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands := make([]int, 0, len(r.handlers))
	for command := range r.handlers {
		commands = append(commands, command)
	}
	return commands
}

// noSubscriberHandler is the fallback for commands without subscribers.
// It logs once and discards; the envelope is neither an error nor
// forwarded to the error queue.
type noSubscriberHandler struct {
	logger *slog.Logger
}

func (h noSubscriberHandler) Handle(ctx context.Context, env *contracts.Envelope, body interface{}) error {
	h.logger.Warn("no subscriber for this message",
		"command", env.Command,
		"descriptor", env.Descriptor,
		"envelopeId", env.ID,
	)
	return nil
}
