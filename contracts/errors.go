package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPeer is returned when a reply-to endpoint belongs to a
	// different transport kind than the sending endpoint.
	ErrUnsupportedPeer = errors.New("qpost: reply endpoint belongs to a different transport kind")

	// ErrInvalidArgument is returned when a required argument is absent.
	ErrInvalidArgument = errors.New("qpost: required argument is missing")

	// ErrEmptyReceive is returned when a receive finds no envelope on the
	// queue even though a peek notification fired.
	ErrEmptyReceive = errors.New("qpost: receive returned no envelope")
)

// FormatError reports a payload that could not be decoded.
type FormatError struct {
	Descriptor string // Envelope descriptor, when known
	Err        error  // Underlying decode failure
}

func (e *FormatError) Error() string {
	if e.Descriptor != "" {
		return fmt.Sprintf("qpost: malformed payload for %q: %v", e.Descriptor, e.Err)
	}
	return fmt.Sprintf("qpost: malformed payload: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// HandlerError reports a subscriber callback that failed while processing
// an envelope. Handlers registered after the failing one are skipped for
// that envelope.
type HandlerError struct {
	Command int   // Command code being dispatched
	Index   int   // Position of the failing handler in registration order
	Err     error // Error returned (or panic recovered) by the handler
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("qpost: handler %d for command %d failed: %v", e.Index, e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
